// Package store is a single-node, disk-backed key-value store. Every write is
// appended to a JSON-lines write-ahead log and fsynced before it becomes
// visible; the log is replayed on open.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("store is closed")

const walName = "store.wal"

// maxRecordBytes bounds a single WAL line. Build logs are stored as values
// and can be large.
const maxRecordBytes = 64 << 20

type opType string

const (
	opPut    opType = "put"
	opDelete opType = "delete"
)

type walRecord struct {
	Op    opType `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	walPath string
	walFile *os.File
}

// New opens the store in dataDir, creating the directory if needed, and
// replays any existing log.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		data:    make(map[string][]byte),
		walPath: filepath.Join(dataDir, walName),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.walPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.walFile = f
	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(s.walPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode wal record %d: %w", line, err)
		}
		switch rec.Op {
		case opPut:
			s.data[rec.Key] = append([]byte(nil), rec.Value...)
		case opDelete:
			delete(s.data, rec.Key)
		default:
			return fmt.Errorf("unknown wal op %q at record %d", rec.Op, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read wal: %w", err)
	}
	log.Debug().Str("wal", s.walPath).Int("records", line).Int("keys", len(s.data)).Msg("store replayed")
	return nil
}

// Put sets key to value.
func (s *Store) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(walRecord{Op: opPut, Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(walRecord{Op: opDelete, Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	return s.KeysWithPrefix("")
}

// KeysWithPrefix returns the keys starting with prefix in sorted order.
func (s *Store) KeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Compact rewrites the log so it holds one put per live key.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return ErrClosed
	}

	tmpPath := s.walPath + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted wal: %w", err)
	}
	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(walRecord{Op: opPut, Key: k, Value: s.data[k]}); err != nil {
			return abort(fmt.Errorf("write compacted wal: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return abort(fmt.Errorf("flush compacted wal: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync compacted wal: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compacted wal: %w", err)
	}

	if err := s.walFile.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	s.walFile = nil
	if err := os.Rename(tmpPath, s.walPath); err != nil {
		return fmt.Errorf("replace wal: %w", err)
	}
	f, err := os.OpenFile(s.walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	s.walFile = f
	return nil
}

// Close closes the log. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return nil
	}
	err := s.walFile.Close()
	s.walFile = nil
	return err
}

// append writes and fsyncs one record. Callers hold s.mu.
func (s *Store) append(rec walRecord) error {
	if s.walFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.walFile.Write(b); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := s.walFile.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}
