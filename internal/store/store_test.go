package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestStoreBasicCRUDAndReplay(t *testing.T) {
	dataDir := t.TempDir()

	s, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Put("foo", []byte("bar")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := s.Get("foo")
	if !ok || string(got) != "bar" {
		t.Fatalf("Get() foo = %q, %v, want %q, true", got, ok, "bar")
	}
	if err := s.Delete("foo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get("foo"); ok {
		t.Fatalf("Get() after Delete returned value, want missing")
	}

	for _, kv := range [][2]string{{"k1", "v1"}, {"k2", "v2"}} {
		if err := s.Put(kv[0], []byte(kv[1])); err != nil {
			t.Fatalf("Put(%s) error = %v", kv[0], err)
		}
	}
	if err := s.Delete("k1"); err != nil {
		t.Fatalf("Delete(k1) error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() after replay error = %v", err)
	}
	defer s2.Close()
	if _, ok := s2.Get("k1"); ok {
		t.Fatalf("Get(k1) after replay = present, want missing")
	}
	if v, ok := s2.Get("k2"); !ok || string(v) != "v2" {
		t.Fatalf("Get(k2) after replay = %q, %v, want %q, true", v, ok, "v2")
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	value := []byte("abc")
	if err := s.Put("k", value); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value[0] = 'x'
	got, _ := s.Get("k")
	got[1] = 'y'
	again, _ := s.Get("k")
	if string(again) != "abc" {
		t.Fatalf("Get() = %q, want %q", again, "abc")
	}
}

func TestStoreEmptyKeyErrors(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if err := s.Put("", []byte("x")); err == nil {
		t.Fatalf("Put(\"\") = nil error, want non-nil")
	}
	if err := s.Delete(""); err == nil {
		t.Fatalf("Delete(\"\") = nil error, want non-nil")
	}
}

func TestStoreWALCorruptJSON(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, walName), []byte("not-json\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := New(dataDir); err == nil {
		t.Fatalf("New() with corrupt WAL error = nil, want non-nil")
	}
}

func TestStoreWALUnknownOp(t *testing.T) {
	dataDir := t.TempDir()
	line := `{"op":"unknown","key":"k","value":"dg=="}` + "\n"
	if err := os.WriteFile(filepath.Join(dataDir, walName), []byte(line), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := New(dataDir); err == nil {
		t.Fatalf("New() with unknown op in WAL error = nil, want non-nil")
	}
}

func TestStoreCloseTwiceAndWriteAfterClose(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.Put("k", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put() after Close error = %v, want ErrClosed", err)
	}
}

func TestStoreLargeValuesReplay(t *testing.T) {
	dataDir := t.TempDir()
	s, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	big := bytes.Repeat([]byte("build log line\n"), 20000)
	if err := s.Put("job:1", big); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	s.Close()

	s2, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() after replay error = %v", err)
	}
	defer s2.Close()
	got, ok := s2.Get("job:1")
	if !ok || !bytes.Equal(got, big) {
		t.Fatalf("Get() after replay returned %d bytes, want %d", len(got), len(big))
	}
}

func TestStoreKeysWithPrefix(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	for _, k := range []string{"job:b", "meta:x", "job:a", "job:c"} {
		if err := s.Put(k, []byte("1")); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}
	if got, want := s.KeysWithPrefix("job:"), []string{"job:a", "job:b", "job:c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("KeysWithPrefix() = %v, want %v", got, want)
	}
	if got := s.Keys(); len(got) != 4 || got[0] != "job:a" {
		t.Fatalf("Keys() = %v, want 4 sorted keys", got)
	}
}

func TestStoreCompact(t *testing.T) {
	dataDir := t.TempDir()
	s, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := s.Put("job:1", []byte(fmt.Sprintf("state-%d", i))); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := s.Put("job:2", []byte("gone")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete("job:2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	walPath := filepath.Join(dataDir, walName)
	before, _ := os.Stat(walPath)
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	after, _ := os.Stat(walPath)
	if after.Size() >= before.Size() {
		t.Fatalf("Compact() size = %d, want less than %d", after.Size(), before.Size())
	}

	if err := s.Put("job:3", []byte("new")); err != nil {
		t.Fatalf("Put() after Compact error = %v", err)
	}
	s.Close()

	s2, err := New(dataDir)
	if err != nil {
		t.Fatalf("New() after Compact error = %v", err)
	}
	defer s2.Close()
	if v, _ := s2.Get("job:1"); string(v) != "state-49" {
		t.Fatalf("Get(job:1) = %q, want %q", v, "state-49")
	}
	if _, ok := s2.Get("job:2"); ok {
		t.Fatalf("Get(job:2) = present, want missing")
	}
	if v, _ := s2.Get("job:3"); string(v) != "new" {
		t.Fatalf("Get(job:3) = %q, want %q", v, "new")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	const (
		numWriters    = 8
		numReaders    = 8
		numIterations = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < numIterations; i++ {
				if err := s.Put(fmt.Sprintf("writer-%d-%d", id, i), []byte("value")); err != nil {
					t.Errorf("Put() error in writer %d: %v", id, err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(200 * time.Millisecond)
			for time.Now().Before(deadline) {
				for _, k := range s.KeysWithPrefix("writer-") {
					_, _ = s.Get(k)
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("concurrent access test timed out; possible deadlock or starvation")
	}
	if got := len(s.Keys()); got != numWriters*numIterations {
		t.Fatalf("Keys() = %d entries, want %d", got, numWriters*numIterations)
	}
}
