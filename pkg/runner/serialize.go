package runner

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNotSerializable is returned when a Runner built from plain functions is
// asked to serialize itself.
var ErrNotSerializable = errors.New("runner is not serializable")

// ModelRole is the role tag of the model runner inside a build context.
const ModelRole = "model"

// FileNameForRole returns the data directory file name of a role.
func FileNameForRole(role string) string {
	return role + ".pkl"
}

// Runner record field numbers.
const (
	fieldKind      protowire.Number = 1
	fieldConfig    protowire.Number = 2
	fieldBatch     protowire.Number = 3
	fieldBatchSize protowire.Number = 4
	fieldLegacy    protowire.Number = 5
)

// MarshalBinary encodes the runner's predictor kind, configuration and shape.
func (r *Runner) MarshalBinary() ([]byte, error) {
	if r.kind == "" {
		return nil, fmt.Errorf("%w: build it with FromRegistry to package it", ErrNotSerializable)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, r.kind)
	if len(r.config) > 0 {
		b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, r.config)
	}
	if r.batch {
		b = protowire.AppendTag(b, fieldBatch, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldBatchSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.batchSize))
	if r.legacy {
		b = protowire.AppendTag(b, fieldLegacy, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

type record struct {
	kind      string
	config    []byte
	batch     bool
	batchSize int
	legacy    bool
}

func decodeRecord(b []byte) (record, error) {
	var rec record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			rec.kind, n = v, m
		case num == fieldConfig && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			rec.config, n = append([]byte(nil), v...), m
		case (num == fieldBatch || num == fieldBatchSize || num == fieldLegacy) && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			switch num {
			case fieldBatch:
				rec.batch = v != 0
			case fieldBatchSize:
				rec.batchSize = int(v)
			case fieldLegacy:
				rec.legacy = v != 0
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return rec, nil
}

// Unmarshal rebuilds a Runner from the output of MarshalBinary. The
// predictor kind must be registered in this binary, and the rebuilt runner
// must have the recorded shape.
func Unmarshal(b []byte) (*Runner, error) {
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, fmt.Errorf("decode runner: %w", err)
	}
	if rec.kind == "" {
		return nil, errors.New("decode runner: missing predictor kind")
	}

	r, err := FromRegistry(rec.kind, rec.config)
	if err != nil {
		return nil, err
	}
	if r.batch != rec.batch || r.legacy != rec.legacy || r.batchSize != rec.batchSize {
		return nil, fmt.Errorf("%s runner shape changed: packaged batch=%t legacy=%t batch_size=%d, loaded batch=%t legacy=%t batch_size=%d",
			rec.kind, rec.batch, rec.legacy, rec.batchSize, r.batch, r.legacy, r.batchSize)
	}
	return r, nil
}

// Load reads a serialized Runner from path.
func Load(path string) (*Runner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runner: %w", err)
	}
	return Unmarshal(b)
}

// Descriptor is the packaged form of a runner, decoded without building it.
type Descriptor struct {
	Kind      string
	Config    []byte
	Batch     bool
	BatchSize int
	Legacy    bool
}

// ReadDescriptor decodes a serialized runner file. Unlike Load it does not
// need the predictor kind to be registered.
func ReadDescriptor(path string) (Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read runner: %w", err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return Descriptor{}, fmt.Errorf("decode runner: %w", err)
	}
	if rec.kind == "" {
		return Descriptor{}, errors.New("decode runner: missing predictor kind")
	}
	return Descriptor{Kind: rec.kind, Config: rec.config, Batch: rec.batch, BatchSize: rec.batchSize, Legacy: rec.legacy}, nil
}
