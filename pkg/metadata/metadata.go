// Package metadata describes a packaged model: its identity, declared inputs
// and outputs, resource hints, timeouts and feature flags.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	openmodelpb "github.com/kennethnrk/chassis/pkg/pb/openmodel"
)

var (
	// ErrRequiredFieldMissing is returned by VerifyPrerequisites when the
	// model cannot be packaged yet.
	ErrRequiredFieldMissing = errors.New("required field missing")
	// ErrInvalidField is returned by Validate for malformed values.
	ErrInvalidField = errors.New("invalid metadata field")
)

const (
	DefaultSource      = "chassis"
	DefaultModelType   = "grpc"
	DefaultRequiredRAM = "512M"
	DefaultTimeout     = "60s"

	DefaultInputMediaType = "application/octet-stream"
	DefaultInputMaxSize   = "1M"
)

type Info struct {
	Name      string
	Version   string
	Author    string
	ModelType string
	Source    string
}

type Description struct {
	Summary     string
	Details     string
	Technical   string
	Performance string
}

// Input declares a logical input key.
type Input struct {
	Key         string
	MediaTypes  []string
	MaxSize     string
	Description string
}

// Output declares a logical output key.
type Output struct {
	Key         string
	MediaType   string
	MaxSize     string
	Description string
}

type Resources struct {
	RequiredRAM string
	NumCPUs     float32
	NumGPUs     int32
}

type Timeout struct {
	Status string
	Run    string
}

type Features struct {
	AdversarialDefense bool
	BatchSize          int32
	Retrainable        bool
	ResultsFormat      string
	DriftFormat        string
	ExplanationFormat  string
}

// ModelMetadata is the record written to data/model_info at build time and
// read back by the in-container server. Inputs and outputs are append-only
// and keep declaration order.
type ModelMetadata struct {
	Info        Info
	Description Description
	Resources   Resources
	Timeout     Timeout
	Features    Features

	inputs  []Input
	outputs []Output
}

// Default returns metadata with the stock resource hints, timeouts and a
// batch size of one. Name, version, inputs and outputs are left empty.
func Default() *ModelMetadata {
	return &ModelMetadata{
		Info: Info{
			ModelType: DefaultModelType,
			Source:    DefaultSource,
		},
		Resources: Resources{
			RequiredRAM: DefaultRequiredRAM,
			NumCPUs:     1,
			NumGPUs:     0,
		},
		Timeout: Timeout{
			Status: DefaultTimeout,
			Run:    DefaultTimeout,
		},
		Features: Features{BatchSize: 1},
	}
}

// Legacy returns Default metadata with the single "input" / "results.json"
// pair used by bytes-in, JSON-out models.
func Legacy() *ModelMetadata {
	md := Default()
	md.AddInput("input", []string{DefaultInputMediaType}, "10M", "")
	md.AddOutput("results.json", "application/json", "1M", "")
	return md
}

// AddInput appends an input declaration. Empty media types and max size are
// replaced by the defaults.
func (m *ModelMetadata) AddInput(key string, mediaTypes []string, maxSize, description string) {
	if len(mediaTypes) == 0 {
		mediaTypes = []string{DefaultInputMediaType}
	}
	if maxSize == "" {
		maxSize = DefaultInputMaxSize
	}
	m.inputs = append(m.inputs, Input{
		Key:         key,
		MediaTypes:  append([]string(nil), mediaTypes...),
		MaxSize:     maxSize,
		Description: description,
	})
}

// AddOutput appends an output declaration.
func (m *ModelMetadata) AddOutput(key, mediaType, maxSize, description string) {
	m.outputs = append(m.outputs, Output{
		Key:         key,
		MediaType:   mediaType,
		MaxSize:     maxSize,
		Description: description,
	})
}

// Inputs returns a copy of the declared inputs.
func (m *ModelMetadata) Inputs() []Input {
	out := make([]Input, len(m.inputs))
	for i, in := range m.inputs {
		in.MediaTypes = append([]string(nil), in.MediaTypes...)
		out[i] = in
	}
	return out
}

// Outputs returns a copy of the declared outputs.
func (m *ModelMetadata) Outputs() []Output {
	return append([]Output(nil), m.outputs...)
}

func (m *ModelMetadata) HasInputs() bool  { return len(m.inputs) > 0 }
func (m *ModelMetadata) HasOutputs() bool { return len(m.outputs) > 0 }

// HasOutput reports whether key is a declared output key.
func (m *ModelMetadata) HasOutput(key string) bool {
	for _, o := range m.outputs {
		if o.Key == key {
			return true
		}
	}
	return false
}

// VerifyPrerequisites checks the fields that must be set before a build
// context can be assembled.
func (m *ModelMetadata) VerifyPrerequisites() error {
	switch {
	case m.Info.Name == "":
		return fmt.Errorf("%w: model name", ErrRequiredFieldMissing)
	case m.Info.Version == "":
		return fmt.Errorf("%w: model version", ErrRequiredFieldMissing)
	case len(m.inputs) == 0:
		return fmt.Errorf("%w: at least one input", ErrRequiredFieldMissing)
	case len(m.outputs) == 0:
		return fmt.Errorf("%w: at least one output", ErrRequiredFieldMissing)
	}
	return nil
}

// Validate checks that sizes, durations and counts are well formed.
func (m *ModelMetadata) Validate() error {
	if m.Features.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidField, m.Features.BatchSize)
	}
	if m.Resources.NumCPUs < 0 || m.Resources.NumGPUs < 0 {
		return fmt.Errorf("%w: resource counts cannot be negative", ErrInvalidField)
	}
	if err := validSize("required RAM", m.Resources.RequiredRAM); err != nil {
		return err
	}
	if err := validDuration("status timeout", m.Timeout.Status); err != nil {
		return err
	}
	if err := validDuration("run timeout", m.Timeout.Run); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.inputs))
	for _, in := range m.inputs {
		if in.Key == "" {
			return fmt.Errorf("%w: input key cannot be empty", ErrInvalidField)
		}
		if seen[in.Key] {
			return fmt.Errorf("%w: duplicate input key %q", ErrInvalidField, in.Key)
		}
		seen[in.Key] = true
		if len(in.MediaTypes) == 0 {
			return fmt.Errorf("%w: input %q has no accepted media types", ErrInvalidField, in.Key)
		}
		if err := validSize("input "+in.Key+" max size", in.MaxSize); err != nil {
			return err
		}
	}

	seen = make(map[string]bool, len(m.outputs))
	for _, out := range m.outputs {
		if out.Key == "" {
			return fmt.Errorf("%w: output key cannot be empty", ErrInvalidField)
		}
		if seen[out.Key] {
			return fmt.Errorf("%w: duplicate output key %q", ErrInvalidField, out.Key)
		}
		seen[out.Key] = true
		if err := validSize("output "+out.Key+" max size", out.MaxSize); err != nil {
			return err
		}
	}
	return nil
}

func validSize(what, v string) error {
	if v == "" {
		return nil
	}
	if _, err := humanize.ParseBytes(v); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidField, what, v, err)
	}
	return nil
}

func validDuration(what, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.ParseDuration(v); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidField, what, v, err)
	}
	return nil
}

// StatusResponse returns the metadata wrapped in a Status reply.
func (m *ModelMetadata) StatusResponse(code int32, message string) *openmodelpb.StatusResponse {
	resp := m.toProto()
	resp.StatusCode = code
	resp.Status = StatusText(code)
	resp.Message = message
	return resp
}

// StatusText returns the short status name sent alongside a status code.
func StatusText(code int32) string {
	if code == 200 {
		return "OK"
	}
	return "Internal Server Error"
}

// Serialize returns the canonical binary form consumed at container boot.
func (m *ModelMetadata) Serialize() ([]byte, error) {
	return m.toProto().Marshal()
}

// Parse decodes the output of Serialize.
func Parse(b []byte) (*ModelMetadata, error) {
	var resp openmodelpb.StatusResponse
	if err := resp.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("decode model metadata: %w", err)
	}
	return FromProto(&resp), nil
}

// Load reads serialized metadata from path.
func Load(path string) (*ModelMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	return Parse(b)
}

// WriteFile serializes the metadata to path.
func (m *ModelMetadata) WriteFile(path string) error {
	b, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("encode model metadata: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func (m *ModelMetadata) toProto() *openmodelpb.StatusResponse {
	resp := &openmodelpb.StatusResponse{
		ModelInfo: &openmodelpb.ModelInfo{
			ModelName:    m.Info.Name,
			ModelVersion: m.Info.Version,
			ModelAuthor:  m.Info.Author,
			ModelType:    m.Info.ModelType,
			Source:       m.Info.Source,
		},
		Description: &openmodelpb.ModelDescription{
			Summary:     m.Description.Summary,
			Details:     m.Description.Details,
			Technical:   m.Description.Technical,
			Performance: m.Description.Performance,
		},
		Resources: &openmodelpb.ModelResources{
			RequiredRam: m.Resources.RequiredRAM,
			NumCpus:     m.Resources.NumCPUs,
			NumGpus:     m.Resources.NumGPUs,
		},
		Timeout: &openmodelpb.ModelTimeout{
			Status: m.Timeout.Status,
			Run:    m.Timeout.Run,
		},
		Features: &openmodelpb.ModelFeatures{
			AdversarialDefense: m.Features.AdversarialDefense,
			BatchSize:          m.Features.BatchSize,
			Retrainable:        m.Features.Retrainable,
			ResultsFormat:      m.Features.ResultsFormat,
			DriftFormat:        m.Features.DriftFormat,
			ExplanationFormat:  m.Features.ExplanationFormat,
		},
	}
	for _, in := range m.inputs {
		resp.Inputs = append(resp.Inputs, &openmodelpb.ModelInput{
			Filename:           in.Key,
			AcceptedMediaTypes: append([]string(nil), in.MediaTypes...),
			MaxSize:            in.MaxSize,
			Description:        in.Description,
		})
	}
	for _, out := range m.outputs {
		resp.Outputs = append(resp.Outputs, &openmodelpb.ModelOutput{
			Filename:    out.Key,
			MediaType:   out.MediaType,
			MaxSize:     out.MaxSize,
			Description: out.Description,
		})
	}
	return resp
}

// FromProto converts a Status reply (or a decoded model_info record) back to
// metadata. Status fields are ignored.
func FromProto(resp *openmodelpb.StatusResponse) *ModelMetadata {
	m := &ModelMetadata{}
	if info := resp.ModelInfo; info != nil {
		m.Info = Info{
			Name:      info.ModelName,
			Version:   info.ModelVersion,
			Author:    info.ModelAuthor,
			ModelType: info.ModelType,
			Source:    info.Source,
		}
	}
	if d := resp.Description; d != nil {
		m.Description = Description{
			Summary:     d.Summary,
			Details:     d.Details,
			Technical:   d.Technical,
			Performance: d.Performance,
		}
	}
	if r := resp.Resources; r != nil {
		m.Resources = Resources{RequiredRAM: r.RequiredRam, NumCPUs: r.NumCpus, NumGPUs: r.NumGpus}
	}
	if t := resp.Timeout; t != nil {
		m.Timeout = Timeout{Status: t.Status, Run: t.Run}
	}
	if f := resp.Features; f != nil {
		m.Features = Features{
			AdversarialDefense: f.AdversarialDefense,
			BatchSize:          f.BatchSize,
			Retrainable:        f.Retrainable,
			ResultsFormat:      f.ResultsFormat,
			DriftFormat:        f.DriftFormat,
			ExplanationFormat:  f.ExplanationFormat,
		}
	}
	for _, in := range resp.Inputs {
		m.inputs = append(m.inputs, Input{
			Key:         in.Filename,
			MediaTypes:  append([]string(nil), in.AcceptedMediaTypes...),
			MaxSize:     in.MaxSize,
			Description: in.Description,
		})
	}
	for _, out := range resp.Outputs {
		m.outputs = append(m.outputs, Output{
			Key:         out.Filename,
			MediaType:   out.MediaType,
			MaxSize:     out.MaxSize,
			Description: out.Description,
		})
	}
	return m
}
