// Package openmodelpb holds the wire types of the Open Model Interface
// (openmodel/v1/model.proto) together with their protobuf encoding, the gRPC
// service description and a client stub.
package openmodelpb

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every OMI wire type.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

type StatusRequest struct{}

func (m *StatusRequest) Marshal() ([]byte, error) { return []byte{}, nil }

func (m *StatusRequest) Unmarshal(b []byte) error {
	return consumeMessage(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type ModelInfo struct {
	ModelName    string
	ModelVersion string
	ModelAuthor  string
	ModelType    string
	Source       string
}

func (m *ModelInfo) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ModelName)
	b = appendString(b, 2, m.ModelVersion)
	b = appendString(b, 3, m.ModelAuthor)
	b = appendString(b, 4, m.ModelType)
	b = appendString(b, 5, m.Source)
	return b
}

func (m *ModelInfo) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelInfo) Unmarshal(b []byte) error {
	*m = ModelInfo{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ModelName)
		case 2:
			return consumeString(typ, b, &m.ModelVersion)
		case 3:
			return consumeString(typ, b, &m.ModelAuthor)
		case 4:
			return consumeString(typ, b, &m.ModelType)
		case 5:
			return consumeString(typ, b, &m.Source)
		}
		return 0, nil
	})
}

type ModelDescription struct {
	Summary     string
	Details     string
	Technical   string
	Performance string
}

func (m *ModelDescription) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Summary)
	b = appendString(b, 2, m.Details)
	b = appendString(b, 3, m.Technical)
	b = appendString(b, 4, m.Performance)
	return b
}

func (m *ModelDescription) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelDescription) Unmarshal(b []byte) error {
	*m = ModelDescription{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Summary)
		case 2:
			return consumeString(typ, b, &m.Details)
		case 3:
			return consumeString(typ, b, &m.Technical)
		case 4:
			return consumeString(typ, b, &m.Performance)
		}
		return 0, nil
	})
}

type ModelInput struct {
	Filename           string
	AcceptedMediaTypes []string
	MaxSize            string
	Description        string
}

func (m *ModelInput) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Filename)
	for _, mt := range m.AcceptedMediaTypes {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, mt)
	}
	b = appendString(b, 3, m.MaxSize)
	b = appendString(b, 4, m.Description)
	return b
}

func (m *ModelInput) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelInput) Unmarshal(b []byte) error {
	*m = ModelInput{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Filename)
		case 2:
			var mt string
			n, err := consumeString(typ, b, &mt)
			if n > 0 {
				m.AcceptedMediaTypes = append(m.AcceptedMediaTypes, mt)
			}
			return n, err
		case 3:
			return consumeString(typ, b, &m.MaxSize)
		case 4:
			return consumeString(typ, b, &m.Description)
		}
		return 0, nil
	})
}

type ModelOutput struct {
	Filename    string
	MediaType   string
	MaxSize     string
	Description string
}

func (m *ModelOutput) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Filename)
	b = appendString(b, 2, m.MediaType)
	b = appendString(b, 3, m.MaxSize)
	b = appendString(b, 4, m.Description)
	return b
}

func (m *ModelOutput) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelOutput) Unmarshal(b []byte) error {
	*m = ModelOutput{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Filename)
		case 2:
			return consumeString(typ, b, &m.MediaType)
		case 3:
			return consumeString(typ, b, &m.MaxSize)
		case 4:
			return consumeString(typ, b, &m.Description)
		}
		return 0, nil
	})
}

type ModelResources struct {
	RequiredRam string
	NumCpus     float32
	NumGpus     int32
}

func (m *ModelResources) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.RequiredRam)
	b = appendFloat(b, 2, m.NumCpus)
	b = appendInt32(b, 3, m.NumGpus)
	return b
}

func (m *ModelResources) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelResources) Unmarshal(b []byte) error {
	*m = ModelResources{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.RequiredRam)
		case 2:
			return consumeFloat(typ, b, &m.NumCpus)
		case 3:
			return consumeInt32(typ, b, &m.NumGpus)
		}
		return 0, nil
	})
}

type ModelTimeout struct {
	Status string
	Run    string
}

func (m *ModelTimeout) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Status)
	b = appendString(b, 2, m.Run)
	return b
}

func (m *ModelTimeout) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelTimeout) Unmarshal(b []byte) error {
	*m = ModelTimeout{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Status)
		case 2:
			return consumeString(typ, b, &m.Run)
		}
		return 0, nil
	})
}

type ModelFeatures struct {
	AdversarialDefense bool
	BatchSize          int32
	Retrainable        bool
	ResultsFormat      string
	DriftFormat        string
	ExplanationFormat  string
}

func (m *ModelFeatures) appendTo(b []byte) []byte {
	b = appendBool(b, 1, m.AdversarialDefense)
	b = appendInt32(b, 2, m.BatchSize)
	b = appendBool(b, 3, m.Retrainable)
	b = appendString(b, 4, m.ResultsFormat)
	b = appendString(b, 5, m.DriftFormat)
	b = appendString(b, 6, m.ExplanationFormat)
	return b
}

func (m *ModelFeatures) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ModelFeatures) Unmarshal(b []byte) error {
	*m = ModelFeatures{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &m.AdversarialDefense)
		case 2:
			return consumeInt32(typ, b, &m.BatchSize)
		case 3:
			return consumeBool(typ, b, &m.Retrainable)
		case 4:
			return consumeString(typ, b, &m.ResultsFormat)
		case 5:
			return consumeString(typ, b, &m.DriftFormat)
		case 6:
			return consumeString(typ, b, &m.ExplanationFormat)
		}
		return 0, nil
	})
}

// StatusResponse doubles as the on-disk metadata record (data/model_info):
// the metadata fields are written with the status fields left empty.
type StatusResponse struct {
	StatusCode  int32
	Status      string
	Message     string
	ModelInfo   *ModelInfo
	Description *ModelDescription
	Inputs      []*ModelInput
	Outputs     []*ModelOutput
	Resources   *ModelResources
	Timeout     *ModelTimeout
	Features    *ModelFeatures
}

func (m *StatusResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, m.StatusCode)
	b = appendString(b, 2, m.Status)
	b = appendString(b, 3, m.Message)
	if m.ModelInfo != nil {
		b = appendMessage(b, 4, m.ModelInfo.appendTo(nil))
	}
	if m.Description != nil {
		b = appendMessage(b, 5, m.Description.appendTo(nil))
	}
	for _, in := range m.Inputs {
		b = appendMessage(b, 6, in.appendTo(nil))
	}
	for _, out := range m.Outputs {
		b = appendMessage(b, 7, out.appendTo(nil))
	}
	if m.Resources != nil {
		b = appendMessage(b, 8, m.Resources.appendTo(nil))
	}
	if m.Timeout != nil {
		b = appendMessage(b, 9, m.Timeout.appendTo(nil))
	}
	if m.Features != nil {
		b = appendMessage(b, 10, m.Features.appendTo(nil))
	}
	return b, nil
}

func (m *StatusResponse) Unmarshal(b []byte) error {
	*m = StatusResponse{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, &m.StatusCode)
		case 2:
			return consumeString(typ, b, &m.Status)
		case 3:
			return consumeString(typ, b, &m.Message)
		case 4:
			m.ModelInfo = &ModelInfo{}
			return consumeEmbedded(typ, b, m.ModelInfo.Unmarshal)
		case 5:
			m.Description = &ModelDescription{}
			return consumeEmbedded(typ, b, m.Description.Unmarshal)
		case 6:
			in := &ModelInput{}
			n, err := consumeEmbedded(typ, b, in.Unmarshal)
			if n > 0 {
				m.Inputs = append(m.Inputs, in)
			}
			return n, err
		case 7:
			out := &ModelOutput{}
			n, err := consumeEmbedded(typ, b, out.Unmarshal)
			if n > 0 {
				m.Outputs = append(m.Outputs, out)
			}
			return n, err
		case 8:
			m.Resources = &ModelResources{}
			return consumeEmbedded(typ, b, m.Resources.Unmarshal)
		case 9:
			m.Timeout = &ModelTimeout{}
			return consumeEmbedded(typ, b, m.Timeout.Unmarshal)
		case 10:
			m.Features = &ModelFeatures{}
			return consumeEmbedded(typ, b, m.Features.Unmarshal)
		}
		return 0, nil
	})
}

func (m *StatusResponse) GetModelInfo() *ModelInfo {
	if m == nil || m.ModelInfo == nil {
		return &ModelInfo{}
	}
	return m.ModelInfo
}

func (m *StatusResponse) GetFeatures() *ModelFeatures {
	if m == nil || m.Features == nil {
		return &ModelFeatures{}
	}
	return m.Features
}

type InputItem struct {
	Input map[string][]byte
}

func (m *InputItem) appendTo(b []byte) []byte {
	return appendBytesMap(b, 1, m.Input)
}

func (m *InputItem) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *InputItem) Unmarshal(b []byte) error {
	m.Input = make(map[string][]byte)
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeMapEntry(typ, b, m.Input)
		}
		return 0, nil
	})
}

type RunRequest struct {
	Inputs      []*InputItem
	DetectDrift bool
	Explain     bool
}

func (m *RunRequest) Marshal() ([]byte, error) {
	var b []byte
	for _, in := range m.Inputs {
		b = appendMessage(b, 1, in.appendTo(nil))
	}
	b = appendBool(b, 2, m.DetectDrift)
	b = appendBool(b, 3, m.Explain)
	return b, nil
}

func (m *RunRequest) Unmarshal(b []byte) error {
	*m = RunRequest{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			in := &InputItem{}
			n, err := consumeEmbedded(typ, b, in.Unmarshal)
			if n > 0 {
				m.Inputs = append(m.Inputs, in)
			}
			return n, err
		case 2:
			return consumeBool(typ, b, &m.DetectDrift)
		case 3:
			return consumeBool(typ, b, &m.Explain)
		}
		return 0, nil
	})
}

type OutputItem struct {
	Output  map[string][]byte
	Success bool
}

func (m *OutputItem) appendTo(b []byte) []byte {
	b = appendBytesMap(b, 1, m.Output)
	b = appendBool(b, 2, m.Success)
	return b
}

func (m *OutputItem) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OutputItem) Unmarshal(b []byte) error {
	*m = OutputItem{Output: make(map[string][]byte)}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMapEntry(typ, b, m.Output)
		case 2:
			return consumeBool(typ, b, &m.Success)
		}
		return 0, nil
	})
}

type RunResponse struct {
	StatusCode int32
	Status     string
	Message    string
	Outputs    []*OutputItem
}

func (m *RunResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, m.StatusCode)
	b = appendString(b, 2, m.Status)
	b = appendString(b, 3, m.Message)
	for _, out := range m.Outputs {
		b = appendMessage(b, 4, out.appendTo(nil))
	}
	return b, nil
}

func (m *RunResponse) Unmarshal(b []byte) error {
	*m = RunResponse{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, &m.StatusCode)
		case 2:
			return consumeString(typ, b, &m.Status)
		case 3:
			return consumeString(typ, b, &m.Message)
		case 4:
			out := &OutputItem{}
			n, err := consumeEmbedded(typ, b, out.Unmarshal)
			if n > 0 {
				m.Outputs = append(m.Outputs, out)
			}
			return n, err
		}
		return 0, nil
	})
}

type ShutdownRequest struct{}

func (m *ShutdownRequest) Marshal() ([]byte, error) { return []byte{}, nil }

func (m *ShutdownRequest) Unmarshal(b []byte) error {
	return consumeMessage(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type ShutdownResponse struct {
	StatusCode int32
	Status     string
	Message    string
}

func (m *ShutdownResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, m.StatusCode)
	b = appendString(b, 2, m.Status)
	b = appendString(b, 3, m.Message)
	return b, nil
}

func (m *ShutdownResponse) Unmarshal(b []byte) error {
	*m = ShutdownResponse{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, &m.StatusCode)
		case 2:
			return consumeString(typ, b, &m.Status)
		case 3:
			return consumeString(typ, b, &m.Message)
		}
		return 0, nil
	})
}
