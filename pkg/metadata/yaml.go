package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// model.yaml layout. Inputs and outputs are YAML mappings keyed by the
// logical key; their order in the document is the declaration order.

type yamlModel struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Author      string          `yaml:"author,omitempty"`
	Type        string          `yaml:"type,omitempty"`
	Source      string          `yaml:"source,omitempty"`
	Description yamlDescription `yaml:"description"`
	Inputs      yamlInputs      `yaml:"inputs"`
	Outputs     yamlOutputs     `yaml:"outputs"`
	Resources   yamlResources   `yaml:"resources"`
	Timeout     yamlTimeout     `yaml:"timeout"`
	Features    yamlFeatures    `yaml:"features"`
}

type yamlDescription struct {
	Summary     string `yaml:"summary,omitempty"`
	Details     string `yaml:"details,omitempty"`
	Technical   string `yaml:"technical,omitempty"`
	Performance string `yaml:"performance,omitempty"`
}

type yamlInput struct {
	AcceptedMediaTypes []string `yaml:"acceptedMediaTypes"`
	MaxSize            string   `yaml:"maxSize,omitempty"`
	Description        string   `yaml:"description,omitempty"`
}

type yamlOutput struct {
	MediaType   string `yaml:"mediaType,omitempty"`
	MaxSize     string `yaml:"maxSize,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type yamlResources struct {
	Memory struct {
		Size string `yaml:"size,omitempty"`
	} `yaml:"memory"`
	CPU struct {
		Count float32 `yaml:"count"`
	} `yaml:"cpu"`
	GPU struct {
		Count int32 `yaml:"count"`
	} `yaml:"gpu"`
}

type yamlTimeout struct {
	Status string `yaml:"status,omitempty"`
	Run    string `yaml:"run,omitempty"`
}

type yamlFeatures struct {
	AdversarialDefense bool   `yaml:"adversarialDefense"`
	MaxBatchSize       int32  `yaml:"maxBatchSize"`
	Retrainable        bool   `yaml:"retrainable"`
	ResultsFormat      string `yaml:"resultsFormat,omitempty"`
	DriftFormat        string `yaml:"driftFormat,omitempty"`
	ExplanationFormat  string `yaml:"explanationFormat,omitempty"`
}

type yamlInputs []Input

func (in *yamlInputs) UnmarshalYAML(node *yaml.Node) error {
	return decodeOrdered(node, "inputs", func(key string, value *yaml.Node) error {
		var y yamlInput
		if err := value.Decode(&y); err != nil {
			return err
		}
		*in = append(*in, Input{
			Key:         key,
			MediaTypes:  y.AcceptedMediaTypes,
			MaxSize:     y.MaxSize,
			Description: y.Description,
		})
		return nil
	})
}

func (in yamlInputs) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, i := range in {
		if err := appendOrdered(node, i.Key, yamlInput{
			AcceptedMediaTypes: i.MediaTypes,
			MaxSize:            i.MaxSize,
			Description:        i.Description,
		}); err != nil {
			return nil, err
		}
	}
	return node, nil
}

type yamlOutputs []Output

func (out *yamlOutputs) UnmarshalYAML(node *yaml.Node) error {
	return decodeOrdered(node, "outputs", func(key string, value *yaml.Node) error {
		var y yamlOutput
		if err := value.Decode(&y); err != nil {
			return err
		}
		*out = append(*out, Output{
			Key:         key,
			MediaType:   y.MediaType,
			MaxSize:     y.MaxSize,
			Description: y.Description,
		})
		return nil
	})
}

func (out yamlOutputs) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, o := range out {
		if err := appendOrdered(node, o.Key, yamlOutput{
			MediaType:   o.MediaType,
			MaxSize:     o.MaxSize,
			Description: o.Description,
		}); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func decodeOrdered(node *yaml.Node, what string, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%s: expected a mapping at line %d", what, node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if err := fn(key, node.Content[i+1]); err != nil {
			return fmt.Errorf("%s.%s: %w", what, key, err)
		}
	}
	return nil
}

func appendOrdered(node *yaml.Node, key string, v any) error {
	value := &yaml.Node{}
	if err := value.Encode(v); err != nil {
		return err
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
	return nil
}

// ParseYAML reads metadata in the model.yaml layout. Fields absent from the
// document keep their Default values.
func ParseYAML(b []byte) (*ModelMetadata, error) {
	md := Default()
	y := yamlModel{
		Type:   md.Info.ModelType,
		Source: md.Info.Source,
		Timeout: yamlTimeout{
			Status: md.Timeout.Status,
			Run:    md.Timeout.Run,
		},
		Features: yamlFeatures{MaxBatchSize: md.Features.BatchSize},
	}
	y.Resources.Memory.Size = md.Resources.RequiredRAM
	y.Resources.CPU.Count = md.Resources.NumCPUs

	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("decode model yaml: %w", err)
	}

	md.Info = Info{
		Name:      y.Name,
		Version:   y.Version,
		Author:    y.Author,
		ModelType: y.Type,
		Source:    y.Source,
	}
	md.Description = Description(y.Description)
	md.Resources = Resources{
		RequiredRAM: y.Resources.Memory.Size,
		NumCPUs:     y.Resources.CPU.Count,
		NumGPUs:     y.Resources.GPU.Count,
	}
	md.Timeout = Timeout(y.Timeout)
	md.Features = Features{
		AdversarialDefense: y.Features.AdversarialDefense,
		BatchSize:          y.Features.MaxBatchSize,
		Retrainable:        y.Features.Retrainable,
		ResultsFormat:      y.Features.ResultsFormat,
		DriftFormat:        y.Features.DriftFormat,
		ExplanationFormat:  y.Features.ExplanationFormat,
	}
	for _, in := range y.Inputs {
		md.AddInput(in.Key, in.MediaTypes, in.MaxSize, in.Description)
	}
	for _, out := range y.Outputs {
		md.AddOutput(out.Key, out.MediaType, out.MaxSize, out.Description)
	}
	return md, nil
}

// LoadYAML reads a model.yaml file.
func LoadYAML(path string) (*ModelMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model yaml: %w", err)
	}
	return ParseYAML(b)
}

// ToYAML renders the metadata in the model.yaml layout.
func (m *ModelMetadata) ToYAML() ([]byte, error) {
	y := yamlModel{
		Name:        m.Info.Name,
		Version:     m.Info.Version,
		Author:      m.Info.Author,
		Type:        m.Info.ModelType,
		Source:      m.Info.Source,
		Description: yamlDescription(m.Description),
		Inputs:      yamlInputs(m.Inputs()),
		Outputs:     yamlOutputs(m.Outputs()),
		Timeout:     yamlTimeout(m.Timeout),
		Features: yamlFeatures{
			AdversarialDefense: m.Features.AdversarialDefense,
			MaxBatchSize:       m.Features.BatchSize,
			Retrainable:        m.Features.Retrainable,
			ResultsFormat:      m.Features.ResultsFormat,
			DriftFormat:        m.Features.DriftFormat,
			ExplanationFormat:  m.Features.ExplanationFormat,
		},
	}
	y.Resources.Memory.Size = m.Resources.RequiredRAM
	y.Resources.CPU.Count = m.Resources.NumCPUs
	y.Resources.GPU.Count = m.Resources.NumGPUs
	return yaml.Marshal(&y)
}
