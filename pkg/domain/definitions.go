package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ExtractList is the persisted form of a descriptor list. It decodes from
// either a list of {source, destination} objects or a destination: source map.
type ExtractList []ExtractDescriptor

// UnmarshalJSON accepts both persisted shapes. Map entries are sorted by
// destination so the decoded order is stable.
func (l *ExtractList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}

	switch trimmed[0] {
	case '[':
		var list []ExtractDescriptor
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("extract list: %w", err)
		}
		*l = list
	case '{':
		var m map[string]string
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return fmt.Errorf("extract map: %w", err)
		}
		list := make([]ExtractDescriptor, 0, len(m))
		for dest, src := range m {
			list = append(list, ExtractDescriptor{Source: src, Destination: dest})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Destination < list[j].Destination })
		*l = list
	default:
		return fmt.Errorf("extract: expected list or object, got %s", string(trimmed[:1]))
	}
	return nil
}

// AuthenticationDefinition is the persisted authentication variant.
type AuthenticationDefinition struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
}

// TransformModules names the registered hooks around a step or pipeline.
type TransformModules struct {
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
}

// NodeDefinition is the stored shape of a node.
type NodeDefinition struct {
	UUID            string                    `json:"uuid" yaml:"uuid"`
	Name            string                    `json:"name" yaml:"name"`
	URL             string                    `json:"url" yaml:"url"`
	Method          string                    `json:"method,omitempty" yaml:"method,omitempty"`
	Headers         map[string]string         `json:"headers,omitempty" yaml:"headers,omitempty"`
	Payload         any                       `json:"payload,omitempty" yaml:"payload,omitempty"`
	ContentType     string                    `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Extract         ExtractList               `json:"extract,omitempty" yaml:"extract,omitempty"`
	ErrorIndicators []string                  `json:"errorIndicators,omitempty" yaml:"errorIndicators,omitempty"`
	ErrorMessages   []string                  `json:"errorMessages,omitempty" yaml:"errorMessages,omitempty"`
	Authentication  *AuthenticationDefinition `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	NodeData        map[string]any            `json:"nodeData,omitempty" yaml:"nodeData,omitempty"`
}

// ToNode builds the runtime node.
func (d NodeDefinition) ToNode() (*Node, error) {
	n := Node{
		ID:              d.UUID,
		Name:            d.Name,
		URL:             d.URL,
		Method:          d.Method,
		Headers:         d.Headers,
		Payload:         d.Payload,
		ContentType:     d.ContentType,
		Extract:         d.Extract,
		ErrorIndicators: append([]string(nil), d.ErrorIndicators...),
		ErrorMessages:   append([]string(nil), d.ErrorMessages...),
		Data:            d.NodeData,
	}
	if d.Authentication != nil {
		n.Authentication = Authentication{
			Kind:     AuthKind(d.Authentication.Type),
			Username: d.Authentication.Username,
			Password: d.Authentication.Password,
			Token:    d.Authentication.Token,
		}
	}
	return NewNode(n)
}

// AggregateExtract selects what each aggregation element contributes.
type AggregateExtract struct {
	AggDataKey string `json:"aggDataKey" yaml:"aggDataKey"`
	DataPath   string `json:"dataPath,omitempty" yaml:"dataPath,omitempty"`
}

// StepDefinition is the stored shape of a pipeline step.
type StepDefinition struct {
	Name                string            `json:"name" yaml:"name"`
	NodeUUID            string            `json:"nodeUUID" yaml:"nodeUUID"`
	Extract             ExtractList       `json:"extract,omitempty" yaml:"extract,omitempty"`
	AggregateStep       bool              `json:"aggregateStep,omitempty" yaml:"aggregateStep,omitempty"`
	DataArrayProperty   string            `json:"dataArrayProperty,omitempty" yaml:"dataArrayProperty,omitempty"`
	OutputArrayProperty string            `json:"outputArrayProperty,omitempty" yaml:"outputArrayProperty,omitempty"`
	AggregateExtract    *AggregateExtract `json:"aggregateExtract,omitempty" yaml:"aggregateExtract,omitempty"`
	AggExtractionType   string            `json:"aggExtractionType,omitempty" yaml:"aggExtractionType,omitempty"`
	ParallelStep        bool              `json:"parallelStep,omitempty" yaml:"parallelStep,omitempty"`
	MaxConcurrency      int               `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	TransformModules    *TransformModules `json:"transformModules,omitempty" yaml:"transformModules,omitempty"`
}

// ToAggregation returns nil for non-aggregation steps.
func (d StepDefinition) ToAggregation() (*Aggregation, error) {
	if !d.AggregateStep {
		return nil, nil
	}
	agg := Aggregation{
		DataArrayProperty:   d.DataArrayProperty,
		OutputArrayProperty: d.OutputArrayProperty,
		Parallel:            d.ParallelStep,
		ExtractionType:      ExtractionType(d.AggExtractionType),
		MaxConcurrency:      d.MaxConcurrency,
	}
	if d.AggregateExtract != nil {
		agg.AggDataKey = d.AggregateExtract.AggDataKey
		agg.DataPath = d.AggregateExtract.DataPath
	}
	a, err := NewAggregation(agg)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", d.Name, err)
	}
	return a, nil
}

// PipelineDefinition is the stored shape of a pipeline.
type PipelineDefinition struct {
	UUID             string            `json:"uuid" yaml:"uuid"`
	Name             string            `json:"name" yaml:"name"`
	Status           string            `json:"status,omitempty" yaml:"status,omitempty"`
	ContentType      string            `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Steps            []StepDefinition  `json:"steps" yaml:"steps"`
	Extract          ExtractList       `json:"extract,omitempty" yaml:"extract,omitempty"`
	TransformModules *TransformModules `json:"transformModules,omitempty" yaml:"transformModules,omitempty"`
}

// NodeIDs lists the distinct node references of the pipeline in step order.
func (d PipelineDefinition) NodeIDs() []string {
	seen := make(map[string]struct{}, len(d.Steps))
	out := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if _, ok := seen[s.NodeUUID]; ok {
			continue
		}
		seen[s.NodeUUID] = struct{}{}
		out = append(out, s.NodeUUID)
	}
	return out
}
