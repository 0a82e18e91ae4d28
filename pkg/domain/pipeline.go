package domain

import (
	"maps"
	"mime"
	"net/http"
	"strings"
)

// ContentTypeJSON is the default content type for nodes and pipelines.
const ContentTypeJSON = "application/json"

// DataContext is the key/value map threaded between pipeline steps.
// The engine never mutates a DataContext in place: every step produces a new
// one via Merge.
type DataContext map[string]any

// Clone returns a shallow copy.
func (c DataContext) Clone() DataContext {
	out := make(DataContext, len(c))
	maps.Copy(out, c)
	return out
}

// Merge returns a new context holding c overlaid with other. Keys from other
// win; nested maps are replaced, not merged.
func (c DataContext) Merge(other map[string]any) DataContext {
	out := make(DataContext, len(c)+len(other))
	maps.Copy(out, c)
	maps.Copy(out, other)
	return out
}

// With returns a copy of c with key set to value.
func (c DataContext) With(key string, value any) DataContext {
	out := c.Clone()
	out[key] = value
	return out
}

// AuthKind tags the authentication variant of a node.
type AuthKind string

const (
	AuthNone  AuthKind = "none"
	AuthBasic AuthKind = "basic"
	AuthToken AuthKind = "token"
)

// Authentication describes how a node call authenticates. Only the fields of
// the selected Kind are meaningful.
type Authentication struct {
	Kind     AuthKind
	Username string
	Password string
	Token    string
}

// ExtractDescriptor maps a path query over a response (Source) to a key in the
// extracted result (Destination). A Source of "-" copies the whole value.
type ExtractDescriptor struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// Node is a remote HTTP call descriptor. URL, header values and string payload
// leaves are templates interpolated against the step data.
type Node struct {
	ID              string
	Name            string
	URL             string
	Method          string
	Headers         map[string]string
	Payload         any
	ContentType     string
	Extract         []ExtractDescriptor
	ErrorIndicators []string
	ErrorMessages   []string
	Authentication  Authentication
	// Data is merged under the step data before interpolation.
	Data map[string]any
}

// NewNode validates n and fills defaults (GET, application/json, no auth).
func NewNode(n Node) (*Node, error) {
	label := n.Name
	if label == "" {
		label = n.ID
	}
	if strings.TrimSpace(n.URL) == "" {
		return nil, constructionErr("node", label, "url is required")
	}

	if n.Method == "" {
		n.Method = http.MethodGet
	}
	n.Method = strings.ToUpper(n.Method)
	if n.ContentType == "" {
		n.ContentType = ContentTypeJSON
	}

	switch n.Authentication.Kind {
	case "", AuthNone:
		n.Authentication = Authentication{Kind: AuthNone}
	case AuthBasic:
		if n.Authentication.Username == "" {
			return nil, constructionErr("node", label, "basic authentication requires a username")
		}
	case AuthToken:
		if n.Authentication.Token == "" {
			return nil, constructionErr("node", label, "token authentication requires a token")
		}
	default:
		return nil, constructionErr("node", label, "unknown authentication type %q", n.Authentication.Kind)
	}

	n.Headers = maps.Clone(n.Headers)
	n.Data = maps.Clone(n.Data)
	n.Extract = append([]ExtractDescriptor(nil), n.Extract...)
	return &n, nil
}

// DisplayName returns the node name, falling back to its ID.
func (n *Node) DisplayName() string {
	if n == nil {
		return ""
	}
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// ExtractionType selects how aggregation results are collected.
type ExtractionType string

const (
	ExtractionNormal ExtractionType = "Normal"
	ExtractionArray  ExtractionType = "Array"
	ExtractionObject ExtractionType = "Object"
)

// ParseExtractionType accepts the three strategy names case-insensitively.
// The empty string selects Normal.
func ParseExtractionType(raw string) (ExtractionType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return ExtractionNormal, true
	case "array":
		return ExtractionArray, true
	case "object":
		return ExtractionObject, true
	default:
		return "", false
	}
}

// Aggregation turns a step into a map over the array at DataArrayProperty.
type Aggregation struct {
	DataArrayProperty   string
	OutputArrayProperty string
	Parallel            bool
	AggDataKey          string
	DataPath            string
	ExtractionType      ExtractionType
	// MaxConcurrency caps parallel element calls. Zero uses the runner default.
	MaxConcurrency int
}

// NewAggregation validates the required fields and defaults the extraction type.
func NewAggregation(a Aggregation) (*Aggregation, error) {
	switch {
	case strings.TrimSpace(a.DataArrayProperty) == "":
		return nil, constructionErr("aggregation", "", "dataArrayProperty is required")
	case strings.TrimSpace(a.OutputArrayProperty) == "":
		return nil, constructionErr("aggregation", "", "outputArrayProperty is required")
	case strings.TrimSpace(a.AggDataKey) == "":
		return nil, constructionErr("aggregation", "", "aggregateExtract.aggDataKey is required")
	case a.MaxConcurrency < 0:
		return nil, constructionErr("aggregation", "", "maxConcurrency must not be negative")
	}

	kind, ok := ParseExtractionType(string(a.ExtractionType))
	if !ok {
		return nil, constructionErr("aggregation", "", "unknown aggExtractionType %q", a.ExtractionType)
	}
	a.ExtractionType = kind
	return &a, nil
}

// StepHook transforms the data around a single step.
type StepHook func(step *Step, data DataContext) (DataContext, error)

// PipelineHook transforms the data before the first or after the last step.
type PipelineHook func(pipeline *Pipeline, data DataContext) (DataContext, error)

// Step binds a resolved node to a position in a pipeline.
type Step struct {
	Name        string
	Node        *Node
	Extract     []ExtractDescriptor
	Aggregation *Aggregation
	Before      StepHook
	After       StepHook
}

// NewStep requires a resolved node.
func NewStep(s Step) (*Step, error) {
	if s.Node == nil {
		return nil, constructionErr("step", s.Name, "a resolved node is required")
	}
	if s.Name == "" {
		s.Name = s.Node.DisplayName()
	}
	s.Extract = append([]ExtractDescriptor(nil), s.Extract...)
	return &s, nil
}

// IsAggregation reports whether the step maps over an array.
func (s *Step) IsAggregation() bool {
	return s.Aggregation != nil
}

// Descriptors returns the node descriptors followed by the step descriptors,
// so step entries win on destination conflicts.
func (s *Step) Descriptors() []ExtractDescriptor {
	if s.Node == nil {
		return append([]ExtractDescriptor(nil), s.Extract...)
	}
	out := make([]ExtractDescriptor, 0, len(s.Node.Extract)+len(s.Extract))
	out = append(out, s.Node.Extract...)
	return append(out, s.Extract...)
}

// PipelineStatus is the lifecycle flag of a stored pipeline.
type PipelineStatus string

const (
	PipelineNew    PipelineStatus = "New"
	PipelineActive PipelineStatus = "Active"
)

// Pipeline is an ordered sequence of steps plus top-level extraction.
type Pipeline struct {
	ID          string
	Name        string
	Status      PipelineStatus
	ContentType string
	Steps       []*Step
	Extract     []ExtractDescriptor
	Before      PipelineHook
	After       PipelineHook
}

// NewPipeline requires at least one step and defaults the content type and status.
func NewPipeline(p Pipeline) (*Pipeline, error) {
	label := p.Name
	if label == "" {
		label = p.ID
	}
	if len(p.Steps) == 0 {
		return nil, constructionErr("pipeline", label, "at least one step is required")
	}
	for i, step := range p.Steps {
		if step == nil {
			return nil, constructionErr("pipeline", label, "step %d is nil", i)
		}
	}
	if p.ContentType == "" {
		p.ContentType = ContentTypeJSON
	}
	switch p.Status {
	case "":
		p.Status = PipelineNew
	case PipelineNew, PipelineActive:
	default:
		return nil, constructionErr("pipeline", label, "unknown status %q", p.Status)
	}
	p.Steps = append([]*Step(nil), p.Steps...)
	p.Extract = append([]ExtractDescriptor(nil), p.Extract...)
	return &p, nil
}

// DisplayName returns the pipeline name, falling back to its ID.
func (p *Pipeline) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// MediaType lower-cases a content type and strips parameters such as charset.
func MediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		return parsed
	}
	return strings.ToLower(contentType)
}
