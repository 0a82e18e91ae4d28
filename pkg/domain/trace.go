package domain

import (
	"maps"
	"net/http"
	"slices"
	"time"
)

// Trace messages emitted by the engine.
const (
	TraceRequestInitiated     = "request initiated"
	TraceResponseReceived     = "response received"
	TraceStepCompleted        = "step completed"
	TraceResourceNotFound     = "resource not found"
	TraceResourceError        = "error in resource"
	TraceRequestFailed        = "request failed"
	TraceTransportError       = "transport error"
	TraceExtractionFailed     = "extraction failed"
	TraceBusinessError        = "business error"
	TraceAggregationStarted   = "aggregation started"
	TraceAggregationCompleted = "aggregation completed"
	TraceAggregationFailed    = "aggregation failed"
	TraceHookFailed           = "hook failed"
	TraceStepFailed           = "step failed"
	TracePipelineFailed       = "pipeline failed"
)

// TraceEntry is one diagnostic event of a pipeline execution. Entries are
// never mutated after they are appended to a trace.
type TraceEntry struct {
	ExecutionID  string    `json:"executionId,omitempty"`
	PipelineName string    `json:"pipelineName"`
	StepName     string    `json:"stepName,omitempty"`
	NodeName     string    `json:"nodeName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	Data         any       `json:"data,omitempty"`
	StatusCode   int       `json:"statusCode,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// NewTraceEntry stamps an entry for step within pipeline.
func NewTraceEntry(pipeline *Pipeline, step *Step, message string) TraceEntry {
	entry := TraceEntry{
		PipelineName: pipeline.DisplayName(),
		Timestamp:    time.Now().UTC(),
		Message:      message,
	}
	if step != nil {
		entry.StepName = step.Name
		entry.NodeName = step.Node.DisplayName()
	}
	return entry
}

// WithData returns a copy of e carrying a deep copy of data, so later
// changes to the caller's maps and slices do not reach the trace.
func (e TraceEntry) WithData(data any) TraceEntry {
	e.Data = copyData(data)
	return e
}

func copyData(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyData(e)
		}
		return out
	case DataContext:
		if t == nil {
			return t
		}
		out := make(DataContext, len(t))
		for k, e := range t {
			out[k] = copyData(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyData(e)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case http.Header:
		return t.Clone()
	default:
		return v
	}
}

// WithError returns a copy of e carrying the error text and status code.
func (e TraceEntry) WithError(err error, statusCode int) TraceEntry {
	if err != nil {
		e.Error = err.Error()
	}
	e.StatusCode = statusCode
	return e
}
