package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of these
// so callers can classify failures with errors.Is.
var (
	ErrConstruction      = errors.New("invalid definition")
	ErrTransport         = errors.New("transport failure")
	ErrHTTPStatus        = errors.New("http status error")
	ErrBusiness          = errors.New("business error")
	ErrExtraction        = errors.New("extraction failed")
	ErrAggregationConfig = errors.New("invalid aggregation configuration")
	ErrNoProcessor       = errors.New("no step processor")
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrHook              = errors.New("transform hook failed")
)

// ConstructionError reports a malformed node, step, aggregation or pipeline.
type ConstructionError struct {
	Entity string
	Name   string
	Reason string
}

func (e *ConstructionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q: %s", e.Entity, e.Name, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

func (e *ConstructionError) Unwrap() error {
	return ErrConstruction
}

func constructionErr(entity, name, format string, args ...any) error {
	return &ConstructionError{Entity: entity, Name: name, Reason: fmt.Sprintf(format, args...)}
}

// StepError wraps a step or element failure with the pipeline coordinates it
// happened at. Kind is one of the package sentinels.
type StepError struct {
	Kind       error
	Pipeline   string
	Step       string
	Node       string
	StatusCode int
	Message    string
	Err        error
}

func (e *StepError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Node != "" {
		return fmt.Sprintf("node %q: %s", e.Node, msg)
	}
	if e.Step != "" {
		return fmt.Sprintf("step %q: %s", e.Step, msg)
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is matches the error kind so errors.Is(err, ErrBusiness) works without the
// kind being part of the wrapped chain.
func (e *StepError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// KindOf returns a short label for the sentinel err wraps, "ok" for nil and
// "internal" when no sentinel matches. Labels are used in metrics and API
// error codes.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConstruction):
		return "construction"
	case errors.Is(err, ErrHTTPStatus):
		return "http_status"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrBusiness):
		return "business"
	case errors.Is(err, ErrExtraction):
		return "extraction"
	case errors.Is(err, ErrAggregationConfig):
		return "aggregation_config"
	case errors.Is(err, ErrNoProcessor):
		return "no_processor"
	case errors.Is(err, ErrPipelineNotFound):
		return "pipeline_not_found"
	case errors.Is(err, ErrNodeNotFound):
		return "node_not_found"
	case errors.Is(err, ErrHook):
		return "hook"
	default:
		return "internal"
	}
}

// ErrorResponse is the JSON error model returned by the admin API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
