// Package runtime defines the core contracts shared by the pipeline executor and
// step processors, keeping call mechanics decoupled from sequencing.
package runtime

import (
	"context"

	"github.com/polisai/polis-flow/pkg/domain"
)

// StepResult bundles the merged context, the extracted output and the status
// code of the node call.
type StepResult struct {
	// Data is the incoming context merged with Output. On failure it is the
	// unchanged incoming context.
	Data domain.DataContext
	// Output is the extracted view of the response before merging.
	Output any
	// StatusCode is the HTTP status of the call, zero when no response arrived.
	StatusCode int
}

// Success constructs a result whose Data is data merged with output.
func Success(data domain.DataContext, output any, statusCode int) StepResult {
	merged := data.Clone()
	if m, ok := output.(map[string]any); ok {
		merged = data.Merge(m)
	}
	return StepResult{Data: merged, Output: output, StatusCode: statusCode}
}

// Failure constructs a result carrying the unchanged context.
func Failure(data domain.DataContext, statusCode int) StepResult {
	return StepResult{Data: data, StatusCode: statusCode}
}

// StepProcessor executes the node call of one step.
type StepProcessor interface {
	// CanProcess reports whether the processor understands the step's node.
	CanProcess(step *domain.Step) bool
	// ProcessStep runs one interpolate, call, extract and classify cycle. The
	// trace entries are returned in emission order even when err is non-nil.
	ProcessStep(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext) (StepResult, []domain.TraceEntry, error)
}

// ProcessorResolver selects the processor for a step.
type ProcessorResolver interface {
	Resolve(step *domain.Step) (StepProcessor, error)
}
