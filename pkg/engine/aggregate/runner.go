package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/extract"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds parallel element calls when neither the step
// nor the runner config sets a limit.
const DefaultMaxConcurrency = 8

// Config configures a Runner.
type Config struct {
	Processors     runtime.ProcessorResolver
	MaxConcurrency int
	Logger         *slog.Logger
}

// Runner executes aggregation steps.
type Runner struct {
	processors     runtime.ProcessorResolver
	maxConcurrency int
	logger         *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		processors:     cfg.Processors,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         cfg.Logger,
	}
}

type outcome struct {
	result  runtime.StepResult
	entries []domain.TraceEntry
	err     error
}

// Run maps the step's node call over data[DataArrayProperty]. Outcomes are
// folded in array order whatever the completion order; the step fails with the
// lowest-index element error.
func (r *Runner) Run(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext) (runtime.StepResult, []domain.TraceEntry, error) {
	agg := step.Aggregation
	if agg == nil {
		return runtime.Failure(data, 0), nil, r.configError(pipeline, step, "step is not an aggregation step")
	}

	items, ok := asSlice(data[agg.DataArrayProperty])
	if !ok {
		err := r.configError(pipeline, step, fmt.Sprintf("%q is missing or not an array", agg.DataArrayProperty))
		entry := domain.NewTraceEntry(pipeline, step, domain.TraceAggregationFailed).WithError(err, 0)
		return runtime.Failure(data, 0), []domain.TraceEntry{entry}, err
	}

	proc, err := r.processors.Resolve(step)
	if err != nil {
		entry := domain.NewTraceEntry(pipeline, step, domain.TraceAggregationFailed).WithError(err, 0)
		return runtime.Failure(data, 0), []domain.TraceEntry{entry}, err
	}

	entries := []domain.TraceEntry{
		domain.NewTraceEntry(pipeline, step, domain.TraceAggregationStarted).WithData(map[string]any{
			"elements": len(items),
			"parallel": agg.Parallel,
			"type":     string(agg.ExtractionType),
		}),
	}

	var outcomes []outcome
	if agg.Parallel {
		outcomes = r.runParallel(ctx, proc, pipeline, step, data, items)
	} else {
		outcomes = r.runSequential(ctx, proc, pipeline, step, data, items)
	}

	acc := NewAccumulator(agg.ExtractionType)
	var firstErr error
	failedAt, status := -1, 0
	for i, o := range outcomes {
		entries = append(entries, o.entries...)
		if o.err != nil {
			if firstErr == nil {
				firstErr, failedAt = o.err, i
				status = o.result.StatusCode
			}
			continue
		}
		status = o.result.StatusCode
		acc.Add(o.result.Output)
	}

	if firstErr != nil {
		entries = append(entries, domain.NewTraceEntry(pipeline, step, domain.TraceAggregationFailed).
			WithData(map[string]any{"element": failedAt}).
			WithError(firstErr, status))
		r.logger.Debug("aggregation failed",
			"pipeline", pipeline.DisplayName(),
			"step", step.Name,
			"element", failedAt,
			"error", firstErr,
		)
		return runtime.Failure(data, status), entries, firstErr
	}

	value := acc.Value()
	entries = append(entries, domain.NewTraceEntry(pipeline, step, domain.TraceAggregationCompleted).WithData(value))
	return runtime.StepResult{
		Data:       acc.Apply(data, agg),
		Output:     value,
		StatusCode: status,
	}, entries, nil
}

func (r *Runner) runSequential(ctx context.Context, proc runtime.StepProcessor, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext, items []any) []outcome {
	outcomes := make([]outcome, 0, len(items))
	for _, item := range items {
		o := r.runElement(ctx, proc, pipeline, step, data, item)
		outcomes = append(outcomes, o)
		if o.err != nil {
			break
		}
	}
	return outcomes
}

func (r *Runner) runParallel(ctx context.Context, proc runtime.StepProcessor, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext, items []any) []outcome {
	limit := step.Aggregation.MaxConcurrency
	if limit <= 0 {
		limit = r.maxConcurrency
	}

	outcomes := make([]outcome, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = r.runElement(ctx, proc, pipeline, step, data, item)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) runElement(ctx context.Context, proc runtime.StepProcessor, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext, item any) outcome {
	agg := step.Aggregation
	value := item
	if agg.DataPath != "" {
		selected, err := extract.Query(item, agg.DataPath)
		if err != nil {
			stepErr := &domain.StepError{
				Kind:     domain.ErrExtraction,
				Pipeline: pipeline.DisplayName(),
				Step:     step.Name,
				Node:     step.Node.DisplayName(),
				Message:  fmt.Sprintf("dataPath: %v", err),
				Err:      err,
			}
			entry := domain.NewTraceEntry(pipeline, step, domain.TraceExtractionFailed).WithError(stepErr, 0)
			return outcome{result: runtime.Failure(data, 0), entries: []domain.TraceEntry{entry}, err: stepErr}
		}
		value = selected
	}

	scoped := data.With(agg.AggDataKey, value)
	res, entries, err := proc.ProcessStep(ctx, pipeline, step, scoped)
	return outcome{result: res, entries: entries, err: err}
}

func (r *Runner) configError(pipeline *domain.Pipeline, step *domain.Step, msg string) error {
	return &domain.StepError{
		Kind:     domain.ErrAggregationConfig,
		Pipeline: pipeline.DisplayName(),
		Step:     step.Name,
		Node:     step.Node.DisplayName(),
		Message:  msg,
	}
}

// asSlice accepts any slice or array value. Strings and nil are rejected.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
