package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/aggregate"
	"github.com/polisai/polis-flow/pkg/engine/extract"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	flowtrace "github.com/polisai/polis-flow/pkg/engine/trace"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flow.pipeline"

// State is the lifecycle position of one execution.
type State string

const (
	StateInit     State = "Init"
	StateRunning  State = "Running"
	StateComplete State = "Complete"
	StateFailed   State = "Failed"
)

// ExecutionResult is what a caller gets back from an execution. On failure
// Results and Context hold the context as of the last successful step.
type ExecutionResult struct {
	ExecutionID string              `json:"executionId"`
	PipelineID  string              `json:"pipelineUUID"`
	State       State               `json:"state"`
	StepIndex   int                 `json:"stepIndex"`
	Results     any                 `json:"results"`
	Context     domain.DataContext  `json:"context,omitempty"`
	Trace       []domain.TraceEntry `json:"trace,omitempty"`
	Error       error               `json:"-"`
}

// StepRunner executes an aggregation step.
type StepRunner interface {
	Run(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext) (runtime.StepResult, []domain.TraceEntry, error)
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Pipelines  PipelineResolver
	Processors runtime.ProcessorResolver
	// Aggregations defaults to an aggregate.Runner over Processors.
	Aggregations StepRunner
	// Traces defaults to an in-memory store with default bounds.
	Traces flowtrace.Store
	Logger *slog.Logger
	// SpanRedactions maps span attribute keys to drop, mask, hash or replace.
	SpanRedactions map[string]string
}

// Executor runs pipelines step by step.
type Executor struct {
	pipelines    PipelineResolver
	processors   runtime.ProcessorResolver
	aggregations StepRunner
	traces       flowtrace.Store
	logger       *slog.Logger
	redactions   map[string]string
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	aggregations := cfg.Aggregations
	if aggregations == nil {
		aggregations = aggregate.NewRunner(aggregate.Config{Processors: cfg.Processors, Logger: logger})
	}
	traces := cfg.Traces
	if traces == nil {
		traces = flowtrace.NewMemoryStore(flowtrace.Config{})
	}
	return &Executor{
		pipelines:    cfg.Pipelines,
		processors:   cfg.Processors,
		aggregations: aggregations,
		traces:       traces,
		logger:       logger,
		redactions:   cfg.SpanRedactions,
	}
}

// ExecutePipeline runs every step of the pipeline, then the pipeline after
// hook and the top-level extraction.
func (e *Executor) ExecutePipeline(ctx context.Context, pipelineID string, initial map[string]any) (*ExecutionResult, error) {
	p, err := e.pipelines.Pipeline(ctx, pipelineID)
	if err != nil {
		return e.reject(ctx, pipelineID, err), err
	}
	return e.Run(ctx, p, initial)
}

// ExecutePipelineStep runs steps 0 through stepIndex and returns the context
// as of that step. The pipeline after hook and top-level extraction are skipped.
func (e *Executor) ExecutePipelineStep(ctx context.Context, pipelineID string, stepIndex int, initial map[string]any) (*ExecutionResult, error) {
	p, err := e.pipelines.Pipeline(ctx, pipelineID)
	if err != nil {
		return e.reject(ctx, pipelineID, err), err
	}
	if stepIndex < 0 || stepIndex >= len(p.Steps) {
		err := &domain.ConstructionError{
			Entity: "pipeline",
			Name:   p.DisplayName(),
			Reason: fmt.Sprintf("step index %d out of range [0, %d)", stepIndex, len(p.Steps)),
		}
		return e.reject(ctx, pipelineID, err), err
	}
	return e.execute(ctx, p, initial, stepIndex, false)
}

// Run executes an already built pipeline.
func (e *Executor) Run(ctx context.Context, p *domain.Pipeline, initial map[string]any) (*ExecutionResult, error) {
	return e.execute(ctx, p, initial, len(p.Steps)-1, true)
}

// Trace returns the recorded entries of an execution.
func (e *Executor) Trace(executionID string) ([]domain.TraceEntry, bool) {
	return e.traces.Get(executionID)
}

// execution is the mutable state of one run. It is owned by a single goroutine.
type execution struct {
	id       string
	pipeline *domain.Pipeline
	state    State
	step     int
	data     domain.DataContext
	trace    []domain.TraceEntry
	store    flowtrace.Store
}

func (x *execution) record(entries ...domain.TraceEntry) {
	if len(entries) == 0 {
		return
	}
	for i := range entries {
		entries[i].ExecutionID = x.id
	}
	x.trace = append(x.trace, entries...)
	x.store.Add(x.id, entries...)
}

func (x *execution) result(results any, err error) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID: x.id,
		PipelineID:  x.pipeline.ID,
		State:       x.state,
		StepIndex:   x.step,
		Results:     results,
		Context:     x.data.Clone(),
		Trace:       append([]domain.TraceEntry(nil), x.trace...),
		Error:       err,
	}
}

func (e *Executor) execute(ctx context.Context, p *domain.Pipeline, initial map[string]any, last int, full bool) (*ExecutionResult, error) {
	data := domain.DataContext(initial).Clone()
	if data == nil {
		data = domain.DataContext{}
	}
	x := &execution{
		id:       uuid.NewString(),
		pipeline: p,
		state:    StateInit,
		step:     -1,
		data:     data,
		store:    e.traces,
	}
	start := time.Now()

	e.logger.Info("executing pipeline",
		"pipeline_id", p.ID,
		"execution_id", x.id,
		"steps", last+1,
	)

	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "pipeline.execute")
	baseAttrs := []attribute.KeyValue{
		attribute.String("pipeline.id", p.ID),
		attribute.String("pipeline.name", p.DisplayName()),
		attribute.String("execution.id", x.id),
		attribute.Int("pipeline.steps", last+1),
		attribute.Bool("pipeline.partial", !full),
	}
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, baseAttrs)...)
	defer span.End()

	results, err := e.sequence(ctx, tracer, x, last, full)
	if err != nil {
		x.state = StateFailed
		results = x.data.Clone()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("pipeline execution failed",
			"pipeline_id", p.ID,
			"execution_id", x.id,
			"step_index", x.step,
			"error", err,
		)
	} else {
		x.state = StateComplete
		e.logger.Info("pipeline execution complete",
			"pipeline_id", p.ID,
			"execution_id", x.id,
			"duration", time.Since(start),
		)
	}
	span.SetAttributes(attribute.String("pipeline.state", string(x.state)))

	telemetry.RecordPipelineMetrics(ctx, telemetry.PipelineMetrics{
		PipelineID: p.ID,
		State:      string(x.state),
		Outcome:    domain.KindOf(err),
		Steps:      x.step + 1,
		Duration:   time.Since(start),
	})
	return x.result(results, err), err
}

func (e *Executor) sequence(ctx context.Context, tracer trace.Tracer, x *execution, last int, full bool) (any, error) {
	p := x.pipeline
	x.state = StateRunning

	if p.Before != nil {
		data, err := callPipelineHook(p.Before, p, x.data)
		if err != nil {
			err = hookError(p, nil, "before", err)
			x.record(domain.NewTraceEntry(p, nil, domain.TraceHookFailed).WithError(err, 0))
			return nil, err
		}
		x.data = data
	}

	for i := 0; i <= last; i++ {
		x.step = i
		if err := e.executeStep(ctx, tracer, x, i); err != nil {
			return nil, err
		}
	}

	if !full {
		return x.data.Clone(), nil
	}

	if p.After != nil {
		data, err := callPipelineHook(p.After, p, x.data)
		if err != nil {
			err = hookError(p, nil, "after", err)
			x.record(domain.NewTraceEntry(p, nil, domain.TraceHookFailed).WithError(err, 0))
			return nil, err
		}
		x.data = data
	}

	view, err := extract.Extract(p.ContentType, map[string]any(x.data.Clone()), p.Extract)
	if err != nil {
		stepErr := &domain.StepError{
			Kind:     domain.ErrExtraction,
			Pipeline: p.DisplayName(),
			Message:  fmt.Sprintf("pipeline extract: %v", err),
			Err:      err,
		}
		x.record(domain.NewTraceEntry(p, nil, domain.TraceExtractionFailed).WithError(stepErr, 0))
		return nil, stepErr
	}
	return view, nil
}

// executeStep runs hooks and dispatch for one step. x.data only advances
// when the whole step succeeds.
func (e *Executor) executeStep(ctx context.Context, tracer trace.Tracer, x *execution, index int) error {
	p := x.pipeline
	step := p.Steps[index]
	start := time.Now()

	initialAttrs := []attribute.KeyValue{
		attribute.String("pipeline.id", p.ID),
		attribute.Int("step.index", index),
		attribute.String("step.name", step.Name),
		attribute.String("node.name", step.Node.DisplayName()),
		attribute.String("node.url", step.Node.URL),
		attribute.Bool("step.aggregation", step.IsAggregation()),
	}
	ctx, span := tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(telemetry.RedactAttributes(e.redactions, initialAttrs)...),
	)
	defer span.End()

	data := x.data
	var (
		res runtime.StepResult
		err error
	)
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("step %q not started: %w", step.Name, cerr)
		x.record(domain.NewTraceEntry(p, step, domain.TraceStepFailed).WithError(err, 0))
	}
	if err == nil && step.Before != nil {
		if data, err = callStepHook(step.Before, step, data); err != nil {
			err = hookError(p, step, "before", err)
			x.record(domain.NewTraceEntry(p, step, domain.TraceHookFailed).WithError(err, 0))
		}
	}
	if err == nil {
		var entries []domain.TraceEntry
		res, entries, err = e.dispatch(ctx, p, step, data)
		x.record(entries...)
		if err == nil {
			data = res.Data
		}
	}
	if err == nil && step.After != nil {
		if data, err = callStepHook(step.After, step, data); err != nil {
			err = hookError(p, step, "after", err)
			x.record(domain.NewTraceEntry(p, step, domain.TraceHookFailed).WithError(err, 0))
		}
	}

	outcome := domain.KindOf(err)
	status := res.StatusCode
	if status == 0 {
		status = statusOf(err)
	}
	metrics := telemetry.StepMetrics{
		PipelineID:  p.ID,
		Step:        step.Name,
		StepIndex:   index,
		Node:        step.Node.DisplayName(),
		Aggregation: step.IsAggregation(),
		Outcome:     outcome,
		StatusCode:  status,
		Duration:    time.Since(start),
	}
	if step.IsAggregation() {
		metrics.Elements = elementCount(x.data[step.Aggregation.DataArrayProperty])
	}
	telemetry.RecordStepMetrics(ctx, metrics)

	span.SetAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("step.outcome", outcome),
	})...)

	if err != nil {
		span.RecordError(err)
		telemetry.RecordStepFailure(span, outcome, status, err)
		e.logger.Error("step failed",
			"pipeline_id", p.ID,
			"execution_id", x.id,
			"step", step.Name,
			"node", step.Node.DisplayName(),
			"error", err,
		)
		return err
	}

	x.data = data
	e.logger.Debug("step completed",
		"pipeline_id", p.ID,
		"execution_id", x.id,
		"step", step.Name,
		"status", status,
	)
	return nil
}

func (e *Executor) dispatch(ctx context.Context, p *domain.Pipeline, step *domain.Step, data domain.DataContext) (runtime.StepResult, []domain.TraceEntry, error) {
	if step.IsAggregation() {
		return e.aggregations.Run(ctx, p, step, data)
	}
	proc, err := e.processors.Resolve(step)
	if err != nil {
		entry := domain.NewTraceEntry(p, step, domain.TraceStepFailed).WithError(err, 0)
		return runtime.Failure(data, 0), []domain.TraceEntry{entry}, err
	}
	return proc.ProcessStep(ctx, p, step, data)
}

// reject records a failed execution that never reached its first step.
func (e *Executor) reject(ctx context.Context, pipelineID string, err error) *ExecutionResult {
	x := &execution{
		id:       uuid.NewString(),
		pipeline: &domain.Pipeline{ID: pipelineID},
		state:    StateFailed,
		step:     -1,
		data:     domain.DataContext{},
		store:    e.traces,
	}
	x.record(domain.NewTraceEntry(x.pipeline, nil, domain.TracePipelineFailed).WithError(err, 0))
	e.logger.Warn("pipeline execution rejected",
		"pipeline_id", pipelineID,
		"execution_id", x.id,
		"error", err,
	)
	telemetry.RecordPipelineMetrics(ctx, telemetry.PipelineMetrics{
		PipelineID: pipelineID,
		State:      string(StateFailed),
		Outcome:    domain.KindOf(err),
	})
	return x.result(nil, err)
}

func callStepHook(fn domain.StepHook, step *domain.Step, data domain.DataContext) (out domain.DataContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = fn(step, data.Clone())
	if err == nil && out == nil {
		out = domain.DataContext{}
	}
	return out, err
}

func callPipelineHook(fn domain.PipelineHook, p *domain.Pipeline, data domain.DataContext) (out domain.DataContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = fn(p, data.Clone())
	if err == nil && out == nil {
		out = domain.DataContext{}
	}
	return out, err
}

func hookError(p *domain.Pipeline, step *domain.Step, phase string, err error) error {
	stepErr := &domain.StepError{
		Kind:     domain.ErrHook,
		Pipeline: p.DisplayName(),
		Message:  fmt.Sprintf("%s hook: %v", phase, err),
		Err:      err,
	}
	if step != nil {
		stepErr.Step = step.Name
		stepErr.Node = step.Node.DisplayName()
	}
	return stepErr
}

func statusOf(err error) int {
	var stepErr *domain.StepError
	if errors.As(err, &stepErr) {
		return stepErr.StatusCode
	}
	return 0
}

func elementCount(v any) int {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len()
	default:
		return 0
	}
}
