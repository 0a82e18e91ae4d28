package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce               sync.Once
	metricsInitErr            error
	stepExecutionCounter      metric.Int64Counter
	stepFailureCounter        metric.Int64Counter
	stepLatencyHistogram      metric.Float64Histogram
	aggregationElementCounter metric.Int64Counter
	pipelineExecutionCounter  metric.Int64Counter
	pipelineLatencyHistogram  metric.Float64Histogram
)

// StepMetrics captures the fields needed to record step telemetry.
type StepMetrics struct {
	PipelineID  string
	Step        string
	StepIndex   int
	Node        string
	Aggregation bool
	Elements    int
	// Outcome is "ok" or the error kind label.
	Outcome    string
	StatusCode int
	Duration   time.Duration
}

// PipelineMetrics captures the fields needed to record pipeline telemetry.
type PipelineMetrics struct {
	PipelineID string
	State      string
	Outcome    string
	Steps      int
	Duration   time.Duration
}

// RecordStepMetrics emits counters and histograms that describe step execution.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("step.name", m.Step),
		attribute.Int("step.index", m.StepIndex),
		attribute.String("node.name", m.Node),
		attribute.Bool("step.aggregation", m.Aggregation),
		attribute.String("step.outcome", m.Outcome),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.Aggregation && m.Elements > 0 {
		aggregationElementCounter.Add(ctx, int64(m.Elements), metric.WithAttributes(attrs...))
	}
	if m.Outcome != "" && m.Outcome != "ok" {
		failAttrs := append(attrs, attribute.Int("http.status_code", m.StatusCode))
		stepFailureCounter.Add(ctx, 1, metric.WithAttributes(failAttrs...))
	}
}

// RecordPipelineMetrics emits counters and histograms that describe whole executions.
func RecordPipelineMetrics(ctx context.Context, m PipelineMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("pipeline.state", m.State),
		attribute.String("pipeline.outcome", m.Outcome),
		attribute.Int("pipeline.steps", m.Steps),
	}
	pipelineExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		pipelineLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flow.pipeline")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flow.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepFailureCounter, metricsInitErr = meter.Int64Counter(
			"flow.step.failures_total",
			metric.WithDescription("Failed pipeline steps partitioned by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		aggregationElementCounter, metricsInitErr = meter.Int64Counter(
			"flow.aggregation.elements_total",
			metric.WithDescription("Array elements processed by aggregation steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flow.pipeline.executions_total",
			metric.WithDescription("Pipeline executions partitioned by final state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordStepFailure marks the span as failed and attaches a coarse failure
// event without leaking response bodies.
func RecordStepFailure(span trace.Span, kind string, statusCode int, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("error.kind", kind),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	span.AddEvent("step.failure", trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
