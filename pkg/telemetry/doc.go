// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// engine.
//
// It centralises trace provider setup, records step and pipeline execution
// metrics, and offers helpers that annotate spans with step outcomes and
// redact sensitive attributes before export.
package telemetry
