// Package engine runs declarative pipelines: ordered steps that each call a
// remote node, extract values from its response and thread the result into
// the next step.
//
// Architecture:
//
// executor.go       - Executor (state machine, hooks, step dispatch, spans and metrics)
// builder.go        - Builder (definition to domain conversion, node and hook resolution)
// config.go         - PipelineRegistry (built pipeline cache, reload on definition change)
// engine_factory.go - NewEngine (wires processors, aggregation, tracing and the registry)
//
// Subpackages hold the step-level machinery: interpolate, extract, processor,
// aggregate, hooks, runtime and trace.
package engine
