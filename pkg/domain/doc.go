// Package domain defines the core types of the pipeline engine: nodes, steps,
// aggregations, pipelines, the data context threaded between steps, trace
// entries and the persisted definition shapes.
//
// The package has no dependencies outside the Go standard library. Storage,
// transport and execution packages depend on these types, never the other way
// around.
//
// Constructors (NewNode, NewStep, NewAggregation, NewPipeline) validate their
// input and return errors wrapping ErrConstruction, so malformed definitions
// surface before any execution starts.
package domain
