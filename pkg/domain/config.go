package domain

import "time"

// Snapshot represents a point-in-time set of stored definitions.
type Snapshot struct {
	Generation string
	Nodes      []NodeDefinition
	Pipelines  []PipelineDefinition
	Timestamp  time.Time
}

// DefinitionSource publishes definition snapshots as they change on disk.
type DefinitionSource interface {
	// CurrentSnapshot returns the last loaded snapshot.
	CurrentSnapshot() Snapshot

	// Subscribe to snapshot changes.
	Subscribe() <-chan Snapshot
}
