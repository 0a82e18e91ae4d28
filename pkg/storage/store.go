// Package storage persists node and pipeline definitions.
// It offers in-memory, SQLite and YAML directory backends behind one interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/domain"
)

// ErrNotFound is returned when a requested definition does not exist in the store.
var ErrNotFound = errors.New("definition not found")

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverYAML   = "yaml"
)

// DefinitionStore exposes persistence operations for definitions. Save
// assigns a UUID when the definition has none and returns the stored copy.
type DefinitionStore interface {
	GetNode(ctx context.Context, id string) (domain.NodeDefinition, error)
	SaveNode(ctx context.Context, def domain.NodeDefinition) (domain.NodeDefinition, error)
	ListNodes(ctx context.Context) ([]domain.NodeDefinition, error)
	GetPipeline(ctx context.Context, id string) (domain.PipelineDefinition, error)
	SavePipeline(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error)
	ListPipelines(ctx context.Context) ([]domain.PipelineDefinition, error)
	Close() error
}

// NotFoundError names the missing definition. It matches ErrNotFound and the
// domain sentinel for its kind.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() []error {
	if e.Kind == "node" {
		return []error{ErrNotFound, domain.ErrNodeNotFound}
	}
	return []error{ErrNotFound, domain.ErrPipelineNotFound}
}

func nodeNotFound(id string) error     { return &NotFoundError{Kind: "node", ID: id} }
func pipelineNotFound(id string) error { return &NotFoundError{Kind: "pipeline", ID: id} }

// Config selects and configures a backend.
type Config struct {
	Driver string
	// DSN is the SQLite data source name.
	DSN string
	// Dir is the YAML definitions directory.
	Dir    string
	Logger *slog.Logger
}

// Open creates the store selected by cfg.Driver.
func Open(cfg Config) (DefinitionStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(cfg.DSN)
	case DriverYAML:
		return NewYAMLStore(cfg.Dir, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func ensureID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}
