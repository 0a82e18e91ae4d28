package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DefinitionReader fetches stored definitions by id. Lookups for unknown ids
// return errors wrapping domain.ErrPipelineNotFound or domain.ErrNodeNotFound.
type DefinitionReader interface {
	GetNode(ctx context.Context, id string) (domain.NodeDefinition, error)
	GetPipeline(ctx context.Context, id string) (domain.PipelineDefinition, error)
}

// PipelineResolver returns a built pipeline for an id.
type PipelineResolver interface {
	Pipeline(ctx context.Context, id string) (*domain.Pipeline, error)
}

// RegistryConfig holds dependencies for creating a PipelineRegistry.
type RegistryConfig struct {
	Definitions DefinitionReader
	Builder     *Builder
	Logger      *slog.Logger
}

// PipelineRegistry caches built pipelines by id. Entries are built on first
// use and dropped when definitions change, so a running execution keeps the
// pipeline it started with while new executions see the update.
type PipelineRegistry struct {
	defs    DefinitionReader
	builder *Builder
	logger  *slog.Logger

	mu         sync.RWMutex
	pipelines  map[string]*domain.Pipeline
	generation int64
}

// NewPipelineRegistry creates an empty registry.
func NewPipelineRegistry(cfg RegistryConfig) *PipelineRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := cfg.Builder
	if builder == nil {
		builder = NewBuilder(BuilderConfig{Definitions: cfg.Definitions})
	}
	return &PipelineRegistry{
		defs:      cfg.Definitions,
		builder:   builder,
		logger:    logger,
		pipelines: make(map[string]*domain.Pipeline),
	}
}

// Pipeline returns the cached pipeline or builds it from its stored definition.
func (pr *PipelineRegistry) Pipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	pr.mu.RLock()
	p, ok := pr.pipelines[id]
	generation := pr.generation
	pr.mu.RUnlock()
	if ok {
		return p, nil
	}

	def, err := pr.defs.GetPipeline(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load pipeline %q: %w", id, err)
	}
	p, err = pr.builder.Build(ctx, def)
	if err != nil {
		return nil, err
	}

	pr.mu.Lock()
	// Skip caching if definitions changed while we were building.
	if pr.generation == generation {
		pr.pipelines[id] = p
	}
	pr.mu.Unlock()

	pr.logger.Debug("built pipeline",
		slog.String("pipeline_id", id),
		slog.Int("steps", len(p.Steps)))
	return p, nil
}

// Invalidate drops the given pipelines from the cache, or every pipeline when
// no id is passed.
func (pr *PipelineRegistry) Invalidate(ids ...string) {
	pr.mu.Lock()
	if len(ids) == 0 {
		pr.pipelines = make(map[string]*domain.Pipeline)
	} else {
		for _, id := range ids {
			delete(pr.pipelines, id)
		}
	}
	pr.generation++
	generation := pr.generation
	pr.mu.Unlock()

	pr.logger.Debug("pipeline cache invalidated",
		slog.Int64("generation", generation),
		slog.Any("pipeline_ids", ids))
}

// Generation increases on every invalidation.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.generation
}

// Cached returns the number of built pipelines held by the registry.
func (pr *PipelineRegistry) Cached() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.pipelines)
}

// Watch clears the cache whenever source publishes a new snapshot. It blocks
// until ctx is done or the subscription closes.
func (pr *PipelineRegistry) Watch(ctx context.Context, source domain.DefinitionSource) {
	updates := source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			pr.Invalidate()
			pr.logger.Info("definitions reloaded",
				slog.String("generation", snap.Generation),
				slog.Int("pipelines", len(snap.Pipelines)),
				slog.Int("nodes", len(snap.Nodes)))
		}
	}
}
