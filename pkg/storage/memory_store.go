package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// MemoryStore is an in-memory implementation of DefinitionStore. Stored and
// returned definitions are deep copies, so callers never share maps with it.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]domain.NodeDefinition
	pipelines map[string]domain.PipelineDefinition
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]domain.NodeDefinition),
		pipelines: make(map[string]domain.PipelineDefinition),
	}
}

// GetNode retrieves a node definition from memory.
func (s *MemoryStore) GetNode(_ context.Context, id string) (domain.NodeDefinition, error) {
	s.mu.RLock()
	def, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NodeDefinition{}, nodeNotFound(id)
	}
	return clone(def)
}

// SaveNode saves a node definition to memory.
func (s *MemoryStore) SaveNode(_ context.Context, def domain.NodeDefinition) (domain.NodeDefinition, error) {
	def.UUID = ensureID(def.UUID)
	stored, err := clone(def)
	if err != nil {
		return domain.NodeDefinition{}, err
	}
	s.mu.Lock()
	s.nodes[def.UUID] = stored
	s.mu.Unlock()
	return clone(stored)
}

// ListNodes returns every node ordered by name then id.
func (s *MemoryStore) ListNodes(_ context.Context) ([]domain.NodeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NodeDefinition, 0, len(s.nodes))
	for _, def := range s.nodes {
		c, err := clone(def)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortNodes(out)
	return out, nil
}

// GetPipeline retrieves a pipeline definition from memory.
func (s *MemoryStore) GetPipeline(_ context.Context, id string) (domain.PipelineDefinition, error) {
	s.mu.RLock()
	def, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return domain.PipelineDefinition{}, pipelineNotFound(id)
	}
	return clone(def)
}

// SavePipeline saves a pipeline definition to memory.
func (s *MemoryStore) SavePipeline(_ context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	def.UUID = ensureID(def.UUID)
	stored, err := clone(def)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	s.mu.Lock()
	s.pipelines[def.UUID] = stored
	s.mu.Unlock()
	return clone(stored)
}

// ListPipelines returns every pipeline ordered by name then id.
func (s *MemoryStore) ListPipelines(_ context.Context) ([]domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PipelineDefinition, 0, len(s.pipelines))
	for _, def := range s.pipelines {
		c, err := clone(def)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortPipelines(out)
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// clone deep-copies a definition through its JSON form, the same form the
// persistent backends store.
func clone[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode definition: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode definition: %w", err)
	}
	return out, nil
}

func sortNodes(defs []domain.NodeDefinition) {
	slices.SortFunc(defs, func(a, b domain.NodeDefinition) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.UUID, b.UUID))
	})
}

func sortPipelines(defs []domain.PipelineDefinition) {
	slices.SortFunc(defs, func(a, b domain.PipelineDefinition) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.UUID, b.UUID))
	})
}
