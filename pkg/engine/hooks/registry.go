// Package hooks maps transform hook names to functions linked into the binary.
//
// Definitions reference hooks by name; names are resolved once when a pipeline
// is built, never at request time.
package hooks

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Registry stores named step and pipeline hooks.
type Registry struct {
	mu       sync.RWMutex
	steps    map[string]domain.StepHook
	pipeline map[string]domain.PipelineHook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:    make(map[string]domain.StepHook),
		pipeline: make(map[string]domain.PipelineHook),
	}
}

// RegisterStep binds name to a step hook, replacing any previous binding.
func (r *Registry) RegisterStep(name string, fn domain.StepHook) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("hooks: step hook requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = fn
	return nil
}

// RegisterPipeline binds name to a pipeline hook, replacing any previous binding.
func (r *Registry) RegisterPipeline(name string, fn domain.PipelineHook) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("hooks: pipeline hook requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline[name] = fn
	return nil
}

// Step resolves a step hook. An empty name resolves to nil without error.
func (r *Registry) Step(name string) (domain.StepHook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[name]
	if !ok {
		return nil, &domain.ConstructionError{Entity: "hook", Name: name, Reason: "no step hook registered under this name"}
	}
	return fn, nil
}

// Pipeline resolves a pipeline hook. An empty name resolves to nil without error.
func (r *Registry) Pipeline(name string) (domain.PipelineHook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.pipeline[name]
	if !ok {
		return nil, &domain.ConstructionError{Entity: "hook", Name: name, Reason: "no pipeline hook registered under this name"}
	}
	return fn, nil
}

// Names lists registered step and pipeline hook names, sorted.
func (r *Registry) Names() (steps, pipelines []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.steps {
		steps = append(steps, name)
	}
	for name := range r.pipeline {
		pipelines = append(pipelines, name)
	}
	sort.Strings(steps)
	sort.Strings(pipelines)
	return steps, pipelines
}
