// Package processor selects and runs the step processor for a node's content type.
package processor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

// Registry stores processors keyed by content-type tag plus an ordered
// fallback list consulted through CanProcess.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]runtime.StepProcessor
	fallback []runtime.StepProcessor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]runtime.StepProcessor)}
}

// Register binds p to the given content-type tags. With no tags the processor
// only participates in the CanProcess fallback scan.
func (r *Registry) Register(p runtime.StepProcessor, contentTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ct := range contentTypes {
		tag := domain.MediaType(ct)
		if tag == "" {
			continue
		}
		r.byType[tag] = p
	}
	r.fallback = append(r.fallback, p)
}

// Resolve matches the node content type against the registered tags, then
// asks each processor in registration order.
func (r *Registry) Resolve(step *domain.Step) (runtime.StepProcessor, error) {
	if step == nil || step.Node == nil {
		return nil, fmt.Errorf("%w: step has no node", domain.ErrNoProcessor)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tag := domain.MediaType(step.Node.ContentType)
	if p, ok := r.byType[tag]; ok {
		return p, nil
	}
	for _, p := range r.fallback {
		if p.CanProcess(step) {
			return p, nil
		}
	}
	return nil, &domain.StepError{
		Kind:    domain.ErrNoProcessor,
		Step:    step.Name,
		Node:    step.Node.DisplayName(),
		Message: fmt.Sprintf("no processor for content type %q", step.Node.ContentType),
	}
}

// ContentTypes lists the registered tags.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for tag := range r.byType {
		out = append(out, tag)
	}
	return out
}

// IsJSON reports whether contentType is application/json or a +json suffix type.
func IsJSON(contentType string) bool {
	mt := domain.MediaType(contentType)
	return mt == domain.ContentTypeJSON || strings.HasSuffix(mt, "+json")
}
