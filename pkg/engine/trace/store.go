// Package trace keeps the per-execution diagnostic logs of recent pipeline runs.
package trace

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/polisai/polis-flow/pkg/domain"
)

const (
	// DefaultMaxExecutions is the number of execution traces retained.
	DefaultMaxExecutions = 1024
	// DefaultTTL is how long a trace is retained after its last append.
	DefaultTTL = 15 * time.Minute
)

// Store is an append-only trace log keyed by execution id.
type Store interface {
	Add(executionID string, entries ...domain.TraceEntry)
	Get(executionID string) ([]domain.TraceEntry, bool)
}

// Config bounds the memory store.
type Config struct {
	MaxExecutions int
	TTL           time.Duration
}

// MemoryStore retains at most MaxExecutions traces, evicting the least
// recently used, and drops traces TTL after their last append.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, []domain.TraceEntry]
}

// NewMemoryStore creates a bounded store.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.MaxExecutions <= 0 {
		cfg.MaxExecutions = DefaultMaxExecutions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, []domain.TraceEntry](cfg.MaxExecutions, nil, cfg.TTL),
	}
}

// Add appends entries to the execution's trace. Each entry is stamped with the
// execution id.
func (s *MemoryStore) Add(executionID string, entries ...domain.TraceEntry) {
	if executionID == "" || len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _ := s.cache.Get(executionID)
	next := make([]domain.TraceEntry, len(existing), len(existing)+len(entries))
	copy(next, existing)
	for _, e := range entries {
		e.ExecutionID = executionID
		next = append(next, e)
	}
	s.cache.Add(executionID, next)
}

// Get returns a copy of the execution's trace.
func (s *MemoryStore) Get(executionID string) ([]domain.TraceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.cache.Get(executionID)
	if !ok {
		return nil, false
	}
	out := make([]domain.TraceEntry, len(entries))
	copy(out, entries)
	return out, true
}

// Len reports the number of retained executions.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
