// Package aggregate maps a step's node call over an array in the data context
// and folds the per-element outputs into one value.
package aggregate

import (
	"maps"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Accumulator collects element outputs for one aggregation run. It is not
// safe for concurrent use; the runner folds only after all outcomes are in.
type Accumulator interface {
	// Add folds one element output.
	Add(output any)
	// Value returns the collected content.
	Value() any
	// Apply writes the collected content into data and returns the new context.
	Apply(data domain.DataContext, agg *domain.Aggregation) domain.DataContext
}

// NewAccumulator returns the strategy for kind. Unknown kinds use Normal.
func NewAccumulator(kind domain.ExtractionType) Accumulator {
	switch kind {
	case domain.ExtractionArray:
		return &arrayAccumulator{items: []any{}}
	case domain.ExtractionObject:
		return &objectAccumulator{merged: map[string]any{}, nested: true}
	default:
		return &objectAccumulator{merged: map[string]any{}}
	}
}

type arrayAccumulator struct {
	items []any
}

func (a *arrayAccumulator) Add(output any) {
	a.items = append(a.items, Clean(output))
}

func (a *arrayAccumulator) Value() any {
	return a.items
}

func (a *arrayAccumulator) Apply(data domain.DataContext, agg *domain.Aggregation) domain.DataContext {
	return data.With(agg.OutputArrayProperty, a.items)
}

// objectAccumulator backs both Object (nested under the output property) and
// Normal (merged into the top-level context).
type objectAccumulator struct {
	merged map[string]any
	nested bool
}

func (o *objectAccumulator) Add(output any) {
	m, ok := Clean(output).(map[string]any)
	if !ok {
		return
	}
	maps.Copy(o.merged, m)
}

func (o *objectAccumulator) Value() any {
	return o.merged
}

func (o *objectAccumulator) Apply(data domain.DataContext, agg *domain.Aggregation) domain.DataContext {
	if o.nested {
		return data.With(agg.OutputArrayProperty, o.merged)
	}
	return data.Merge(o.merged)
}

// Clean drops top-level nil values from an object output. Other values are
// returned as is.
func Clean(output any) any {
	var m map[string]any
	switch v := output.(type) {
	case map[string]any:
		m = v
	case domain.DataContext:
		m = v
	default:
		return output
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
