package hooks

import (
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Built-in hook names registered by RegisterBuiltins.
const (
	DropNulls     = "builtin.drop_nulls"
	PrefixStep    = "builtin.prefix_step"
	StampPipeline = "builtin.stamp_pipeline"
)

// RegisterBuiltins installs the hooks shipped with the binary.
func RegisterBuiltins(r *Registry) {
	_ = r.RegisterStep(DropNulls, func(_ *domain.Step, data domain.DataContext) (domain.DataContext, error) {
		return dropNulls(data), nil
	})
	_ = r.RegisterPipeline(DropNulls, func(_ *domain.Pipeline, data domain.DataContext) (domain.DataContext, error) {
		return dropNulls(data), nil
	})
	// Copies every key under "<step>_<key>" so later steps can tell results apart.
	_ = r.RegisterStep(PrefixStep, func(step *domain.Step, data domain.DataContext) (domain.DataContext, error) {
		prefix := strings.ReplaceAll(strings.ToLower(step.Name), " ", "_") + "_"
		out := data.Clone()
		for k, v := range data {
			if !strings.HasPrefix(k, prefix) {
				out[prefix+k] = v
			}
		}
		return out, nil
	})
	_ = r.RegisterPipeline(StampPipeline, func(p *domain.Pipeline, data domain.DataContext) (domain.DataContext, error) {
		return data.With("pipeline", p.DisplayName()), nil
	})
}

func dropNulls(data domain.DataContext) domain.DataContext {
	out := make(domain.DataContext, len(data))
	for k, v := range data {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
