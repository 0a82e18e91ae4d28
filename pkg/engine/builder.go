package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/hooks"
)

// BuilderConfig holds dependencies for creating a Builder.
type BuilderConfig struct {
	Definitions DefinitionReader
	// Hooks resolves transform module names. Defaults to a registry holding
	// only the built-in hooks.
	Hooks *hooks.Registry
}

// Builder turns stored definitions into immutable domain pipelines. All name
// resolution (nodes, hooks, aggregation settings) happens here, so a pipeline
// that builds cannot fail at run time for definitional reasons.
type Builder struct {
	defs  DefinitionReader
	hooks *hooks.Registry
}

// NewBuilder creates a builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	reg := cfg.Hooks
	if reg == nil {
		reg = hooks.NewRegistry()
		hooks.RegisterBuiltins(reg)
	}
	return &Builder{defs: cfg.Definitions, hooks: reg}
}

// Build resolves every node and hook referenced by def.
func (b *Builder) Build(ctx context.Context, def domain.PipelineDefinition) (*domain.Pipeline, error) {
	label := def.Name
	if label == "" {
		label = def.UUID
	}
	if len(def.Steps) == 0 {
		return nil, &domain.ConstructionError{Entity: "pipeline", Name: label, Reason: "at least one step is required"}
	}

	nodes := make(map[string]*domain.Node, len(def.Steps))
	steps := make([]*domain.Step, 0, len(def.Steps))
	for i, sd := range def.Steps {
		node, err := b.resolveNode(ctx, nodes, sd, i)
		if err != nil {
			return nil, err
		}
		step, err := b.buildStep(sd, node)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	p := domain.Pipeline{
		ID:          def.UUID,
		Name:        def.Name,
		Status:      domain.PipelineStatus(def.Status),
		ContentType: def.ContentType,
		Steps:       steps,
		Extract:     def.Extract,
	}
	if tm := def.TransformModules; tm != nil {
		before, err := b.hooks.Pipeline(tm.Before)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q before hook: %w", label, err)
		}
		after, err := b.hooks.Pipeline(tm.After)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q after hook: %w", label, err)
		}
		p.Before, p.After = before, after
	}
	return domain.NewPipeline(p)
}

// BuildNode validates a node definition on its own.
func (b *Builder) BuildNode(def domain.NodeDefinition) (*domain.Node, error) {
	return def.ToNode()
}

func (b *Builder) resolveNode(ctx context.Context, cache map[string]*domain.Node, sd domain.StepDefinition, index int) (*domain.Node, error) {
	id := strings.TrimSpace(sd.NodeUUID)
	stepLabel := sd.Name
	if stepLabel == "" {
		stepLabel = fmt.Sprintf("#%d", index)
	}
	if id == "" {
		return nil, &domain.ConstructionError{Entity: "step", Name: stepLabel, Reason: "nodeUUID is required"}
	}
	if node, ok := cache[id]; ok {
		return node, nil
	}
	if b.defs == nil {
		return nil, &domain.ConstructionError{Entity: "step", Name: stepLabel, Reason: "no definition store configured"}
	}

	nd, err := b.defs.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNodeNotFound) {
			return nil, &domain.ConstructionError{Entity: "step", Name: stepLabel, Reason: fmt.Sprintf("node %q not found", id)}
		}
		return nil, fmt.Errorf("load node %q: %w", id, err)
	}
	node, err := nd.ToNode()
	if err != nil {
		return nil, err
	}
	cache[id] = node
	return node, nil
}

func (b *Builder) buildStep(sd domain.StepDefinition, node *domain.Node) (*domain.Step, error) {
	agg, err := sd.ToAggregation()
	if err != nil {
		return nil, err
	}
	step := domain.Step{
		Name:        sd.Name,
		Node:        node,
		Extract:     sd.Extract,
		Aggregation: agg,
	}
	if tm := sd.TransformModules; tm != nil {
		if step.Before, err = b.hooks.Step(tm.Before); err != nil {
			return nil, fmt.Errorf("step %q before hook: %w", sd.Name, err)
		}
		if step.After, err = b.hooks.Step(tm.After); err != nil {
			return nil, fmt.Errorf("step %q after hook: %w", sd.Name, err)
		}
	}
	return domain.NewStep(step)
}
