package engine

import (
	"log/slog"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/aggregate"
	"github.com/polisai/polis-flow/pkg/engine/hooks"
	"github.com/polisai/polis-flow/pkg/engine/processor"
	flowtrace "github.com/polisai/polis-flow/pkg/engine/trace"
	"github.com/polisai/polis-flow/pkg/transport"
)

// FactoryConfig holds the settings needed to assemble an Engine.
type FactoryConfig struct {
	Definitions DefinitionReader
	// Hooks defaults to a registry holding the builtin hooks.
	Hooks *hooks.Registry
	// Client defaults to an HTTP client built from RequestTimeout and
	// MaxResponseBytes.
	Client           transport.Client
	RequestTimeout   time.Duration
	MaxResponseBytes int64
	MaxConcurrency   int
	TraceLimit       int
	TraceTTL         time.Duration
	SpanRedactions   map[string]string
	Logger           *slog.Logger
}

// Engine bundles the collaborators of a running pipeline engine.
type Engine struct {
	Executor   *Executor
	Pipelines  *PipelineRegistry
	Builder    *Builder
	Hooks      *hooks.Registry
	Processors *processor.Registry
	Traces     *flowtrace.MemoryStore
}

// NewEngine wires processors, aggregation, tracing, the builder and the
// pipeline registry around a single executor.
func NewEngine(cfg FactoryConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hookRegistry := cfg.Hooks
	if hookRegistry == nil {
		hookRegistry = hooks.NewRegistry()
		hooks.RegisterBuiltins(hookRegistry)
	}

	client := cfg.Client
	if client == nil {
		client = transport.NewHTTPClient(transport.Config{
			Timeout:          cfg.RequestTimeout,
			MaxResponseBytes: cfg.MaxResponseBytes,
			Logger:           logger,
		})
	}

	processors := processor.NewRegistry()
	processors.Register(processor.NewJSONProcessor(client, logger), domain.ContentTypeJSON)

	builder := NewBuilder(BuilderConfig{Definitions: cfg.Definitions, Hooks: hookRegistry})
	registry := NewPipelineRegistry(RegistryConfig{
		Definitions: cfg.Definitions,
		Builder:     builder,
		Logger:      logger,
	})

	traces := flowtrace.NewMemoryStore(flowtrace.Config{
		MaxExecutions: cfg.TraceLimit,
		TTL:           cfg.TraceTTL,
	})

	executor := NewExecutor(ExecutorConfig{
		Pipelines:  registry,
		Processors: processors,
		Aggregations: aggregate.NewRunner(aggregate.Config{
			Processors:     processors,
			MaxConcurrency: cfg.MaxConcurrency,
			Logger:         logger,
		}),
		Traces:         traces,
		Logger:         logger,
		SpanRedactions: cfg.SpanRedactions,
	})

	return &Engine{
		Executor:   executor,
		Pipelines:  registry,
		Builder:    builder,
		Hooks:      hookRegistry,
		Processors: processors,
		Traces:     traces,
	}
}
