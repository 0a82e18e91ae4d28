package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/hooks"
	"github.com/polisai/polis-flow/pkg/engine/processor"
	flowtrace "github.com/polisai/polis-flow/pkg/engine/trace"
	"github.com/polisai/polis-flow/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDefs struct {
	mu        sync.Mutex
	nodes     map[string]domain.NodeDefinition
	pipelines map[string]domain.PipelineDefinition
	loads     int
}

func newMemDefs() *memDefs {
	return &memDefs{
		nodes:     make(map[string]domain.NodeDefinition),
		pipelines: make(map[string]domain.PipelineDefinition),
	}
}

func (m *memDefs) GetNode(_ context.Context, id string) (domain.NodeDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return domain.NodeDefinition{}, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, id)
	}
	return n, nil
}

func (m *memDefs) GetPipeline(_ context.Context, id string) (domain.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	p, ok := m.pipelines[id]
	if !ok {
		return domain.PipelineDefinition{}, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	return p, nil
}

func (m *memDefs) addNode(n domain.NodeDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.UUID] = n
}

func (m *memDefs) addPipeline(p domain.PipelineDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.UUID] = p
}

type harness struct {
	defs     *memDefs
	hooks    *hooks.Registry
	registry *PipelineRegistry
	traces   *flowtrace.MemoryStore
	executor *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defs := newMemDefs()
	hookReg := hooks.NewRegistry()
	hooks.RegisterBuiltins(hookReg)

	registry := NewPipelineRegistry(RegistryConfig{
		Definitions: defs,
		Builder:     NewBuilder(BuilderConfig{Definitions: defs, Hooks: hookReg}),
		Logger:      logger,
	})
	processors := processor.NewRegistry()
	processors.Register(processor.NewJSONProcessor(transport.NewHTTPClient(transport.Config{}), logger), domain.ContentTypeJSON)
	traces := flowtrace.NewMemoryStore(flowtrace.Config{})

	return &harness{
		defs:     defs,
		hooks:    hookReg,
		registry: registry,
		traces:   traces,
		executor: NewExecutor(ExecutorConfig{
			Pipelines:  registry,
			Processors: processors,
			Traces:     traces,
			Logger:     logger,
		}),
	}
}

func sumServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var body struct {
			Numbers []float64 `json:"numbers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		total := 0.0
		for _, n := range body.Numbers {
			total += n
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sum": total})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func statsServer(t *testing.T) *httptest.Server {
	t.Helper()
	preset := map[string]float64{"sum": 50, "avg": 12.5, "min": 5, "max": 20}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/stat/")
		value, ok := preset[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{name: value})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func messages(entries []domain.TraceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestExecutePipelineSum(t *testing.T) {
	h := newHarness(t)
	srv := sumServer(t, nil)

	h.defs.addNode(domain.NodeDefinition{
		UUID:    "node-sum",
		Name:    "sum",
		URL:     srv.URL + "/sum",
		Method:  http.MethodPost,
		Payload: `{"numbers": ${numbers}}`,
	})
	h.defs.addPipeline(domain.PipelineDefinition{
		UUID: "calc",
		Name: "calculator",
		Steps: []domain.StepDefinition{{
			Name:     "add",
			NodeUUID: "node-sum",
			Extract:  domain.ExtractList{{Source: "sum", Destination: "sum"}},
		}},
		Extract: domain.ExtractList{{Source: "sum", Destination: "sum"}},
	})

	res, err := h.executor.ExecutePipeline(context.Background(), "calc", map[string]any{
		"numbers": []any{5, 10, 15, 20},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, "calc", res.PipelineID)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, map[string]any{"sum": float64(50)}, res.Results)
	assert.Equal(t, float64(50), res.Context["sum"])
	assert.Equal(t, []string{
		domain.TraceRequestInitiated,
		domain.TraceResponseReceived,
		domain.TraceStepCompleted,
	}, messages(res.Trace))
	for _, entry := range res.Trace {
		assert.Equal(t, res.ExecutionID, entry.ExecutionID)
		assert.Equal(t, "add", entry.StepName)
		assert.Equal(t, "sum", entry.NodeName)
	}

	stored, ok := h.executor.Trace(res.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, messages(res.Trace), messages(stored))
}

func TestExecutePipelineAggregatesStats(t *testing.T) {
	h := newHarness(t)
	srv := statsServer(t)

	h.defs.addNode(domain.NodeDefinition{UUID: "node-stat", Name: "stat", URL: srv.URL + "/stat/${stat}"})
	h.defs.addPipeline(domain.PipelineDefinition{
		UUID: "stats",
		Steps: []domain.StepDefinition{{
			Name:                "collect",
			NodeUUID:            "node-stat",
			AggregateStep:       true,
			DataArrayProperty:   "stats",
			OutputArrayProperty: "stats",
			AggregateExtract:    &domain.AggregateExtract{AggDataKey: "stat"},
			AggExtractionType:   string(domain.ExtractionObject),
			ParallelStep:        true,
		}},
	})

	res, err := h.executor.ExecutePipeline(context.Background(), "stats", map[string]any{
		"stats": []any{"sum", "avg", "min", "max"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"sum": float64(50),
		"avg": 12.5,
		"min": float64(5),
		"max": float64(20),
	}, res.Context["stats"])

	msgs := messages(res.Trace)
	assert.Equal(t, domain.TraceAggregationStarted, msgs[0])
	assert.Equal(t, domain.TraceAggregationCompleted, msgs[len(msgs)-1])
}

func TestExecutePipelineStopsOnNotFound(t *testing.T) {
	h := newHarness(t)
	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)
	var later atomic.Int32
	next := sumServer(t, &later)

	h.defs.addNode(domain.NodeDefinition{UUID: "n1", Name: "lookup", URL: missing.URL + "/lookup"})
	h.defs.addNode(domain.NodeDefinition{UUID: "n2", Name: "sum", URL: next.URL, Method: http.MethodPost, Payload: `{"numbers":[1]}`})
	h.defs.addPipeline(domain.PipelineDefinition{
		UUID: "two",
		Steps: []domain.StepDefinition{
			{Name: "first", NodeUUID: "n1"},
			{Name: "second", NodeUUID: "n2"},
		},
	})

	initial := map[string]any{"customer": "c-1"}
	res, err := h.executor.ExecutePipeline(context.Background(), "two", initial)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHTTPStatus)
	assert.Contains(t, err.Error(), `node "lookup"`)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, res.StepIndex)
	assert.Equal(t, domain.DataContext(initial), res.Context)
	assert.Equal(t, map[string]any(initial), map[string]any(res.Results.(domain.DataContext)))
	assert.Contains(t, messages(res.Trace), domain.TraceResourceNotFound)
	assert.Zero(t, later.Load(), "no step after the failure may run")

	stored, ok := h.executor.Trace(res.ExecutionID)
	require.True(t, ok)
	assert.Len(t, stored, len(res.Trace))
}

func TestExecutePipelineStepMatchesPrefix(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, fmt.Sprintf(`{"%s":%q}`, strings.TrimPrefix(r.URL.Path, "/"), r.URL.Query().Get("in")))
	}))
	t.Cleanup(srv.Close)

	h.defs.addNode(domain.NodeDefinition{UUID: "a", Name: "a", URL: srv.URL + "/a?in=${seed}"})
	h.defs.addNode(domain.NodeDefinition{UUID: "b", Name: "b", URL: srv.URL + "/b?in=${a}"})
	h.defs.addNode(domain.NodeDefinition{UUID: "c", Name: "c", URL: srv.URL + "/c?in=${b}"})
	steps := []domain.StepDefinition{
		{Name: "a", NodeUUID: "a"},
		{Name: "b", NodeUUID: "b"},
		{Name: "c", NodeUUID: "c"},
	}
	h.defs.addPipeline(domain.PipelineDefinition{UUID: "chain", Steps: steps, Extract: domain.ExtractList{{Source: "c", Destination: "out"}}})

	initial := map[string]any{"seed": "s"}
	full, err := h.executor.ExecutePipeline(context.Background(), "chain", initial)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"out": "s"}, full.Results)

	for k := 0; k < len(steps); k++ {
		h.defs.addPipeline(domain.PipelineDefinition{UUID: fmt.Sprintf("prefix-%d", k), Steps: steps[:k+1]})
		prefix, err := h.executor.ExecutePipeline(context.Background(), fmt.Sprintf("prefix-%d", k), initial)
		require.NoError(t, err)

		partial, err := h.executor.ExecutePipelineStep(context.Background(), "chain", k, initial)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, partial.State)
		assert.Equal(t, k, partial.StepIndex)
		assert.Equal(t, prefix.Context, partial.Context, "step %d", k)
		assert.Equal(t, partial.Context, partial.Results.(domain.DataContext))
	}
	assert.Equal(t, full.Context, mustStep(t, h, "chain", 2, initial).Context)
}

func mustStep(t *testing.T, h *harness, id string, k int, initial map[string]any) *ExecutionResult {
	t.Helper()
	res, err := h.executor.ExecutePipelineStep(context.Background(), id, k, initial)
	require.NoError(t, err)
	return res
}

func TestExecutePipelineStepRejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.defs.addNode(domain.NodeDefinition{UUID: "n", URL: "http://127.0.0.1:1/"})
	h.defs.addPipeline(domain.PipelineDefinition{UUID: "p", Steps: []domain.StepDefinition{{NodeUUID: "n"}}})

	for _, idx := range []int{-1, 1, 5} {
		res, err := h.executor.ExecutePipelineStep(context.Background(), "p", idx, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConstruction)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, []string{domain.TracePipelineFailed}, messages(res.Trace))
	}
}

func TestExecutePipelineUnknownPipeline(t *testing.T) {
	h := newHarness(t)

	res, err := h.executor.ExecutePipeline(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.Equal(t, "pipeline_not_found", domain.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.ExecutionID)
	_, ok := h.executor.Trace(res.ExecutionID)
	assert.True(t, ok)
}

func TestExecutePipelineRunsHooks(t *testing.T) {
	h := newHarness(t)
	srv := sumServer(t, nil)
	h.defs.addNode(domain.NodeDefinition{UUID: "n", Name: "sum", URL: srv.URL, Method: http.MethodPost, Payload: `{"numbers": ${numbers}}`})

	var seenBefore domain.DataContext
	require.NoError(t, h.hooks.RegisterStep("test.capture", func(_ *domain.Step, data domain.DataContext) (domain.DataContext, error) {
		seenBefore = data.Clone()
		return data.With("numbers", []any{1, 2}), nil
	}))
	h.defs.addPipeline(domain.PipelineDefinition{
		UUID: "hooked",
		Name: "hooked",
		Steps: []domain.StepDefinition{{
			Name:             "total",
			NodeUUID:         "n",
			TransformModules: &domain.TransformModules{Before: "test.capture", After: hooks.PrefixStep},
		}},
		TransformModules: &domain.TransformModules{Before: hooks.StampPipeline, After: hooks.DropNulls},
	})

	res, err := h.executor.ExecutePipeline(context.Background(), "hooked", map[string]any{"numbers": []any{10}, "gone": nil})
	require.NoError(t, err)

	assert.Equal(t, "hooked", seenBefore["pipeline"])
	assert.Equal(t, float64(3), res.Context["sum"])
	assert.Equal(t, float64(3), res.Context["total_sum"])
	assert.NotContains(t, res.Context, "gone")
}

func TestExecutePipelineHookFailure(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	srv := sumServer(t, &calls)
	h.defs.addNode(domain.NodeDefinition{UUID: "n", Name: "sum", URL: srv.URL, Method: http.MethodPost, Payload: `{"numbers":[1]}`})
	require.NoError(t, h.hooks.RegisterStep("test.fail", func(*domain.Step, domain.DataContext) (domain.DataContext, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, h.hooks.RegisterStep("test.panic", func(*domain.Step, domain.DataContext) (domain.DataContext, error) {
		panic("kaboom")
	}))

	for _, name := range []string{"test.fail", "test.panic"} {
		id := "p-" + name
		h.defs.addPipeline(domain.PipelineDefinition{
			UUID:  id,
			Steps: []domain.StepDefinition{{Name: "s", NodeUUID: "n", TransformModules: &domain.TransformModules{Before: name}}},
		})
		res, err := h.executor.ExecutePipeline(context.Background(), id, nil)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, domain.ErrHook)
		assert.Contains(t, err.Error(), `node "sum"`)
		assert.Equal(t, []string{domain.TraceHookFailed}, messages(res.Trace))
	}
	assert.Zero(t, calls.Load())
}

func TestExecutePipelineTopLevelExtractFailure(t *testing.T) {
	h := newHarness(t)
	srv := sumServer(t, nil)
	h.defs.addNode(domain.NodeDefinition{UUID: "n", Name: "sum", URL: srv.URL, Method: http.MethodPost, Payload: `{"numbers":[1]}`})
	h.defs.addPipeline(domain.PipelineDefinition{
		UUID:    "bad-extract",
		Steps:   []domain.StepDefinition{{NodeUUID: "n"}},
		Extract: domain.ExtractList{{Source: "$.sum[", Destination: "x"}},
	})

	res, err := h.executor.ExecutePipeline(context.Background(), "bad-extract", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtraction)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, float64(1), res.Context["sum"])
	assert.Equal(t, domain.TraceExtractionFailed, res.Trace[len(res.Trace)-1].Message)
}

func TestExecutePipelineHonoursCancellation(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	srv := sumServer(t, &calls)
	h.defs.addNode(domain.NodeDefinition{UUID: "n", Name: "sum", URL: srv.URL, Method: http.MethodPost, Payload: `{"numbers":[1]}`})
	h.defs.addPipeline(domain.PipelineDefinition{UUID: "p", Steps: []domain.StepDefinition{{NodeUUID: "n"}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.executor.ExecutePipeline(ctx, "p", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, calls.Load())
}
