// Package api exposes the admin HTTP API: definition management, pipeline
// execution and trace retrieval.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxBodyBytes caps request bodies when Config leaves it unset.
const DefaultMaxBodyBytes = 4 << 20

// Config holds dependencies for creating a Server.
type Config struct {
	Store  storage.DefinitionStore
	Engine *engine.Engine
	// Metrics defaults to a fresh registry.
	Metrics      *Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server routes admin API requests.
type Server struct {
	store        storage.DefinitionStore
	engine       *engine.Engine
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64

	router  *chi.Mux
	handler http.Handler
}

// ExecuteResponse is returned by the execute endpoints. Trace is present when
// requested with ?trace=true and always on failure.
type ExecuteResponse struct {
	Error        *domain.ErrorResponse `json:"error"`
	Results      any                   `json:"results"`
	PipelineUUID string                `json:"pipelineUUID"`
	ExecutionID  string                `json:"executionId"`
	State        engine.State          `json:"state"`
	StepIndex    int                   `json:"stepIndex"`
	Trace        []domain.TraceEntry   `json:"trace,omitempty"`
}

// TraceResponse is returned by the trace endpoint.
type TraceResponse struct {
	ExecutionID string              `json:"executionId"`
	Trace       []domain.TraceEntry `json:"trace"`
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.Engine != nil {
		metrics.observeEngine(cfg.Engine)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	s := &Server{
		store:        cfg.Store,
		engine:       cfg.Engine,
		metrics:      metrics,
		logger:       logger,
		maxBodyBytes: maxBody,
		router:       chi.NewRouter(),
	}
	s.routes()
	s.handler = otelhttp.NewHandler(s.router, "polis.flow",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "admin " + r.Method + " " + r.URL.Path
		}),
	)
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(s.metrics.MetricsMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/nodes", func(r chi.Router) {
		r.Put("/", s.handleSaveNode)
		r.Get("/", s.handleListNodes)
		r.Get("/{id}", s.handleGetNode)
	})

	s.router.Route("/pipelines", func(r chi.Router) {
		r.Put("/", s.handleSavePipeline)
		r.Get("/", s.handleListPipelines)
		r.Get("/{id}", s.handleGetPipeline)
		r.Post("/{id}/execute", s.handleExecute)
		r.Post("/{id}/steps/{index}/execute", s.handleExecuteStep)
	})

	s.router.Get("/executions/{id}/trace", s.handleTrace)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSaveNode(w http.ResponseWriter, r *http.Request) {
	var def domain.NodeDefinition
	if err := s.decode(w, r, &def); err != nil {
		s.metrics.RecordDefinitionSave("node", "invalid")
		writeError(w, err)
		return
	}
	if _, err := s.engine.Builder.BuildNode(def); err != nil {
		s.metrics.RecordDefinitionSave("node", "invalid")
		writeError(w, err)
		return
	}

	saved, err := s.store.SaveNode(r.Context(), def)
	if err != nil {
		s.metrics.RecordDefinitionSave("node", "error")
		s.logger.Error("save node failed", "node_id", def.UUID, "error", err)
		writeError(w, err)
		return
	}
	// Any cached pipeline may reference the node.
	s.engine.Pipelines.Invalidate()
	s.metrics.RecordDefinitionSave("node", "ok")
	s.logger.Info("node saved", "node_id", saved.UUID, "name", saved.Name)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleSavePipeline(w http.ResponseWriter, r *http.Request) {
	var def domain.PipelineDefinition
	if err := s.decode(w, r, &def); err != nil {
		s.metrics.RecordDefinitionSave("pipeline", "invalid")
		writeError(w, err)
		return
	}
	// Building resolves every node and hook, so a pipeline that saves is one
	// that can execute.
	if _, err := s.engine.Builder.Build(r.Context(), def); err != nil {
		s.metrics.RecordDefinitionSave("pipeline", "invalid")
		if !errors.Is(err, domain.ErrConstruction) {
			s.logger.Error("validate pipeline failed", "pipeline_id", def.UUID, "error", err)
		}
		writeError(w, err)
		return
	}

	saved, err := s.store.SavePipeline(r.Context(), def)
	if err != nil {
		s.metrics.RecordDefinitionSave("pipeline", "error")
		s.logger.Error("save pipeline failed", "pipeline_id", def.UUID, "error", err)
		writeError(w, err)
		return
	}
	s.engine.Pipelines.Invalidate(saved.UUID)
	s.metrics.RecordDefinitionSave("pipeline", "ok")
	s.logger.Info("pipeline saved", "pipeline_id", saved.UUID, "name", saved.Name, "steps", len(saved.Steps))
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := s.store.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	initial, err := s.decodeInitial(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	start := time.Now()
	res, err := s.engine.Executor.ExecutePipeline(r.Context(), id, initial)
	s.respondExecution(w, r, id, res, err, time.Since(start))
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %q", ErrInvalidStepIndex, chi.URLParam(r, "index")))
		return
	}
	initial, err := s.decodeInitial(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	start := time.Now()
	res, err := s.engine.Executor.ExecutePipelineStep(r.Context(), id, index, initial)
	s.respondExecution(w, r, id, res, err, time.Since(start))
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, ok := s.engine.Executor.Trace(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", ErrTraceNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, TraceResponse{ExecutionID: id, Trace: entries})
}

func (s *Server) respondExecution(w http.ResponseWriter, r *http.Request, pipelineID string, res *engine.ExecutionResult, err error, elapsed time.Duration) {
	resp := NewExecuteResponse(pipelineID, res, err, r.URL.Query().Get("trace") == "true")
	s.metrics.RecordExecution(pipelineID, string(resp.State), errorCode(err), elapsed)
	writeJSON(w, statusFor(err), resp)
}

// NewExecuteResponse shapes an execution outcome for callers. The trace is
// attached when withTrace is set or the execution failed.
func NewExecuteResponse(pipelineID string, res *engine.ExecutionResult, err error, withTrace bool) ExecuteResponse {
	resp := ExecuteResponse{
		Error:        toErrorResponse(err),
		PipelineUUID: pipelineID,
	}
	if res == nil {
		return resp
	}
	resp.Results = res.Results
	resp.ExecutionID = res.ExecutionID
	resp.State = res.State
	resp.StepIndex = res.StepIndex
	if err != nil || withTrace {
		resp.Trace = res.Trace
	}
	return resp
}

// decode reads a JSON body into dst, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

// decodeInitial reads the initial data context. An empty body means no data.
func (s *Server) decodeInitial(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var initial map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(&initial); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return initial, nil
}
