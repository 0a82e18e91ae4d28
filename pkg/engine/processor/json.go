package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/extract"
	"github.com/polisai/polis-flow/pkg/engine/interpolate"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"github.com/polisai/polis-flow/pkg/transport"
	"github.com/tidwall/gjson"
)

// JSONProcessor calls JSON HTTP nodes.
type JSONProcessor struct {
	client transport.Client
	logger *slog.Logger
}

// NewJSONProcessor creates the built-in JSON/HTTP processor.
func NewJSONProcessor(client transport.Client, logger *slog.Logger) *JSONProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONProcessor{client: client, logger: logger}
}

// CanProcess accepts nodes with a JSON content type.
func (p *JSONProcessor) CanProcess(step *domain.Step) bool {
	return step != nil && step.Node != nil && IsJSON(step.Node.ContentType)
}

// ProcessStep performs one interpolate, call, extract and classify cycle.
func (p *JSONProcessor) ProcessStep(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, data domain.DataContext) (runtime.StepResult, []domain.TraceEntry, error) {
	node := step.Node
	var entries []domain.TraceEntry
	fail := func(kind error, message string, status int, cause error, traceMsg string) (runtime.StepResult, []domain.TraceEntry, error) {
		stepErr := &domain.StepError{
			Kind:       kind,
			Pipeline:   pipeline.DisplayName(),
			Step:       step.Name,
			Node:       node.DisplayName(),
			StatusCode: status,
			Message:    message,
			Err:        cause,
		}
		entries = append(entries, domain.NewTraceEntry(pipeline, step, traceMsg).WithError(stepErr, status))
		p.logger.Debug("step failed",
			"pipeline", pipeline.DisplayName(),
			"step", step.Name,
			"node", node.DisplayName(),
			"status", status,
			"error", stepErr,
		)
		return runtime.Failure(data, status), entries, stepErr
	}

	scope := domain.DataContext(node.Data).Merge(data)
	req := transport.Request{
		Method:      node.Method,
		URL:         interpolate.String(node.URL, scope),
		Headers:     interpolate.Headers(node.Headers, scope),
		Body:        interpolate.Value(node.Payload, scope),
		ContentType: node.ContentType,
		Auth:        node.Authentication,
	}
	entries = append(entries, domain.NewTraceEntry(pipeline, step, domain.TraceRequestInitiated).WithData(map[string]any{
		"method":  req.Method,
		"url":     req.URL,
		"headers": telemetry.RedactHeaders(req.Headers),
		"payload": req.Body,
	}))

	resp, err := p.client.Send(ctx, req)
	if err != nil {
		status := transport.StatusCodeOf(err)
		switch {
		case status == http.StatusNotFound:
			return fail(domain.ErrHTTPStatus, domain.TraceResourceNotFound, status, err, domain.TraceResourceNotFound)
		case status == http.StatusInternalServerError:
			return fail(domain.ErrHTTPStatus, domain.TraceResourceError, status, err, domain.TraceResourceError)
		case status != 0:
			return fail(domain.ErrHTTPStatus, fmt.Sprintf("%s with status %d", domain.TraceRequestFailed, status), status, err, domain.TraceRequestFailed)
		default:
			return fail(domain.ErrTransport, err.Error(), 0, err, domain.TraceTransportError)
		}
	}

	var body any
	if len(strings.TrimSpace(string(resp.Body))) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return fail(domain.ErrExtraction, "response is not valid JSON", resp.StatusCode, err, domain.TraceExtractionFailed)
		}
	}

	descriptors := step.Descriptors()
	var output any
	if len(descriptors) == 1 && extract.IsTypeTag(descriptors[0].Source) {
		d := descriptors[0]
		if !extract.MatchesType(d.Source, body) {
			msg := fmt.Sprintf("response does not match type %q", strings.ToLower(strings.TrimSpace(d.Source)))
			return fail(domain.ErrExtraction, msg, resp.StatusCode, nil, domain.TraceExtractionFailed)
		}
		output = map[string]any{d.Destination: body}
	} else {
		output, err = extract.Extract(domain.ContentTypeJSON, body, descriptors)
		if err != nil {
			return fail(domain.ErrExtraction, err.Error(), resp.StatusCode, err, domain.TraceExtractionFailed)
		}
	}

	if indicator, ok := firstIndicator(resp.Body, node.ErrorIndicators); ok {
		msg := collectMessages(resp.Body, node.ErrorMessages)
		if msg == "" {
			msg = fmt.Sprintf("error indicated by %q", indicator)
		}
		return fail(domain.ErrBusiness, msg, resp.StatusCode, nil, domain.TraceBusinessError)
	}

	result := runtime.Success(data, output, resp.StatusCode)
	entries = append(entries,
		domain.NewTraceEntry(pipeline, step, domain.TraceResponseReceived).WithData(output).WithError(nil, resp.StatusCode),
		domain.NewTraceEntry(pipeline, step, domain.TraceStepCompleted),
	)
	return result, entries, nil
}

func firstIndicator(body []byte, indicators []string) (string, bool) {
	if len(indicators) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	for _, key := range indicators {
		if key == "" {
			continue
		}
		if truthy(gjson.GetBytes(body, key)) {
			return key, true
		}
	}
	return "", false
}

func truthy(res gjson.Result) bool {
	switch res.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return res.Num != 0
	case gjson.String:
		return res.Str != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}

func collectMessages(body []byte, keys []string) string {
	var parts []string
	for _, key := range keys {
		if key == "" {
			continue
		}
		res := gjson.GetBytes(body, key)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		if text := strings.TrimSpace(res.String()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "; ")
}
