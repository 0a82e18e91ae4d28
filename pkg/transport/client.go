// Package transport performs the outbound HTTP call of a pipeline node.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTimeout bounds a single node call.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps how much of a response body is read.
	DefaultMaxResponseBytes int64 = 10 << 20
)

// Request is one resolved node call.
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Body        any
	ContentType string
	Auth        domain.Authentication
}

// Response is a successful (status < 400) node call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Error is returned for failed calls. StatusCode is zero when no response was
// received.
type Error struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "transport failure"
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Unwrap exposes the error kind and the underlying cause.
func (e *Error) Unwrap() []error {
	kind := domain.ErrTransport
	if e.StatusCode != 0 {
		kind = domain.ErrHTTPStatus
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// StatusCodeOf returns the status carried by a transport error, or zero.
func StatusCodeOf(err error) int {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}

// Client performs node calls.
type Client interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Config configures the HTTP client.
type Config struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	// Transport is the base round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// HTTPClient is the net/http implementation of Client.
type HTTPClient struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewHTTPClient creates an instrumented client.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(cfg.Transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "node.call " + r.Method
				}),
			),
		},
		maxBytes: cfg.MaxResponseBytes,
		logger:   cfg.Logger,
	}
}

// Send performs the call. Responses with status >= 400 are returned as *Error.
func (c *HTTPClient) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Method, req.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode payload: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" && req.ContentType != "" {
		httpReq.Header.Set("Accept", req.ContentType)
	}
	applyAuth(httpReq, req.Auth)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Debug("node call failed", "method", req.Method, "url", req.URL, "error", err)
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, &Error{StatusCode: 0, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &Error{StatusCode: resp.StatusCode, Body: raw}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: raw}, nil
}

func encodeBody(method string, payload any) (io.Reader, error) {
	if payload == nil {
		return nil, nil
	}
	switch v := payload.(type) {
	case string:
		if v == "" && (method == http.MethodGet || method == http.MethodHead) {
			return nil, nil
		}
		return strings.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	case json.RawMessage:
		return bytes.NewReader(v), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func applyAuth(r *http.Request, auth domain.Authentication) {
	switch auth.Kind {
	case domain.AuthBasic:
		r.SetBasicAuth(auth.Username, auth.Password)
	case domain.AuthToken:
		r.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}
