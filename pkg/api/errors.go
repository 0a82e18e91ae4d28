package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/storage"
)

// Sentinel errors for request handling.
var (
	// ErrInvalidBody indicates the request body is not valid JSON for the endpoint.
	ErrInvalidBody = errors.New("invalid request body")

	// ErrInvalidStepIndex indicates the step index path parameter is not an integer.
	ErrInvalidStepIndex = errors.New("invalid step index")

	// ErrTraceNotFound indicates no trace is retained for the execution id.
	ErrTraceNotFound = errors.New("trace not found")
)

// statusClientClosedRequest is the nginx convention for a client that went away.
const statusClientClosedRequest = 499

type errorBody struct {
	Error domain.ErrorResponse `json:"error"`
}

// errorCode extends domain.KindOf with the API's own failures.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBody), errors.Is(err, ErrInvalidStepIndex):
		return "bad_request"
	case errors.Is(err, ErrTraceNotFound):
		return "trace_not_found"
	case errors.Is(err, storage.ErrNotFound):
		if kind := domain.KindOf(err); kind != "internal" {
			return kind
		}
		return "not_found"
	default:
		return domain.KindOf(err)
	}
}

// statusFor maps an error onto an HTTP status. Node failures during an
// execution are reported as 502 since the fault lies with the called resource.
func statusFor(err error) int {
	switch errorCode(err) {
	case "ok":
		return http.StatusOK
	case "bad_request", "construction":
		return http.StatusBadRequest
	case "pipeline_not_found", "node_not_found", "trace_not_found", "not_found":
		return http.StatusNotFound
	case "transport", "http_status":
		return http.StatusBadGateway
	case "business", "extraction", "aggregation_config", "hook", "no_processor":
		return http.StatusUnprocessableEntity
	default:
		if errors.Is(err, context.Canceled) {
			return statusClientClosedRequest
		}
		return http.StatusInternalServerError
	}
}

func toErrorResponse(err error) *domain.ErrorResponse {
	if err == nil {
		return nil
	}
	return &domain.ErrorResponse{Code: errorCode(err), Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: *toErrorResponse(err)})
}
