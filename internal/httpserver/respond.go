package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// KindErrorResponse is the error envelope surfaced for a tagged *errs.Error:
// a stable kind, a message, optional field-level details, and the
// correlation id matching the server log entry — the shape every failure
// exposes per the operator API contract.
type KindErrorResponse struct {
	Kind          string            `json:"kind"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// RespondErr writes err using its *errs.Error Kind to choose the status
// code. An error that did not originate as an *errs.Error is surfaced as an
// internal error with no detail leaked to the client; logger (if non-nil)
// records the underlying cause either way.
func RespondErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := errs.KindOf(err)
	message := "an internal error occurred"
	var details map[string]string
	var correlationID string

	var e *errs.Error
	if errors.As(err, &e) {
		message = e.Message
		details = e.Details
		correlationID = e.CorrelationID
	}

	if kind == errs.KindInternal && logger != nil {
		logger.Error("internal error", "error", err, "correlation_id", correlationID)
	}

	Respond(w, kind.HTTPStatus(), KindErrorResponse{
		Kind:          string(kind),
		Message:       message,
		Details:       details,
		CorrelationID: correlationID,
	})
}
