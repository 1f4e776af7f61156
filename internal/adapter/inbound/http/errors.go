// Package http provides the HTTP transport adapter for the mandate service.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
	"github.com/mandategate/mandategate/internal/service"
)

// ErrorResponse is the error envelope shared by every endpoint. Message is a
// string for single errors and an array for validation errors.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    any    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message any) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

// writeDomainError maps domain and service errors onto the envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, rule.ErrNotFound),
		errors.Is(err, mandate.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrKilled):
		writeError(w, http.StatusForbidden, "agent is killed")
	case errors.Is(err, agent.ErrInactive):
		writeError(w, http.StatusForbidden, "agent is not active")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, agent.ErrDuplicateKey),
		errors.Is(err, policy.ErrConflict),
		errors.Is(err, rule.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mandate.ErrInvalidContext),
		errors.Is(err, mandate.ErrInvalidPattern):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
