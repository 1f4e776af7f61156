package http

import (
	"net/http"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

type issueMandateRequest struct {
	Context map[string]string `json:"context"`
}

type issueMandateResponse struct {
	MandateID          string            `json:"mandateId"`
	EffectiveAuthority mandate.Authority `json:"effectiveAuthority"`
	ExpiresAt          time.Time         `json:"expiresAt"`
}

// handleIssueMandate issues for the authenticated agent only. The agent ID
// comes from the bearer key, never from the payload.
func (s *Server) handleIssueMandate(w http.ResponseWriter, r *http.Request) {
	caller, ok := AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req issueMandateRequest
	if r.ContentLength > 0 && !decodeAndValidate(w, r, &req) {
		return
	}
	m, err := s.issuance.Issue(r.Context(), caller.ID, req.Context)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.metrics.MandatesIssued.Inc()
	writeJSON(w, http.StatusCreated, issueMandateResponse{
		MandateID:          m.ID,
		EffectiveAuthority: m.Authority,
		ExpiresAt:          m.ExpiresAt,
	})
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	caller, ok := AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	m, err := s.issuance.Get(r.Context(), r.PathValue("id"), caller.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
