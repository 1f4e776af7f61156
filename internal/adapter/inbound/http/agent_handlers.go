package http

import (
	"net/http"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
)

type createAgentRequest struct {
	Name        string            `json:"name" validate:"required,max=200"`
	Owner       string            `json:"owner" validate:"max=200"`
	Environment string            `json:"environment" validate:"required,oneof=development staging production"`
	Metadata    map[string]string `json:"metadata"`
}

type createAgentResponse struct {
	AgentID     string            `json:"agentId"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner,omitempty"`
	Environment string            `json:"environment"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// APIKey is returned exactly once, at registration.
	APIKey    string    `json:"apiKey"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	a, rawKey, err := s.agents.Register(r.Context(), req.Name, req.Owner, agent.Environment(req.Environment), req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAgentResponse{
		AgentID:     a.ID,
		Name:        a.Name,
		Owner:       a.Owner,
		Environment: string(a.Environment),
		Status:      string(a.Status),
		Metadata:    a.Metadata,
		APIKey:      rawKey,
		CreatedAt:   a.CreatedAt,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateAgentRequest struct {
	Name     string            `json:"name" validate:"max=200"`
	Owner    string            `json:"owner" validate:"max=200"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	a, err := s.agents.Update(r.Context(), r.PathValue("id"), req.Name, req.Owner, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type killAgentRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// handleKillAgent is self-only: an agent may kill itself but never another.
func (s *Server) handleKillAgent(w http.ResponseWriter, r *http.Request) {
	caller, _ := AgentFromContext(r.Context())
	targetID := r.PathValue("id")
	if caller == nil || caller.ID != targetID {
		writeError(w, http.StatusForbidden, "agents may only kill themselves")
		return
	}
	var req killAgentRequest
	if r.ContentLength > 0 && !decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.kills.Kill(r.Context(), targetID, req.Reason, caller.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.metrics.KillsTotal.Inc()
	writeJSON(w, http.StatusOK, entry)
}

type killStatusResponse struct {
	IsKilled bool       `json:"is_killed"`
	KilledAt *time.Time `json:"killed_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	KilledBy string     `json:"killed_by,omitempty"`
}

func (s *Server) handleKillStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.kills.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		// No entry means not killed; the agent itself may not even exist,
		// which this endpoint deliberately does not reveal.
		writeJSON(w, http.StatusOK, killStatusResponse{IsKilled: false})
		return
	}
	writeJSON(w, http.StatusOK, killStatusResponse{
		IsKilled: true,
		KilledAt: &entry.KilledAt,
		Reason:   entry.Reason,
		KilledBy: entry.KilledBy,
	})
}

// handleResurrectAgent is self-only like kill. The route uses the
// allow-inactive auth variant since a killed agent's status is inactive.
func (s *Server) handleResurrectAgent(w http.ResponseWriter, r *http.Request) {
	caller, _ := AgentFromContext(r.Context())
	targetID := r.PathValue("id")
	if caller == nil || caller.ID != targetID {
		writeError(w, http.StatusForbidden, "agents may only resurrect themselves")
		return
	}
	if err := s.kills.Resurrect(r.Context(), targetID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(agent.StatusActive)})
}
