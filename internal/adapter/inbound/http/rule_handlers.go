package http

import (
	"net/http"

	"github.com/mandategate/mandategate/internal/domain/rule"
)

type ruleRequest struct {
	Name          string           `json:"name" validate:"required,max=200"`
	Conditions    []rule.Condition `json:"conditions"`
	MatchMode     string           `json:"matchMode" validate:"omitempty,oneof=AND OR"`
	AgentIDs      []string         `json:"agentIds"`
	PolicyID      string           `json:"policyId" validate:"required"`
	CELExpression string           `json:"celExpression" validate:"max=1024"`
}

func (req *ruleRequest) toRule() *rule.Rule {
	return &rule.Rule{
		Name:          req.Name,
		Conditions:    req.Conditions,
		MatchMode:     rule.MatchMode(req.MatchMode),
		AgentIDs:      req.AgentIDs,
		PolicyID:      req.PolicyID,
		CELExpression: req.CELExpression,
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	created, err := s.rules.Create(r.Context(), req.toRule())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.rules.List(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	got, err := s.rules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	next := req.toRule()
	next.RuleID = r.PathValue("id")
	updated, err := s.rules.Update(r.Context(), next)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
