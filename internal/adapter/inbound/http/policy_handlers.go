package http

import (
	"net/http"
	"strconv"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

type policyRequest struct {
	Name        string            `json:"name" validate:"required,max=200"`
	Description string            `json:"description" validate:"max=1000"`
	Authority   mandate.Authority `json:"authority"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := s.policies.Create(r.Context(), req.Name, req.Description, req.Authority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.policies.List(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

// queryVersion parses an optional ?version=N parameter. Zero means latest.
func queryVersion(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return 0, false
	}
	return v, true
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	version, ok := queryVersion(w, r)
	if !ok {
		return
	}
	p, err := s.policies.Get(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := s.policies.Update(r.Context(), r.PathValue("id"), req.Name, req.Description, req.Authority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	version, ok := queryVersion(w, r)
	if !ok {
		return
	}
	if err := s.policies.Delete(r.Context(), r.PathValue("id"), version); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
