package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mandategate/mandategate/internal/domain/audit"
)

type auditRecordRequest struct {
	Timestamp      time.Time         `json:"timestamp"`
	MandateID      string            `json:"mandateId"`
	ActionID       string            `json:"actionId"`
	ActionType     string            `json:"actionType" validate:"required,max=100"`
	ToolName       string            `json:"toolName" validate:"max=200"`
	Decision       string            `json:"decision" validate:"required,oneof=ALLOW BLOCK"`
	Reason         string            `json:"reason" validate:"max=1000"`
	EstimatedCost  float64           `json:"estimatedCost" validate:"gte=0"`
	ActualCost     float64           `json:"actualCost" validate:"gte=0"`
	CumulativeCost float64           `json:"cumulativeCost" validate:"gte=0"`
	Context        map[string]string `json:"context"`
	MatchedRules   []string          `json:"matchedRules"`
	Metadata       map[string]string `json:"metadata"`
}

// toRecord builds the record for the authenticated agent. The agent ID is
// always the caller's; any agent ID in the payload is ignored.
func (req *auditRecordRequest) toRecord(agentID string) *audit.Record {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &audit.Record{
		Timestamp:      ts,
		AgentID:        agentID,
		MandateID:      req.MandateID,
		ActionID:       req.ActionID,
		ActionType:     req.ActionType,
		ToolName:       req.ToolName,
		Decision:       audit.Decision(req.Decision),
		Reason:         req.Reason,
		EstimatedCost:  req.EstimatedCost,
		ActualCost:     req.ActualCost,
		CumulativeCost: req.CumulativeCost,
		Context:        req.Context,
		MatchedRules:   req.MatchedRules,
		Metadata:       req.Metadata,
	}
}

func (s *Server) handleAppendAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req auditRecordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.audits.Append(r.Context(), req.toRecord(caller.ID)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.metrics.Decisions.WithLabelValues(req.Decision).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type auditBulkRequest struct {
	Records []auditRecordRequest `json:"records" validate:"required,min=1,max=500,dive"`
}

func (s *Server) handleAppendAuditBulk(w http.ResponseWriter, r *http.Request) {
	caller, ok := AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req auditBulkRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	for i := range req.Records {
		if err := s.audits.Append(r.Context(), req.Records[i].toRecord(caller.ID)); err != nil {
			writeDomainError(w, err)
			return
		}
		s.metrics.Decisions.WithLabelValues(req.Records[i].Decision).Inc()
	}
	// Bulk appends flush synchronously: the batch is durable when the
	// response goes out, and a follow-up query reads its own writes.
	if err := s.audits.Flush(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(req.Records)})
}

// handleQueryAudit returns the caller's own records. from is inclusive, to
// is exclusive.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := AgentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		AgentID:    caller.ID,
		ActionType: q.Get("actionType"),
		Decision:   audit.Decision(q.Get("decision")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		filter.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	records, err := s.audits.Query(r.Context(), &filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}
