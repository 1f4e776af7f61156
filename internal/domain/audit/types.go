// Package audit contains domain types for the append-only decision log.
package audit

import (
	"context"
	"time"
)

// Decision is the outcome recorded for an action attempt.
type Decision string

const (
	// DecisionAllow marks an action that passed every check.
	DecisionAllow Decision = "ALLOW"
	// DecisionBlock marks an action refused by a check.
	DecisionBlock Decision = "BLOCK"
)

// Record is one audit log entry. Records are append-only; nothing updates or
// deletes them after Append returns.
type Record struct {
	ID         int64     `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agentId"`
	MandateID  string    `json:"mandateId,omitempty"`
	ActionID   string    `json:"actionId,omitempty"`
	ActionType string    `json:"actionType"`
	ToolName   string    `json:"toolName,omitempty"`
	Decision   Decision  `json:"decision"`
	// Reason is the rejection code for blocks, or a short outcome tag for
	// allows ("committed", "settled").
	Reason         string            `json:"reason,omitempty"`
	EstimatedCost  float64           `json:"estimatedCost,omitempty"`
	ActualCost     float64           `json:"actualCost,omitempty"`
	CumulativeCost float64           `json:"cumulativeCost,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	MatchedRules   []string          `json:"matchedRules,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Filter narrows an audit query. Zero-value fields are not applied. The time
// range is half-open: [From, To).
type Filter struct {
	AgentID    string
	ActionType string
	Decision   Decision
	From       time.Time
	To         time.Time
	// Limit caps the number of returned records; the store clamps it to
	// MaxQueryLimit and applies DefaultQueryLimit when zero.
	Limit int
}

const (
	// DefaultQueryLimit applies when a query gives no limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the hard cap on a single query's result size.
	MaxQueryLimit = 1000
)

// EffectiveLimit resolves the filter's limit against the defaults.
func (f *Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// Match reports whether a record passes the filter, ignoring Limit.
func (f *Filter) Match(r *Record) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.Decision != "" && r.Decision != f.Decision {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Store is the audit log port. Append must be safe to call from request
// handlers; implementations buffer and flush asynchronously.
type Store interface {
	// Append queues a record for persistence. Losing records under
	// sustained overload is acceptable; blocking the caller is not.
	Append(ctx context.Context, r *Record) error

	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f *Filter) ([]Record, error)

	// Flush forces buffered records to the backing store.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}
