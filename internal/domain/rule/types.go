// Package rule contains domain types for versioned context-match rules and
// their condition evaluation logic.
package rule

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for rule store operations.
var (
	// ErrNotFound is returned when no rule matches the lookup.
	ErrNotFound = errors.New("rule not found")
	// ErrConflict is returned when a concurrent update wins the version race.
	ErrConflict = errors.New("rule version conflict")
)

// MatchMode determines how a rule's conditions combine.
type MatchMode string

const (
	// MatchAll requires every condition to hold (AND).
	MatchAll MatchMode = "AND"
	// MatchAny requires at least one condition to hold (OR).
	MatchAny MatchMode = "OR"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Condition is a single context comparison. For the "in" operator the
// candidate set goes in Values; every other operator compares against Value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// Rule maps matching contexts to a target policy. Versioning follows the
// policy store: updates insert a new version and deactivate the old one.
type Rule struct {
	RuleID  string `json:"ruleId"`
	Version int    `json:"version"`
	Name    string `json:"name"`
	// Conditions evaluate against the sanitised issuance context.
	Conditions []Condition `json:"conditions"`
	MatchMode  MatchMode   `json:"matchMode"`
	// AgentIDs scopes the rule; nil or empty means universal.
	AgentIDs []string `json:"agentIds,omitempty"`
	// PolicyID is the target policy granted when the rule matches.
	PolicyID string `json:"policyId"`
	// CELExpression is an optional expression condition evaluated against
	// the context in addition to the structured conditions.
	CELExpression string    `json:"celExpression,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Universal reports whether the rule applies to every agent.
func (r *Rule) Universal() bool { return len(r.AgentIDs) == 0 }

// ScopedTo reports whether agentID appears in the rule's scope list.
func (r *Rule) ScopedTo(agentID string) bool {
	for _, id := range r.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Store persists versioned rules.
type Store interface {
	// Insert writes version 1 of a new rule.
	Insert(ctx context.Context, r *Rule) error

	// InsertNewVersion transactionally deactivates the latest version and
	// inserts version latest+1. Returns ErrNotFound for unknown rules and
	// ErrConflict when a concurrent update wins the race.
	InsertNewVersion(ctx context.Context, r *Rule) (*Rule, error)

	// GetLatestActive returns the newest active version, or ErrNotFound.
	GetLatestActive(ctx context.Context, ruleID string) (*Rule, error)

	// GetVersion returns an exact version, active or not, or ErrNotFound.
	GetVersion(ctx context.Context, ruleID string, version int) (*Rule, error)

	// ListActive returns the latest active version of every rule in the
	// deterministic evaluation order: version descending, then rule ID
	// ascending. This ordering is the reproducibility tiebreaker for
	// issuance and must be stable across calls.
	ListActive(ctx context.Context) ([]Rule, error)

	// List returns the latest version of every rule, active or not.
	List(ctx context.Context) ([]Rule, error)

	// Deactivate marks every version of the rule inactive (soft delete).
	Deactivate(ctx context.Context, ruleID string) error
}
