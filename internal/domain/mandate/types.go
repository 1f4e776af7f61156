// Package mandate contains domain types for authority envelopes: the limits
// a policy grants, the composition of those limits, and the issued mandate
// that freezes them for a request context.
package mandate

import (
	"errors"
	"time"
)

// SchemaVersion is the current mandate schema version.
const SchemaVersion = 1

// TTL is the lifetime of an issued mandate.
const TTL = 5 * time.Minute

// Sentinel errors for mandate operations.
var (
	// ErrNotFound is returned for unknown or expired mandates.
	ErrNotFound = errors.New("mandate not found")
	// ErrInvalidContext is returned when the issuance context fails validation.
	ErrInvalidContext = errors.New("invalid context")
	// ErrInvalidPattern is returned when a tool glob pattern is malformed.
	ErrInvalidPattern = errors.New("invalid tool pattern")
)

// RateLimit bounds call frequency over a sliding window.
type RateLimit struct {
	// MaxCalls is the number of calls permitted per window.
	MaxCalls int `json:"maxCalls"`
	// WindowMs is the window width in milliseconds.
	WindowMs int64 `json:"windowMs"`
}

// ToolPolicy is the per-tool sub-authority inside an Authority.
type ToolPolicy struct {
	// Allowed explicitly permits or denies the tool. Nil means inherit from
	// the allowed/denied tool lists.
	Allowed *bool `json:"allowed,omitempty"`
	// Cost is a fixed cost override applied at settlement when the action
	// reports no actual cost.
	Cost *float64 `json:"cost,omitempty"`
	// MaxCostPerCall caps the estimated cost of a single call to this tool.
	MaxCostPerCall *float64 `json:"maxCostPerCall,omitempty"`
	// RateLimit bounds calls to this tool specifically.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

// ExecutionLimits bounds how tool executions may run.
type ExecutionLimits struct {
	// MaxDurationMs caps wall-clock duration of a single execution.
	MaxDurationMs *int64 `json:"maxDurationMs,omitempty"`
	// MaxRetries caps retry attempts per action.
	MaxRetries *int `json:"maxRetries,omitempty"`
	// MaxConcurrency caps simultaneous in-flight executions.
	MaxConcurrency *int `json:"maxConcurrency,omitempty"`
}

// ModelConfig bounds which models may be used and how.
type ModelConfig struct {
	// AllowedModels is the whitelist of model identifiers. Nil means any;
	// an empty non-nil slice denies every model, so the field never carries
	// omitempty.
	AllowedModels []string `json:"allowedModels"`
	// MaxTokens caps tokens per completion request.
	MaxTokens *int `json:"maxTokens,omitempty"`
	// Temperature caps the sampling temperature.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Authority is the set of declarative limits inside a policy, and the result
// of composing several policies into one effective grant.
//
// Numeric fields are pointers: nil means the limit is undefined (unlimited),
// which composes differently from zero. AllowedTools distinguishes nil
// (no whitelist) from an empty non-nil slice (deny-all-by-whitelist), so it
// must serialize without omitempty: omitempty would collapse the empty
// slice to absent and turn deny-all into no-whitelist on the way back in.
type Authority struct {
	MaxCostTotal     *float64              `json:"maxCostTotal,omitempty"`
	MaxCostPerCall   *float64              `json:"maxCostPerCall,omitempty"`
	MaxCognitionCost *float64              `json:"maxCognitionCost,omitempty"`
	MaxExecutionCost *float64              `json:"maxExecutionCost,omitempty"`
	RateLimit        *RateLimit            `json:"rateLimit,omitempty"`
	AllowedTools     []string              `json:"allowedTools"`
	DeniedTools      []string              `json:"deniedTools,omitempty"`
	ToolPolicies     map[string]ToolPolicy `json:"toolPolicies,omitempty"`
	ExecutionLimits  *ExecutionLimits      `json:"executionLimits,omitempty"`
	ModelConfig      *ModelConfig          `json:"modelConfig,omitempty"`
}

// RuleRef pins the exact rule version matched at issuance.
type RuleRef struct {
	RuleID      string `json:"ruleId"`
	RuleVersion int    `json:"ruleVersion"`
}

// PolicyRef pins the exact policy version applied at issuance.
type PolicyRef struct {
	PolicyID      string `json:"policyId"`
	PolicyVersion int    `json:"policyVersion"`
}

// Mandate is a time-bounded, immutable record of the authority granted for a
// specific context. It is a historical fact: it never mutates after write,
// and the version references continue to resolve to the same rule and policy
// content regardless of later edits.
type Mandate struct {
	ID              string            `json:"mandateId"`
	AgentID         string            `json:"agentId"`
	Context         map[string]string `json:"context"`
	Authority       Authority         `json:"effectiveAuthority"`
	MatchedRules    []RuleRef         `json:"matchedRules"`
	AppliedPolicies []PolicyRef       `json:"appliedPolicies"`
	IssuedAt        time.Time         `json:"issuedAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	SchemaVersion   int               `json:"version"`
}

// Expired reports whether the mandate has passed its expiry at the given time.
func (m *Mandate) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}
