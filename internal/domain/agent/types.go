// Package agent contains domain types for registered agents and the kill
// registry.
package agent

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for agent operations.
var (
	// ErrNotFound is returned when no agent matches the lookup.
	ErrNotFound = errors.New("agent not found")
	// ErrInactive is returned when an operation requires an active agent.
	ErrInactive = errors.New("agent is not active")
	// ErrKilled is returned when an operation is refused because the agent
	// has a kill entry.
	ErrKilled = errors.New("agent is killed")
	// ErrDuplicateKey is returned when a key hash collides on registration.
	ErrDuplicateKey = errors.New("api key hash already registered")
)

// Status is the agent lifecycle status.
type Status string

const (
	// StatusActive marks an agent that may be issued mandates.
	StatusActive Status = "active"
	// StatusInactive marks a soft-deleted or killed agent.
	StatusInactive Status = "inactive"
)

// Environment tags where an agent runs.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ValidEnvironment reports whether e is a known environment tag.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Agent is a registered principal. The raw API key is returned exactly once
// at registration; only KeyHash is ever stored.
type Agent struct {
	ID          string            `json:"agentId"`
	Name        string            `json:"name"`
	KeyHash     string            `json:"-"`
	Owner       string            `json:"owner,omitempty"`
	Environment Environment       `json:"environment"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Active reports whether the agent may be issued mandates.
func (a *Agent) Active() bool { return a.Status == StatusActive }

// KillEntry records that an agent is killed. Existence implies killed.
type KillEntry struct {
	AgentID  string    `json:"agentId"`
	KilledAt time.Time `json:"killedAt"`
	Reason   string    `json:"reason,omitempty"`
	KilledBy string    `json:"killedBy,omitempty"`
}

// Store persists agents.
type Store interface {
	// Insert registers a new agent. Returns ErrDuplicateKey when the key
	// hash is already registered.
	Insert(ctx context.Context, a *Agent) error
	// Get returns an agent by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Agent, error)
	// GetByKeyHash returns the agent owning the hashed API key, or ErrNotFound.
	// The key hash column is indexed; this is the authentication hot path.
	GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error)
	// List returns all agents.
	List(ctx context.Context) ([]Agent, error)
	// Update persists mutable fields (name, owner, metadata, status).
	Update(ctx context.Context, a *Agent) error
	// SetStatus flips the agent status.
	SetStatus(ctx context.Context, id string, status Status) error
}

// KillStore persists kill entries.
type KillStore interface {
	// Upsert inserts or refreshes a kill entry. Idempotent.
	Upsert(ctx context.Context, e *KillEntry) error
	// Get returns the kill entry for an agent, or ErrNotFound.
	Get(ctx context.Context, agentID string) (*KillEntry, error)
	// Delete removes the kill entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, agentID string) error
}
