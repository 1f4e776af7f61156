// Package policy contains domain types for versioned authority templates.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// Sentinel errors for policy store operations.
var (
	// ErrNotFound is returned when no policy matches the lookup.
	ErrNotFound = errors.New("policy not found")
	// ErrConflict is returned when a concurrent update wins the version race.
	ErrConflict = errors.New("policy version conflict")
)

// Policy is a named, versioned authority template. A (PolicyID, Version)
// pair is immutable once written: updates insert a new version and
// deactivate the old one, and every version remains readable for audit.
type Policy struct {
	PolicyID    string            `json:"policyId"`
	Version     int               `json:"version"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Authority   mandate.Authority `json:"authority"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Store persists versioned policies.
type Store interface {
	// Insert writes version 1 of a new policy.
	Insert(ctx context.Context, p *Policy) error

	// InsertNewVersion transactionally locks the latest version row,
	// deactivates it, and inserts version latest+1 with the given content.
	// Returns the inserted policy, ErrNotFound when the policy does not
	// exist, or ErrConflict when a concurrent update wins the race.
	InsertNewVersion(ctx context.Context, policyID string, name, description string, authority mandate.Authority) (*Policy, error)

	// GetLatestActive returns the newest active version, or ErrNotFound.
	GetLatestActive(ctx context.Context, policyID string) (*Policy, error)

	// GetVersion returns an exact version, active or not, or ErrNotFound.
	// Historical versions back issued mandates and must stay byte-stable.
	GetVersion(ctx context.Context, policyID string, version int) (*Policy, error)

	// List returns the latest version of every policy; when activeOnly is
	// set, inactive policies are skipped.
	List(ctx context.Context, activeOnly bool) ([]Policy, error)

	// Deactivate marks every version of the policy inactive (soft delete).
	// When version > 0, only that version is deactivated.
	Deactivate(ctx context.Context, policyID string, version int) error
}
