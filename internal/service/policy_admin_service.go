package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mandategate/mandategate/internal/domain/ident"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
)

// PolicyAdminService manages the policy CRUD surface.
type PolicyAdminService struct {
	policies policy.Store
	logger   *slog.Logger
}

// NewPolicyAdminService creates the policy admin service.
func NewPolicyAdminService(policies policy.Store, logger *slog.Logger) *PolicyAdminService {
	return &PolicyAdminService{policies: policies, logger: logger}
}

// validateAuthority rejects malformed tool patterns and negative limits
// before they reach the store. Composition and the engine assume stored
// authorities are well-formed.
func validateAuthority(a *mandate.Authority) error {
	for _, p := range a.AllowedTools {
		if err := mandate.ValidatePattern(p); err != nil {
			return fmt.Errorf("allowedTools %q: %w", p, err)
		}
	}
	for _, p := range a.DeniedTools {
		if err := mandate.ValidatePattern(p); err != nil {
			return fmt.Errorf("deniedTools %q: %w", p, err)
		}
	}
	for _, f := range []*float64{a.MaxCostTotal, a.MaxCostPerCall, a.MaxCognitionCost, a.MaxExecutionCost} {
		if f != nil && *f < 0 {
			return fmt.Errorf("negative cost limit %v", *f)
		}
	}
	if rl := a.RateLimit; rl != nil && (rl.MaxCalls < 0 || rl.WindowMs <= 0) {
		return fmt.Errorf("invalid rate limit %d/%dms", rl.MaxCalls, rl.WindowMs)
	}
	for name, tp := range a.ToolPolicies {
		if err := mandate.ValidatePattern(name); err != nil {
			return fmt.Errorf("toolPolicies key %q: %w", name, err)
		}
		for _, f := range []*float64{tp.Cost, tp.MaxCostPerCall} {
			if f != nil && *f < 0 {
				return fmt.Errorf("toolPolicies %q: negative cost limit", name)
			}
		}
		if rl := tp.RateLimit; rl != nil && (rl.MaxCalls < 0 || rl.WindowMs <= 0) {
			return fmt.Errorf("toolPolicies %q: invalid rate limit", name)
		}
	}
	return nil
}

// Create mints a policy ID and stores version 1.
func (s *PolicyAdminService) Create(ctx context.Context, name, description string, authority mandate.Authority) (*policy.Policy, error) {
	if err := validateAuthority(&authority); err != nil {
		return nil, err
	}
	p := &policy.Policy{
		PolicyID:    ident.NewPolicyID(),
		Name:        name,
		Description: description,
		Authority:   authority,
	}
	if err := s.policies.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	s.logger.Info("policy created", "policy_id", p.PolicyID)
	return p, nil
}

// Update inserts a new version and deactivates the previous one. Mandates
// already referencing older versions are unaffected.
func (s *PolicyAdminService) Update(ctx context.Context, policyID, name, description string, authority mandate.Authority) (*policy.Policy, error) {
	if err := validateAuthority(&authority); err != nil {
		return nil, err
	}
	p, err := s.policies.InsertNewVersion(ctx, policyID, name, description, authority)
	if err != nil {
		return nil, err
	}
	s.logger.Info("policy updated", "policy_id", policyID, "version", p.Version)
	return p, nil
}

// Get returns a policy: the latest active version, or an exact version when
// version > 0.
func (s *PolicyAdminService) Get(ctx context.Context, policyID string, version int) (*policy.Policy, error) {
	if version > 0 {
		return s.policies.GetVersion(ctx, policyID, version)
	}
	return s.policies.GetLatestActive(ctx, policyID)
}

// List returns the latest version of every policy.
func (s *PolicyAdminService) List(ctx context.Context, activeOnly bool) ([]policy.Policy, error) {
	return s.policies.List(ctx, activeOnly)
}

// Delete soft-deletes: all versions, or only the given version when > 0.
func (s *PolicyAdminService) Delete(ctx context.Context, policyID string, version int) error {
	if err := s.policies.Deactivate(ctx, policyID, version); err != nil {
		return err
	}
	s.logger.Info("policy deactivated", "policy_id", policyID, "version", version)
	return nil
}
