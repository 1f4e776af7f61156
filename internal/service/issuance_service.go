package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/domain/ident"
	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// ErrForbidden is returned when an agent touches another agent's resources.
var ErrForbidden = errors.New("forbidden")

// IssuanceService runs the end-to-end mandate issuance pipeline.
type IssuanceService struct {
	agents   agent.Store
	kills    agent.KillStore
	mandates mandate.Store
	rules    *RuleEvalService
	audits   audit.Store
	logger   *slog.Logger
	now      func() time.Time
	// reuse returns an existing equivalent mandate instead of minting a
	// new one when the agent re-asks with the same context.
	reuse bool
}

// IssuanceOption configures the IssuanceService.
type IssuanceOption func(*IssuanceService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuanceOption {
	return func(s *IssuanceService) { s.now = now }
}

// WithoutReuse disables the read-through lookup; every issue call mints a
// fresh mandate.
func WithoutReuse() IssuanceOption {
	return func(s *IssuanceService) { s.reuse = false }
}

// NewIssuanceService creates the issuance orchestrator.
func NewIssuanceService(agents agent.Store, kills agent.KillStore, mandates mandate.Store,
	rules *RuleEvalService, audits audit.Store, logger *slog.Logger, opts ...IssuanceOption) *IssuanceService {
	s := &IssuanceService{
		agents:   agents,
		kills:    kills,
		mandates: mandates,
		rules:    rules,
		audits:   audits,
		logger:   logger,
		now:      time.Now,
		reuse:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue validates the agent, sanitises the context, evaluates rules,
// composes the effective authority, and persists a fresh mandate. Zero
// matched rules still issue: the composed authority is fail-closed, so the
// mandate authorises nothing.
func (s *IssuanceService) Issue(ctx context.Context, agentID string, reqCtx map[string]string) (*mandate.Mandate, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	// Kill outranks mere inactivity: killing flips the status too, and a
	// killed agent must hear "killed", not "inactive".
	if _, err := s.kills.Get(ctx, agentID); err == nil {
		return nil, agent.ErrKilled
	} else if !errors.Is(err, agent.ErrNotFound) {
		return nil, fmt.Errorf("check kill registry: %w", err)
	}
	if !a.Active() {
		return nil, agent.ErrInactive
	}

	clean, err := mandate.SanitizeContext(reqCtx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if s.reuse {
		if existing, err := s.mandates.FindByAgentAndContext(ctx, agentID, clean, now); err == nil {
			return existing, nil
		} else if !errors.Is(err, mandate.ErrNotFound) {
			return nil, fmt.Errorf("mandate lookup: %w", err)
		}
	}

	matches, err := s.rules.Evaluate(ctx, agentID, clean)
	if err != nil {
		return nil, err
	}

	authorities := make([]mandate.Authority, 0, len(matches))
	ruleRefs := make([]mandate.RuleRef, 0, len(matches))
	policyRefs := make([]mandate.PolicyRef, 0, len(matches))
	ruleNames := make([]string, 0, len(matches))
	for _, match := range matches {
		authorities = append(authorities, match.Policy.Authority)
		ruleRefs = append(ruleRefs, mandate.RuleRef{RuleID: match.Rule.RuleID, RuleVersion: match.Rule.Version})
		policyRefs = append(policyRefs, mandate.PolicyRef{PolicyID: match.Policy.PolicyID, PolicyVersion: match.Policy.Version})
		ruleNames = append(ruleNames, match.Rule.RuleID)
	}

	effective, err := mandate.Compose(authorities)
	if err != nil {
		return nil, fmt.Errorf("compose authority: %w", err)
	}

	m := &mandate.Mandate{
		ID:              ident.NewMandateID(),
		AgentID:         agentID,
		Context:         clean,
		Authority:       effective,
		MatchedRules:    ruleRefs,
		AppliedPolicies: policyRefs,
		IssuedAt:        now,
		ExpiresAt:       now.Add(mandate.TTL),
		SchemaVersion:   mandate.SchemaVersion,
	}
	if err := s.mandates.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("persist mandate: %w", err)
	}

	s.logger.Info("mandate issued",
		"mandate_id", m.ID, "agent_id", agentID,
		"matched_rules", len(ruleRefs), "expires_at", m.ExpiresAt)

	if err := s.audits.Append(ctx, &audit.Record{
		Timestamp:    now,
		AgentID:      agentID,
		MandateID:    m.ID,
		ActionType:   "mandate_issued",
		Decision:     audit.DecisionAllow,
		Reason:       "issued",
		Context:      clean,
		MatchedRules: ruleNames,
	}); err != nil {
		s.logger.Warn("audit append failed", "mandate_id", m.ID, "error", err)
	}
	return m, nil
}

// Get returns a non-expired mandate, enforcing that only the owning agent
// can read it.
func (s *IssuanceService) Get(ctx context.Context, mandateID, requesterID string) (*mandate.Mandate, error) {
	m, err := s.mandates.FindOne(ctx, mandateID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if m.AgentID != requesterID {
		// Indistinguishable from missing so mandate IDs cannot be probed.
		return nil, mandate.ErrNotFound
	}
	return m, nil
}
