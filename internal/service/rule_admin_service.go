package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mandategate/mandategate/internal/domain/ident"
	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
)

// ExpressionValidator checks expression conditions at rule write time.
type ExpressionValidator interface {
	ValidateExpression(expr string) error
}

// RuleAdminService manages the rule CRUD surface.
type RuleAdminService struct {
	rules    rule.Store
	policies policy.Store
	exprs    ExpressionValidator
	logger   *slog.Logger
}

// NewRuleAdminService creates the rule admin service. exprs may be nil;
// rules with expression conditions are then rejected.
func NewRuleAdminService(rules rule.Store, policies policy.Store, exprs ExpressionValidator, logger *slog.Logger) *RuleAdminService {
	return &RuleAdminService{rules: rules, policies: policies, exprs: exprs, logger: logger}
}

var validOperators = map[rule.Operator]bool{
	rule.OpEqual: true, rule.OpNotEqual: true, rule.OpIn: true, rule.OpContains: true,
	rule.OpGreater: true, rule.OpLess: true, rule.OpGreaterEqual: true, rule.OpLessEqual: true,
}

func (s *RuleAdminService) validate(ctx context.Context, r *rule.Rule) error {
	if r.PolicyID == "" {
		return errors.New("rule requires a target policy")
	}
	if _, err := s.policies.GetLatestActive(ctx, r.PolicyID); err != nil {
		return fmt.Errorf("target policy %s: %w", r.PolicyID, err)
	}
	switch r.MatchMode {
	case rule.MatchAll, rule.MatchAny, "":
	default:
		return fmt.Errorf("unknown match mode %q", r.MatchMode)
	}
	for _, c := range r.Conditions {
		if c.Field == "" {
			return errors.New("condition requires a field")
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
		if c.Operator == rule.OpIn && len(c.Values) == 0 {
			return fmt.Errorf("operator %q requires values", c.Operator)
		}
	}
	if r.CELExpression != "" {
		if s.exprs == nil {
			return errors.New("expression conditions are not enabled")
		}
		if err := s.exprs.ValidateExpression(r.CELExpression); err != nil {
			return err
		}
	}
	return nil
}

// Create mints a rule ID and stores version 1.
func (s *RuleAdminService) Create(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	if err := s.validate(ctx, r); err != nil {
		return nil, err
	}
	if r.MatchMode == "" {
		r.MatchMode = rule.MatchAll
	}
	r.RuleID = ident.NewRuleID()
	if err := s.rules.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Info("rule created", "rule_id", r.RuleID, "policy_id", r.PolicyID)
	return r, nil
}

// Update inserts a new version and deactivates the previous one.
func (s *RuleAdminService) Update(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	if err := s.validate(ctx, r); err != nil {
		return nil, err
	}
	if r.MatchMode == "" {
		r.MatchMode = rule.MatchAll
	}
	next, err := s.rules.InsertNewVersion(ctx, r)
	if err != nil {
		return nil, err
	}
	s.logger.Info("rule updated", "rule_id", next.RuleID, "version", next.Version)
	return next, nil
}

// Get returns the latest active version of a rule.
func (s *RuleAdminService) Get(ctx context.Context, ruleID string) (*rule.Rule, error) {
	return s.rules.GetLatestActive(ctx, ruleID)
}

// List returns rules: all of them, or only active ones.
func (s *RuleAdminService) List(ctx context.Context, activeOnly bool) ([]rule.Rule, error) {
	if activeOnly {
		return s.rules.ListActive(ctx)
	}
	return s.rules.List(ctx)
}

// Delete soft-deletes every version of the rule.
func (s *RuleAdminService) Delete(ctx context.Context, ruleID string) error {
	if err := s.rules.Deactivate(ctx, ruleID); err != nil {
		return err
	}
	s.logger.Info("rule deactivated", "rule_id", ruleID)
	return nil
}
