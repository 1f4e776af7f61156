package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
)

// ExpressionEvaluator evaluates optional rule expression conditions.
type ExpressionEvaluator interface {
	EvaluateExpression(ctx context.Context, expr, agentID string, reqCtx map[string]string) (bool, error)
}

// MatchResult pairs a matched rule with the resolved latest-active version
// of its target policy.
type MatchResult struct {
	Rule   rule.Rule
	Policy policy.Policy
}

// RuleEvalService evaluates the active rule set against an issuance request.
type RuleEvalService struct {
	rules    rule.Store
	policies policy.Store
	expr     ExpressionEvaluator
	logger   *slog.Logger
}

// NewRuleEvalService creates the rule evaluator. expr may be nil; rules with
// expression conditions then never match.
func NewRuleEvalService(rules rule.Store, policies policy.Store, expr ExpressionEvaluator, logger *slog.Logger) *RuleEvalService {
	return &RuleEvalService{rules: rules, policies: policies, expr: expr, logger: logger}
}

// Evaluate returns the matched (rule, policy) pairs for an agent and
// context, in the store's deterministic order. The same inputs against the
// same rule table always produce the same result in the same order.
//
// Matching is fail-closed end to end: an out-of-scope rule, a failed
// condition, a failed or erroring expression, and a rule whose target policy
// has no active version all contribute nothing.
func (s *RuleEvalService) Evaluate(ctx context.Context, agentID string, reqCtx map[string]string) ([]MatchResult, error) {
	active, err := s.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	var out []MatchResult
	for i := range active {
		r := &active[i]
		if !r.Universal() && !r.ScopedTo(agentID) {
			continue
		}
		if !r.Matches(reqCtx) {
			continue
		}
		if r.CELExpression != "" {
			if s.expr == nil {
				continue
			}
			ok, err := s.expr.EvaluateExpression(ctx, r.CELExpression, agentID, reqCtx)
			if err != nil {
				s.logger.Warn("rule expression evaluation failed",
					"rule_id", r.RuleID, "rule_version", r.Version, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		p, err := s.policies.GetLatestActive(ctx, r.PolicyID)
		if errors.Is(err, policy.ErrNotFound) {
			s.logger.Warn("matched rule targets a policy with no active version",
				"rule_id", r.RuleID, "policy_id", r.PolicyID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve policy %s: %w", r.PolicyID, err)
		}
		out = append(out, MatchResult{Rule: *r, Policy: *p})
	}
	return out, nil
}
