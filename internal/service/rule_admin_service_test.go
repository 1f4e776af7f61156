package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mandategate/mandategate/internal/adapter/outbound/memory"
	"github.com/mandategate/mandategate/internal/domain/ident"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/rule"
)

// fakeExprValidator accepts or rejects every expression.
type fakeExprValidator struct{ err error }

func (f *fakeExprValidator) ValidateExpression(expr string) error { return f.err }

type ruleAdminFixture struct {
	policies *memory.PolicyStore
	rules    *memory.RuleStore
	svc      *RuleAdminService
	policyID string
}

func newRuleAdminFixture(t *testing.T, exprs ExpressionValidator) *ruleAdminFixture {
	t.Helper()
	f := &ruleAdminFixture{
		policies: memory.NewPolicyStore(),
		rules:    memory.NewRuleStore(),
	}
	padmin := NewPolicyAdminService(f.policies, testLogger)
	p, err := padmin.Create(context.Background(), "target", "", mandate.Authority{})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	f.policyID = p.PolicyID
	f.svc = NewRuleAdminService(f.rules, f.policies, exprs, testLogger)
	return f
}

func TestRuleCreate(t *testing.T) {
	f := newRuleAdminFixture(t, nil)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, &rule.Rule{
		Name:     "research tasks",
		PolicyID: f.policyID,
		Conditions: []rule.Condition{
			{Field: "task_type", Operator: rule.OpEqual, Value: "research"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(r.RuleID, ident.RulePrefix) || r.Version != 1 {
		t.Errorf("created = %+v", r)
	}
	if r.MatchMode != rule.MatchAll {
		t.Errorf("default match mode = %q", r.MatchMode)
	}
}

func TestRuleValidation(t *testing.T) {
	f := newRuleAdminFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		rule rule.Rule
	}{
		{"missing policy", rule.Rule{Name: "r"}},
		{"unknown policy", rule.Rule{Name: "r", PolicyID: "policy-missing"}},
		{"unknown match mode", rule.Rule{Name: "r", PolicyID: f.policyID, MatchMode: "XOR"}},
		{"condition without field", rule.Rule{Name: "r", PolicyID: f.policyID,
			Conditions: []rule.Condition{{Operator: rule.OpEqual, Value: "x"}}}},
		{"unknown operator", rule.Rule{Name: "r", PolicyID: f.policyID,
			Conditions: []rule.Condition{{Field: "f", Operator: "~=", Value: "x"}}}},
		{"in without values", rule.Rule{Name: "r", PolicyID: f.policyID,
			Conditions: []rule.Condition{{Field: "f", Operator: rule.OpIn}}}},
		{"expression without evaluator", rule.Rule{Name: "r", PolicyID: f.policyID,
			CELExpression: `context.tier == "2"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			if _, err := f.svc.Create(ctx, &r); err == nil {
				t.Error("invalid rule accepted")
			}
		})
	}
}

func TestRuleExpressionValidation(t *testing.T) {
	good := newRuleAdminFixture(t, &fakeExprValidator{})
	ctx := context.Background()

	if _, err := good.svc.Create(ctx, &rule.Rule{
		Name: "r", PolicyID: good.policyID, CELExpression: `context.tier == "2"`,
	}); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}

	bad := newRuleAdminFixture(t, &fakeExprValidator{err: errors.New("compile error")})
	if _, err := bad.svc.Create(ctx, &rule.Rule{
		Name: "r", PolicyID: bad.policyID, CELExpression: "nonsense ===",
	}); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestRuleUpdateAndDelete(t *testing.T) {
	f := newRuleAdminFixture(t, nil)
	ctx := context.Background()

	r, err := f.svc.Create(ctx, &rule.Rule{Name: "r", PolicyID: f.policyID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := *r
	next.Name = "r v2"
	v2, err := f.svc.Update(ctx, &next)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v2.Version != 2 || v2.Name != "r v2" {
		t.Errorf("updated = %+v", v2)
	}

	if err := f.svc.Delete(ctx, r.RuleID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, r.RuleID); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("deleted rule still resolvable: %v", err)
	}
}
