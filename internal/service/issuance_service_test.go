package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mandategate/mandategate/internal/adapter/outbound/memory"
	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
)

type issuanceFixture struct {
	agents   *memory.AgentStore
	kills    *memory.KillStore
	mandates *memory.MandateStore
	policies *memory.PolicyStore
	rules    *memory.RuleStore
	audits   *memory.AuditStore
	svc      *IssuanceService
}

func newIssuanceFixture(t *testing.T, opts ...IssuanceOption) *issuanceFixture {
	t.Helper()
	f := &issuanceFixture{
		agents:   memory.NewAgentStore(),
		kills:    memory.NewKillStore(),
		mandates: memory.NewMandateStore(),
		policies: memory.NewPolicyStore(),
		rules:    memory.NewRuleStore(),
		audits:   memory.NewAuditStore(),
	}
	eval := NewRuleEvalService(f.rules, f.policies, nil, testLogger)
	f.svc = NewIssuanceService(f.agents, f.kills, f.mandates, eval, f.audits, testLogger, opts...)
	return f
}

func (f *issuanceFixture) addAgent(t *testing.T, id string, status agent.Status) {
	t.Helper()
	err := f.agents.Insert(context.Background(), &agent.Agent{
		ID: id, Name: id, KeyHash: "hash-" + id, Environment: agent.EnvDevelopment, Status: status,
	})
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
}

func (f *issuanceFixture) addPolicyAndRule(t *testing.T, budget float64, conditions ...rule.Condition) {
	t.Helper()
	ctx := context.Background()
	p := &policy.Policy{PolicyID: "pol-1", Name: "p", Authority: mandate.Authority{MaxCostTotal: &budget}}
	if err := f.policies.Insert(ctx, p); err != nil {
		t.Fatalf("insert policy: %v", err)
	}
	r := &rule.Rule{RuleID: "rul-1", Name: "r", PolicyID: "pol-1", Conditions: conditions}
	if err := f.rules.Insert(ctx, r); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
}

func TestIssueHappyPath(t *testing.T) {
	f := newIssuanceFixture(t)
	f.addAgent(t, "agt-1", agent.StatusActive)
	f.addPolicyAndRule(t, 50, rule.Condition{Field: "task_type", Operator: rule.OpEqual, Value: "research"})

	m, err := f.svc.Issue(context.Background(), "agt-1", map[string]string{"task_type": "research"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if m.AgentID != "agt-1" || m.SchemaVersion != mandate.SchemaVersion {
		t.Errorf("mandate = %+v", m)
	}
	if m.Authority.MaxCostTotal == nil || *m.Authority.MaxCostTotal != 50 {
		t.Errorf("authority = %+v", m.Authority)
	}
	if len(m.MatchedRules) != 1 || m.MatchedRules[0].RuleID != "rul-1" {
		t.Errorf("matched rules = %v", m.MatchedRules)
	}
	if got := m.ExpiresAt.Sub(m.IssuedAt); got != mandate.TTL {
		t.Errorf("lifetime = %v, want %v", got, mandate.TTL)
	}
	if f.audits.Len() != 1 {
		t.Errorf("audit records = %d, want 1", f.audits.Len())
	}
}

func TestIssueZeroMatchesIsFailClosed(t *testing.T) {
	f := newIssuanceFixture(t)
	f.addAgent(t, "agt-1", agent.StatusActive)
	// No rules at all. Issuance still succeeds; the mandate authorises nothing.
	m, err := f.svc.Issue(context.Background(), "agt-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	a := m.Authority
	if a.MaxCostTotal == nil || *a.MaxCostTotal != 0 {
		t.Errorf("MaxCostTotal = %v, want 0", a.MaxCostTotal)
	}
	if a.AllowedTools == nil || len(a.AllowedTools) != 0 {
		t.Errorf("AllowedTools = %v, want empty non-nil", a.AllowedTools)
	}
	if len(a.DeniedTools) != 1 || a.DeniedTools[0] != "*" {
		t.Errorf("DeniedTools = %v", a.DeniedTools)
	}
}

func TestIssueRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown agent", func(t *testing.T) {
		f := newIssuanceFixture(t)
		if _, err := f.svc.Issue(ctx, "agt-missing", nil); !errors.Is(err, agent.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("inactive agent", func(t *testing.T) {
		f := newIssuanceFixture(t)
		f.addAgent(t, "agt-1", agent.StatusInactive)
		if _, err := f.svc.Issue(ctx, "agt-1", nil); !errors.Is(err, agent.ErrInactive) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("killed agent", func(t *testing.T) {
		f := newIssuanceFixture(t)
		f.addAgent(t, "agt-1", agent.StatusActive)
		f.kills.Upsert(ctx, &agent.KillEntry{AgentID: "agt-1", KilledAt: time.Now()})
		if _, err := f.svc.Issue(ctx, "agt-1", nil); !errors.Is(err, agent.ErrKilled) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("bad context", func(t *testing.T) {
		f := newIssuanceFixture(t)
		f.addAgent(t, "agt-1", agent.StatusActive)
		_, err := f.svc.Issue(ctx, "agt-1", map[string]string{"task": "<script>"})
		if !errors.Is(err, mandate.ErrInvalidContext) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestIssueReusesEquivalentMandate(t *testing.T) {
	f := newIssuanceFixture(t)
	f.addAgent(t, "agt-1", agent.StatusActive)
	f.addPolicyAndRule(t, 50)
	ctx := context.Background()
	reqCtx := map[string]string{"task_type": "research"}

	first, err := f.svc.Issue(ctx, "agt-1", reqCtx)
	if err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	second, err := f.svc.Issue(ctx, "agt-1", reqCtx)
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same context minted a new mandate: %s vs %s", second.ID, first.ID)
	}

	// A different context always mints fresh.
	third, err := f.svc.Issue(ctx, "agt-1", map[string]string{"task_type": "billing"})
	if err != nil {
		t.Fatalf("third Issue: %v", err)
	}
	if third.ID == first.ID {
		t.Error("different context reused a mandate")
	}
}

func TestIssueWithoutReuseMintsFresh(t *testing.T) {
	f := newIssuanceFixture(t, WithoutReuse())
	f.addAgent(t, "agt-1", agent.StatusActive)
	f.addPolicyAndRule(t, 50)
	ctx := context.Background()

	first, _ := f.svc.Issue(ctx, "agt-1", nil)
	second, _ := f.svc.Issue(ctx, "agt-1", nil)
	if first == nil || second == nil || first.ID == second.ID {
		t.Errorf("reuse disabled but IDs match: %v %v", first, second)
	}
}

func TestIssuePicksUpPolicyUpdates(t *testing.T) {
	f := newIssuanceFixture(t, WithoutReuse())
	f.addAgent(t, "agt-1", agent.StatusActive)
	f.addPolicyAndRule(t, 50)
	ctx := context.Background()

	wider := 80.0
	if _, err := f.policies.InsertNewVersion(ctx, "pol-1", "p", "", mandate.Authority{MaxCostTotal: &wider}); err != nil {
		t.Fatalf("InsertNewVersion: %v", err)
	}

	m, err := f.svc.Issue(ctx, "agt-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if m.Authority.MaxCostTotal == nil || *m.Authority.MaxCostTotal != 80 {
		t.Errorf("authority after policy update = %+v", m.Authority)
	}
	if len(m.AppliedPolicies) != 1 || m.AppliedPolicies[0].PolicyVersion != 2 {
		t.Errorf("applied policies = %v", m.AppliedPolicies)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newIssuanceFixture(t)
	f.addAgent(t, "agt-1", agent.StatusActive)
	ctx := context.Background()

	m, err := f.svc.Issue(ctx, "agt-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := f.svc.Get(ctx, m.ID, "agt-1")
	if err != nil || got.ID != m.ID {
		t.Errorf("owner read = %v, %v", got, err)
	}
	// Another agent's read is indistinguishable from a missing mandate.
	if _, err := f.svc.Get(ctx, m.ID, "agt-2"); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("foreign read = %v", err)
	}
	if _, err := f.svc.Get(ctx, "mnd-missing", "agt-1"); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("missing read = %v", err)
	}
}
