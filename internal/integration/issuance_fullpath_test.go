// Package integration provides end-to-end tests that drive the issuance
// pipeline and the enforcement runtime together through their real wiring:
// services over memory stores, the composer, the engine, and the executor.
package integration

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mandategate/mandategate/internal/adapter/outbound/memory"
	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/rule"
	"github.com/mandategate/mandategate/internal/runtime"
	"github.com/mandategate/mandategate/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f64(v float64) *float64 { return &v }

// core wires the full service stack over memory stores, the way the serve
// command does over sqlite.
type core struct {
	agents   *service.AgentService
	policies *service.PolicyAdminService
	rules    *service.RuleAdminService
	issuance *service.IssuanceService
	kills    *service.KillService
	states   *memory.StateManager
	audits   *memory.AuditStore
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCore(t *testing.T, opts ...service.IssuanceOption) *core {
	t.Helper()
	logger := testLogger()
	agentStore := memory.NewAgentStore()
	killStore := memory.NewKillStore()
	policyStore := memory.NewPolicyStore()
	ruleStore := memory.NewRuleStore()
	mandateStore := memory.NewMandateStore()
	audits := memory.NewAuditStore()
	states := memory.NewStateManager()
	t.Cleanup(func() { _ = states.Close() })

	clock := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	eval := service.NewRuleEvalService(ruleStore, policyStore, nil, logger)
	issuance := service.NewIssuanceService(agentStore, killStore, mandateStore, eval, audits, logger,
		append([]service.IssuanceOption{service.WithClock(clock.Now)}, opts...)...)

	return &core{
		agents:   service.NewAgentService(agentStore, logger),
		policies: service.NewPolicyAdminService(policyStore, logger),
		rules:    service.NewRuleAdminService(ruleStore, policyStore, nil, logger),
		issuance: issuance,
		kills:    service.NewKillService(agentStore, killStore, []runtime.Manager{states}, audits, logger),
		states:   states,
		audits:   audits,
		clock:    clock,
	}
}

func (c *core) registerAgent(t *testing.T, name string) *agent.Agent {
	t.Helper()
	a, _, err := c.agents.Register(context.Background(), name, "integration", agent.EnvDevelopment, nil)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func (c *core) createPolicy(t *testing.T, name string, auth mandate.Authority) string {
	t.Helper()
	p, err := c.policies.Create(context.Background(), name, "", auth)
	if err != nil {
		t.Fatalf("create policy %s: %v", name, err)
	}
	return p.PolicyID
}

func (c *core) createRule(t *testing.T, name, policyID string, conds ...rule.Condition) string {
	t.Helper()
	r, err := c.rules.Create(context.Background(), &rule.Rule{
		Name:       name,
		Conditions: conds,
		MatchMode:  rule.MatchAll,
		PolicyID:   policyID,
	})
	if err != nil {
		t.Fatalf("create rule %s: %v", name, err)
	}
	return r.RuleID
}

// TestIssueHappyPath drives an active agent with one matching rule through
// issuance and checks the mandate and its audit trail.
func TestIssueHappyPath(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()
	a := c.registerAgent(t, "researcher")

	policyID := c.createPolicy(t, "free-tier", mandate.Authority{
		MaxCostTotal: f64(1.00),
		AllowedTools: []string{"web_search"},
	})
	ruleID := c.createRule(t, "free tier users", policyID,
		rule.Condition{Field: "user_tier", Operator: rule.OpEqual, Value: "free"})

	m, err := c.issuance.Issue(ctx, a.ID, map[string]string{"user_tier": "free"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if m.Authority.MaxCostTotal == nil || *m.Authority.MaxCostTotal != 1.00 {
		t.Errorf("maxCostTotal = %v, want 1.00", m.Authority.MaxCostTotal)
	}
	if len(m.Authority.AllowedTools) != 1 || m.Authority.AllowedTools[0] != "web_search" {
		t.Errorf("allowedTools = %v", m.Authority.AllowedTools)
	}
	if got := m.ExpiresAt.Sub(m.IssuedAt); got != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", got)
	}
	if len(m.MatchedRules) != 1 || m.MatchedRules[0].RuleID != ruleID || m.MatchedRules[0].RuleVersion != 1 {
		t.Errorf("matchedRules = %+v", m.MatchedRules)
	}
	if len(m.AppliedPolicies) != 1 || m.AppliedPolicies[0].PolicyID != policyID {
		t.Errorf("appliedPolicies = %+v", m.AppliedPolicies)
	}

	records, err := c.audits.Query(ctx, &audit.Filter{AgentID: a.ID, ActionType: "mandate_issued"})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(records) != 1 || records[0].Decision != audit.DecisionAllow {
		t.Errorf("issuance audit records = %+v", records)
	}
}

// TestIssueComposesDenyWins runs two matching rules whose policies overlap
// and verifies the composed authority plus the engine's enforcement of it.
func TestIssueComposesDenyWins(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()
	a := c.registerAgent(t, "worker")

	allowPolicy := c.createPolicy(t, "readers", mandate.Authority{
		MaxCostTotal: f64(5),
		AllowedTools: []string{"read_*", "send_email"},
	})
	denyPolicy := c.createPolicy(t, "no-secrets", mandate.Authority{
		MaxCostTotal: f64(8),
		DeniedTools:  []string{"read_secret"},
	})
	c.createRule(t, "readers", allowPolicy,
		rule.Condition{Field: "role", Operator: rule.OpEqual, Value: "reader"})
	c.createRule(t, "no secrets", denyPolicy,
		rule.Condition{Field: "role", Operator: rule.OpEqual, Value: "reader"})

	m, err := c.issuance.Issue(ctx, a.ID, map[string]string{"role": "reader"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// MIN on budgets, UNION on denials.
	if *m.Authority.MaxCostTotal != 5 {
		t.Errorf("maxCostTotal = %v, want MIN 5", *m.Authority.MaxCostTotal)
	}
	if len(m.Authority.DeniedTools) != 1 || m.Authority.DeniedTools[0] != "read_secret" {
		t.Errorf("deniedTools = %v", m.Authority.DeniedTools)
	}

	now := c.clock.Now()
	state := runtime.NewState()
	cases := []struct {
		tool string
		code runtime.Code
	}{
		{"send_email", ""},
		{"read_public", ""},
		{"read_secret", runtime.CodeToolDenied},
		{"write_file", runtime.CodeToolNotAllowed},
	}
	for _, tc := range cases {
		d := runtime.Evaluate(&runtime.Action{
			ID: "act-" + tc.tool, Type: runtime.ActionTypeTool, ToolName: tc.tool, EstimatedCost: 0.1,
		}, m, state, now)
		if tc.code == "" && !d.Allowed {
			t.Errorf("%s: blocked %s (%s), want allow", tc.tool, d.Code, d.Reason)
		}
		if tc.code != "" && (d.Allowed || d.Code != tc.code) {
			t.Errorf("%s: decision = %+v, want %s", tc.tool, d, tc.code)
		}
	}
}

// TestIssueNoMatchingRulesFailsClosed checks the zero-policy authority
// authorises nothing.
func TestIssueNoMatchingRulesFailsClosed(t *testing.T) {
	c := newCore(t)
	a := c.registerAgent(t, "stray")

	m, err := c.issuance.Issue(context.Background(), a.ID, map[string]string{"user_tier": "pro"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	d := runtime.Evaluate(&runtime.Action{
		ID: "act-1", Type: runtime.ActionTypeTool, ToolName: "anything", EstimatedCost: 0,
	}, m, runtime.NewState(), c.clock.Now())
	if d.Allowed || d.Code != runtime.CodeToolDenied {
		t.Errorf("decision = %+v, want TOOL_DENIED", d)
	}
}

// TestIssueReusesEquivalentMandate verifies the read-through lookup: same
// agent, same context, non-expired mandate comes back instead of a new mint.
func TestIssueReusesEquivalentMandate(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()
	a := c.registerAgent(t, "worker")
	reqCtx := map[string]string{"task": "summarise", "tier": "free"}

	first, err := c.issuance.Issue(ctx, a.ID, reqCtx)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, err := c.issuance.Issue(ctx, a.ID, reqCtx)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second issue minted %s, want reuse of %s", second.ID, first.ID)
	}

	// Key-set equality, not subset: an extra key misses the cache.
	third, err := c.issuance.Issue(ctx, a.ID, map[string]string{"task": "summarise", "tier": "free", "lang": "en"})
	if err != nil {
		t.Fatalf("third issue: %v", err)
	}
	if third.ID == first.ID {
		t.Error("different context reused the cached mandate")
	}

	// Expiry evicts: after the TTL the same context mints fresh.
	c.clock.Advance(mandate.TTL + time.Second)
	fourth, err := c.issuance.Issue(ctx, a.ID, reqCtx)
	if err != nil {
		t.Fatalf("fourth issue: %v", err)
	}
	if fourth.ID == first.ID {
		t.Error("expired mandate was reused")
	}
}

// TestMandateSurvivesPolicyUpdate pins the historical-stability invariant:
// editing a rule's policy after issuance neither changes the issued mandate
// nor breaks its version references.
func TestMandateSurvivesPolicyUpdate(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()
	a := c.registerAgent(t, "worker")

	policyID := c.createPolicy(t, "v1", mandate.Authority{MaxCostTotal: f64(3)})
	c.createRule(t, "all dev", policyID,
		rule.Condition{Field: "env", Operator: rule.OpEqual, Value: "dev"})

	m, err := c.issuance.Issue(ctx, a.ID, map[string]string{"env": "dev"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := c.policies.Update(ctx, policyID, "v2", "", mandate.Authority{MaxCostTotal: f64(99)}); err != nil {
		t.Fatalf("update policy: %v", err)
	}

	got, err := c.issuance.Get(ctx, m.ID, a.ID)
	if err != nil {
		t.Fatalf("get mandate: %v", err)
	}
	if *got.Authority.MaxCostTotal != 3 {
		t.Errorf("mandate authority changed after policy update: %v", *got.Authority.MaxCostTotal)
	}
	ref := got.AppliedPolicies[0]
	pinned, err := c.policies.Get(ctx, ref.PolicyID, ref.PolicyVersion)
	if err != nil {
		t.Fatalf("resolve pinned version: %v", err)
	}
	if *pinned.Authority.MaxCostTotal != 3 {
		t.Errorf("pinned version authority = %v, want 3", *pinned.Authority.MaxCostTotal)
	}

	// A fresh issuance picks up the new version.
	fresh, err := c.issuance.Issue(ctx, a.ID, map[string]string{"env": "dev", "attempt": "2"})
	if err != nil {
		t.Fatalf("fresh issue: %v", err)
	}
	if *fresh.Authority.MaxCostTotal != 99 {
		t.Errorf("fresh authority = %v, want 99", *fresh.Authority.MaxCostTotal)
	}
}

// TestIssueRejectsAdversarialContext checks sanitisation guards the pipeline.
func TestIssueRejectsAdversarialContext(t *testing.T) {
	c := newCore(t)
	a := c.registerAgent(t, "worker")

	bad := []map[string]string{
		{"user tier": "free"},
		{"tier": "free'; DROP TABLE rules--"},
		{"tier": "<script>"},
	}
	for _, reqCtx := range bad {
		if _, err := c.issuance.Issue(context.Background(), a.ID, reqCtx); err == nil {
			t.Errorf("context %v accepted", reqCtx)
		}
	}
}

// TestScopedRuleFailsClosed verifies that a rule scoped to an inactive agent
// is skipped entirely.
func TestScopedRuleFailsClosed(t *testing.T) {
	c := newCore(t)
	ctx := context.Background()
	a := c.registerAgent(t, "worker")
	ghost := c.registerAgent(t, "ghost")
	if err := c.agents.Deactivate(ctx, ghost.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	policyID := c.createPolicy(t, "scoped", mandate.Authority{MaxCostTotal: f64(2)})
	r, err := c.rules.Create(ctx, &rule.Rule{
		Name:      "scoped to ghost and worker",
		MatchMode: rule.MatchAll,
		AgentIDs:  []string{a.ID, ghost.ID},
		PolicyID:  policyID,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	m, err := c.issuance.Issue(ctx, a.ID, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, ref := range m.MatchedRules {
		if ref.RuleID == r.RuleID {
			t.Error("rule scoped to an inactive agent still matched")
		}
	}
	if m.Authority.MaxCostTotal == nil || *m.Authority.MaxCostTotal != 0 {
		t.Errorf("authority = %+v, want fail-closed", m.Authority)
	}
}
