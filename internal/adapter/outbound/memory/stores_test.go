package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
)

var tbase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAgentStoreDuplicateKeyHash(t *testing.T) {
	s := NewAgentStore()
	ctx := context.Background()

	a := &agent.Agent{ID: "agt-1", Name: "researcher", KeyHash: "hash-1", Status: agent.StatusActive}
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := &agent.Agent{ID: "agt-2", Name: "other", KeyHash: "hash-1"}
	if err := s.Insert(ctx, dup); !errors.Is(err, agent.ErrDuplicateKey) {
		t.Errorf("duplicate key hash err = %v", err)
	}

	got, err := s.GetByKeyHash(ctx, "hash-1")
	if err != nil || got.ID != "agt-1" {
		t.Errorf("GetByKeyHash = %v, %v", got, err)
	}
}

func TestAgentStoreUpdateKeepsImmutables(t *testing.T) {
	s := NewAgentStore()
	ctx := context.Background()
	created := tbase

	a := &agent.Agent{ID: "agt-1", Name: "researcher", KeyHash: "hash-1", CreatedAt: created}
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	upd := &agent.Agent{ID: "agt-1", Name: "renamed", KeyHash: "tampered", CreatedAt: tbase.Add(time.Hour)}
	if err := s.Update(ctx, upd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "agt-1")
	if got.Name != "renamed" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.KeyHash != "hash-1" || !got.CreatedAt.Equal(created) {
		t.Errorf("immutable fields changed: %+v", got)
	}
}

func TestAgentStoreSetStatus(t *testing.T) {
	s := NewAgentStore()
	ctx := context.Background()

	if err := s.SetStatus(ctx, "missing", agent.StatusInactive); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("SetStatus on missing agent = %v", err)
	}
	s.Insert(ctx, &agent.Agent{ID: "agt-1", KeyHash: "h", Status: agent.StatusActive})
	if err := s.SetStatus(ctx, "agt-1", agent.StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := s.Get(ctx, "agt-1")
	if got.Status != agent.StatusInactive {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestKillStoreLifecycle(t *testing.T) {
	s := NewKillStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "agt-1"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("empty registry Get = %v", err)
	}
	e := &agent.KillEntry{AgentID: "agt-1", Reason: "runaway", KilledAt: tbase}
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Get(ctx, "agt-1")
	if err != nil || got.Reason != "runaway" {
		t.Errorf("Get = %v, %v", got, err)
	}
	if err := s.Delete(ctx, "agt-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "agt-1"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("post-delete Get = %v", err)
	}
}

func TestPolicyStoreVersionChain(t *testing.T) {
	s := NewPolicyStore()
	ctx := context.Background()
	budget := 10.0

	p := &policy.Policy{PolicyID: "pol-1", Name: "research", Authority: mandate.Authority{MaxCostTotal: &budget}}
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if p.Version != 1 || !p.Active {
		t.Fatalf("inserted policy = %+v", p)
	}
	if err := s.Insert(ctx, &policy.Policy{PolicyID: "pol-1"}); !errors.Is(err, policy.ErrConflict) {
		t.Errorf("reinsert err = %v", err)
	}

	bigger := 20.0
	v2, err := s.InsertNewVersion(ctx, "pol-1", "research", "wider budget", mandate.Authority{MaxCostTotal: &bigger})
	if err != nil {
		t.Fatalf("InsertNewVersion: %v", err)
	}
	if v2.Version != 2 || !v2.Active {
		t.Errorf("v2 = %+v", v2)
	}

	latest, err := s.GetLatestActive(ctx, "pol-1")
	if err != nil || latest.Version != 2 {
		t.Errorf("GetLatestActive = %v, %v", latest, err)
	}
	old, err := s.GetVersion(ctx, "pol-1", 1)
	if err != nil || old.Active {
		t.Errorf("superseded version must be inactive: %v, %v", old, err)
	}
}

func TestPolicyStoreDeactivate(t *testing.T) {
	s := NewPolicyStore()
	ctx := context.Background()

	s.Insert(ctx, &policy.Policy{PolicyID: "pol-1", Name: "n"})
	if err := s.Deactivate(ctx, "pol-1", 0); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := s.GetLatestActive(ctx, "pol-1"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("deactivated policy still resolvable: %v", err)
	}
	active, _ := s.List(ctx, true)
	if len(active) != 0 {
		t.Errorf("active list = %v", active)
	}
	all, _ := s.List(ctx, false)
	if len(all) != 1 {
		t.Errorf("full list = %v", all)
	}
}

func TestRuleStoreListActiveOrder(t *testing.T) {
	s := NewRuleStore()
	ctx := context.Background()

	s.Insert(ctx, &rule.Rule{RuleID: "rul-b", Name: "b", PolicyID: "pol-1"})
	s.Insert(ctx, &rule.Rule{RuleID: "rul-a", Name: "a", PolicyID: "pol-1"})
	if _, err := s.InsertNewVersion(ctx, &rule.Rule{RuleID: "rul-b", Name: "b2", PolicyID: "pol-1"}); err != nil {
		t.Fatalf("InsertNewVersion: %v", err)
	}

	rules, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len = %d", len(rules))
	}
	// Higher version first, rule ID breaks ties.
	if rules[0].RuleID != "rul-b" || rules[0].Version != 2 {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].RuleID != "rul-a" || rules[1].Version != 1 {
		t.Errorf("rules[1] = %+v", rules[1])
	}
}

func TestRuleStoreDeactivateExcludesFromActive(t *testing.T) {
	s := NewRuleStore()
	ctx := context.Background()

	s.Insert(ctx, &rule.Rule{RuleID: "rul-1", Name: "n", PolicyID: "pol-1"})
	if err := s.Deactivate(ctx, "rul-1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	rules, _ := s.ListActive(ctx)
	if len(rules) != 0 {
		t.Errorf("ListActive after deactivate = %v", rules)
	}
	if _, err := s.GetLatestActive(ctx, "rul-1"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("GetLatestActive = %v", err)
	}
}

func TestMandateStoreExpiry(t *testing.T) {
	s := NewMandateStore()
	ctx := context.Background()

	m := &mandate.Mandate{ID: "mnd-1", AgentID: "agt-1", IssuedAt: tbase, ExpiresAt: tbase.Add(5 * time.Minute)}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.FindOne(ctx, "mnd-1", tbase.Add(time.Minute)); err != nil {
		t.Errorf("live mandate not found: %v", err)
	}
	if _, err := s.FindOne(ctx, "mnd-1", tbase.Add(time.Hour)); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("expired mandate served: %v", err)
	}
}

func TestMandateStoreFindByAgentAndContext(t *testing.T) {
	s := NewMandateStore()
	ctx := context.Background()

	older := &mandate.Mandate{ID: "mnd-1", AgentID: "agt-1",
		Context:   map[string]string{"task_type": "research"},
		IssuedAt:  tbase, ExpiresAt: tbase.Add(5 * time.Minute)}
	newer := &mandate.Mandate{ID: "mnd-2", AgentID: "agt-1",
		Context:   map[string]string{"task_type": "research"},
		IssuedAt:  tbase.Add(time.Minute), ExpiresAt: tbase.Add(6 * time.Minute)}
	other := &mandate.Mandate{ID: "mnd-3", AgentID: "agt-1",
		Context:   map[string]string{"task_type": "billing"},
		IssuedAt:  tbase, ExpiresAt: tbase.Add(5 * time.Minute)}
	for _, m := range []*mandate.Mandate{older, newer, other} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert %s: %v", m.ID, err)
		}
	}

	got, err := s.FindByAgentAndContext(ctx, "agt-1",
		map[string]string{"task_type": "research"}, tbase.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("FindByAgentAndContext: %v", err)
	}
	if got.ID != "mnd-2" {
		t.Errorf("got %s, want the newest matching mandate", got.ID)
	}

	if _, err := s.FindByAgentAndContext(ctx, "agt-1",
		map[string]string{"task_type": "support"}, tbase); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("unmatched context = %v", err)
	}
}

func TestAuditStoreQuery(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()

	recs := []audit.Record{
		{Timestamp: tbase, AgentID: "agt-1", ActionType: "tool", Decision: audit.DecisionAllow},
		{Timestamp: tbase.Add(time.Minute), AgentID: "agt-1", ActionType: "tool", Decision: audit.DecisionBlock},
		{Timestamp: tbase.Add(2 * time.Minute), AgentID: "agt-2", ActionType: "tool", Decision: audit.DecisionAllow},
	}
	if err := s.AppendBatch(ctx, recs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	out, err := s.Query(ctx, &audit.Filter{AgentID: "agt-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].Timestamp.After(out[1].Timestamp) {
		t.Error("results not newest first")
	}

	blocked, _ := s.Query(ctx, &audit.Filter{Decision: audit.DecisionBlock})
	if len(blocked) != 1 || blocked[0].AgentID != "agt-1" {
		t.Errorf("decision filter = %v", blocked)
	}

	limited, _ := s.Query(ctx, &audit.Filter{Limit: 1})
	if len(limited) != 1 || limited[0].AgentID != "agt-2" {
		t.Errorf("limit filter = %v", limited)
	}
}
