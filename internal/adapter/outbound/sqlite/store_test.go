package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/domain/mandate"
	"github.com/mandategate/mandategate/internal/domain/policy"
	"github.com/mandategate/mandategate/internal/domain/rule"
	"github.com/mandategate/mandategate/internal/runtime"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAgentStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	a := &agent.Agent{
		ID:          "agt-1",
		Name:        "research-agent",
		KeyHash:     "deadbeef",
		Owner:       "platform-team",
		Environment: agent.EnvProduction,
		Status:      agent.StatusActive,
		Metadata:    map[string]string{"team": "ml"},
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "agt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != a.Name || got.Owner != a.Owner || got.Environment != a.Environment {
		t.Errorf("round trip = %+v", got)
	}
	if got.Metadata["team"] != "ml" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	byHash, err := s.GetByKeyHash(ctx, "deadbeef")
	if err != nil || byHash.ID != "agt-1" {
		t.Errorf("GetByKeyHash = %v, %v", byHash, err)
	}
	if _, err := s.GetByKeyHash(ctx, "unknown"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("unknown hash = %v", err)
	}
}

func TestAgentStoreDuplicateHash(t *testing.T) {
	db := openTestDB(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	a := &agent.Agent{ID: "agt-1", Name: "a", KeyHash: "same", Environment: agent.EnvDevelopment, Status: agent.StatusActive}
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b := &agent.Agent{ID: "agt-2", Name: "b", KeyHash: "same", Environment: agent.EnvDevelopment, Status: agent.StatusActive}
	if err := s.Insert(ctx, b); !errors.Is(err, agent.ErrDuplicateKey) {
		t.Errorf("duplicate insert = %v", err)
	}
}

func TestAgentStoreSetStatus(t *testing.T) {
	db := openTestDB(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	a := &agent.Agent{ID: "agt-1", Name: "a", KeyHash: "h", Environment: agent.EnvDevelopment, Status: agent.StatusActive}
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetStatus(ctx, "agt-1", agent.StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := s.Get(ctx, "agt-1")
	if got.Status != agent.StatusInactive {
		t.Errorf("Status = %s", got.Status)
	}
	if err := s.SetStatus(ctx, "missing", agent.StatusActive); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("missing agent = %v", err)
	}
}

func TestKillStoreUpsertIdempotent(t *testing.T) {
	db := openTestDB(t)
	s := NewKillStore(db)
	ctx := context.Background()

	e := &agent.KillEntry{AgentID: "agt-1", KilledAt: time.Now().UTC(), Reason: "first", KilledBy: "agt-1"}
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	e.Reason = "second"
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	got, err := s.Get(ctx, "agt-1")
	if err != nil || got.Reason != "second" {
		t.Errorf("Get = %v, %v", got, err)
	}
	if err := s.Delete(ctx, "agt-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "agt-1"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("post-delete = %v", err)
	}
	// Deleting an absent entry is a no-op.
	if err := s.Delete(ctx, "agt-1"); err != nil {
		t.Errorf("delete absent = %v", err)
	}
}

func TestPolicyStoreVersioning(t *testing.T) {
	db := openTestDB(t)
	s := NewPolicyStore(db)
	ctx := context.Background()
	budget := 25.0

	p := &policy.Policy{PolicyID: "pol-1", Name: "research", Authority: mandate.Authority{MaxCostTotal: &budget}}
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, &policy.Policy{PolicyID: "pol-1", Name: "again"}); !errors.Is(err, policy.ErrConflict) {
		t.Errorf("reinsert = %v", err)
	}

	wider := 50.0
	v2, err := s.InsertNewVersion(ctx, "pol-1", "research", "wider", mandate.Authority{MaxCostTotal: &wider})
	if err != nil {
		t.Fatalf("InsertNewVersion: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("Version = %d", v2.Version)
	}

	latest, err := s.GetLatestActive(ctx, "pol-1")
	if err != nil {
		t.Fatalf("GetLatestActive: %v", err)
	}
	if latest.Version != 2 || latest.Authority.MaxCostTotal == nil || *latest.Authority.MaxCostTotal != 50 {
		t.Errorf("latest = %+v", latest)
	}

	v1, err := s.GetVersion(ctx, "pol-1", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v1.Active {
		t.Error("superseded version still active")
	}
	if v1.Authority.MaxCostTotal == nil || *v1.Authority.MaxCostTotal != 25 {
		t.Errorf("historical authority = %+v", v1.Authority)
	}

	if _, err := s.InsertNewVersion(ctx, "pol-missing", "x", "", mandate.Authority{}); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("version of missing policy = %v", err)
	}
}

func TestPolicyStoreDeactivateAndList(t *testing.T) {
	db := openTestDB(t)
	s := NewPolicyStore(db)
	ctx := context.Background()

	for _, id := range []string{"pol-a", "pol-b"} {
		if err := s.Insert(ctx, &policy.Policy{PolicyID: id, Name: id}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	if err := s.Deactivate(ctx, "pol-a", 0); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := s.Deactivate(ctx, "pol-missing", 0); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("deactivate missing = %v", err)
	}

	active, err := s.List(ctx, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].PolicyID != "pol-b" {
		t.Errorf("active = %v", active)
	}
	all, _ := s.List(ctx, false)
	if len(all) != 2 {
		t.Errorf("all = %v", all)
	}
}

func TestRuleStoreVersioningAndOrder(t *testing.T) {
	db := openTestDB(t)
	s := NewRuleStore(db)
	ctx := context.Background()

	base := &rule.Rule{
		RuleID:   "rul-a",
		Name:     "research tasks",
		PolicyID: "pol-1",
		Conditions: []rule.Condition{
			{Field: "task_type", Operator: rule.OpEqual, Value: "research"},
		},
		AgentIDs: []string{"agt-1"},
	}
	if err := s.Insert(ctx, base); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, &rule.Rule{RuleID: "rul-b", Name: "catch all", PolicyID: "pol-2"}); err != nil {
		t.Fatalf("Insert rul-b: %v", err)
	}

	next := *base
	next.Name = "research tasks v2"
	v2, err := s.InsertNewVersion(ctx, &next)
	if err != nil {
		t.Fatalf("InsertNewVersion: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("Version = %d", v2.Version)
	}

	got, err := s.GetLatestActive(ctx, "rul-a")
	if err != nil {
		t.Fatalf("GetLatestActive: %v", err)
	}
	if got.Name != "research tasks v2" || len(got.Conditions) != 1 || got.AgentIDs[0] != "agt-1" {
		t.Errorf("latest = %+v", got)
	}

	// Higher versions first; rule ID breaks ties.
	rules, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(rules) != 2 || rules[0].RuleID != "rul-a" || rules[1].RuleID != "rul-b" {
		t.Errorf("order = %v", rules)
	}

	if err := s.Deactivate(ctx, "rul-b"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	rules, _ = s.ListActive(ctx)
	if len(rules) != 1 || rules[0].RuleID != "rul-a" {
		t.Errorf("post-deactivate = %v", rules)
	}
}

func TestMandateStoreContextLookup(t *testing.T) {
	db := openTestDB(t)
	s := NewMandateStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	budget := 10.0
	m := &mandate.Mandate{
		ID:      "mnd-1",
		AgentID: "agt-1",
		Context: map[string]string{"task_type": "research", "tier": "2"},
		Authority: mandate.Authority{
			MaxCostTotal: &budget,
			AllowedTools: []string{"search"},
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindByAgentAndContext(ctx, "agt-1",
		map[string]string{"tier": "2", "task_type": "research"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("FindByAgentAndContext: %v", err)
	}
	if got.ID != "mnd-1" || got.Authority.MaxCostTotal == nil || *got.Authority.MaxCostTotal != 10 {
		t.Errorf("found = %+v", got)
	}

	// A different context, even a subset, never reuses the mandate.
	if _, err := s.FindByAgentAndContext(ctx, "agt-1",
		map[string]string{"task_type": "research"}, now); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("subset context = %v", err)
	}
	if _, err := s.FindByAgentAndContext(ctx, "agt-2", m.Context, now); !errors.Is(err, mandate.ErrNotFound) {
		t.Errorf("other agent = %v", err)
	}
}

func TestMandateStorePreservesEmptyWhitelist(t *testing.T) {
	db := openTestDB(t)
	s := NewMandateStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Disjoint whitelists intersect to deny-all; the stored mandate must
	// keep that distinct from "no whitelist".
	effective, err := mandate.Compose([]mandate.Authority{
		{AllowedTools: []string{"alpha"}},
		{AllowedTools: []string{"beta"}},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if effective.AllowedTools == nil || len(effective.AllowedTools) != 0 {
		t.Fatalf("composed whitelist = %#v, want empty non-nil", effective.AllowedTools)
	}

	m := &mandate.Mandate{
		ID:        "mnd-denyall",
		AgentID:   "agt-1",
		Context:   map[string]string{"task_type": "research"},
		Authority: effective,
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindOne(ctx, "mnd-denyall", now)
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.Authority.AllowedTools == nil || len(got.Authority.AllowedTools) != 0 {
		t.Fatalf("loaded whitelist = %#v, want empty non-nil", got.Authority.AllowedTools)
	}

	action := &runtime.Action{ID: "act-1", Type: runtime.ActionTypeTool, ToolName: "gamma", EstimatedCost: 1}
	d := runtime.Evaluate(action, got, runtime.NewState(), now)
	if d.Allowed || d.Code != runtime.CodeToolNotAllowed {
		t.Errorf("deny-all mandate allowed tool after round-trip: %+v", d)
	}
}

func TestMandateStorePurgeExpired(t *testing.T) {
	db := openTestDB(t)
	s := NewMandateStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	live := &mandate.Mandate{ID: "mnd-live", AgentID: "agt-1", IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	dead := &mandate.Mandate{ID: "mnd-dead", AgentID: "agt-1", IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-30 * time.Minute)}
	for _, m := range []*mandate.Mandate{live, dead} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert %s: %v", m.ID, err)
		}
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.FindOne(ctx, "mnd-live", now); err != nil {
		t.Errorf("live mandate purged: %v", err)
	}
}

func TestAuditStoreQueryFilters(t *testing.T) {
	db := openTestDB(t)
	s := NewAuditStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []audit.Record{
		{Timestamp: now.Add(-2 * time.Minute), AgentID: "agt-1", ActionType: "tool", ToolName: "search",
			Decision: audit.DecisionAllow, EstimatedCost: 1, ActualCost: 0.8, CumulativeCost: 0.8,
			Context: map[string]string{"task_type": "research"}},
		{Timestamp: now.Add(-time.Minute), AgentID: "agt-1", ActionType: "tool", ToolName: "deploy",
			Decision: audit.DecisionBlock, Reason: "TOOL_DENIED: tool matches a deny pattern",
			MatchedRules: []string{"rul-1"}},
		{Timestamp: now, AgentID: "agt-2", ActionType: "completion", Decision: audit.DecisionAllow},
	}
	if err := s.AppendBatch(ctx, records); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	out, err := s.Query(ctx, &audit.Filter{AgentID: "agt-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("agent filter len = %d", len(out))
	}
	if out[0].ToolName != "deploy" || out[1].ToolName != "search" {
		t.Errorf("not newest first: %v, %v", out[0].ToolName, out[1].ToolName)
	}
	if out[1].Context["task_type"] != "research" {
		t.Errorf("context round trip = %v", out[1].Context)
	}
	if len(out[0].MatchedRules) != 1 || out[0].MatchedRules[0] != "rul-1" {
		t.Errorf("matched rules round trip = %v", out[0].MatchedRules)
	}

	blocked, _ := s.Query(ctx, &audit.Filter{Decision: audit.DecisionBlock})
	if len(blocked) != 1 || blocked[0].AgentID != "agt-1" {
		t.Errorf("decision filter = %v", blocked)
	}

	// Half-open time range excludes the boundary To.
	ranged, _ := s.Query(ctx, &audit.Filter{From: now.Add(-90 * time.Second), To: now})
	if len(ranged) != 1 || ranged[0].ToolName != "deploy" {
		t.Errorf("time range filter = %v", ranged)
	}

	limited, _ := s.Query(ctx, &audit.Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d", len(limited))
	}
}
