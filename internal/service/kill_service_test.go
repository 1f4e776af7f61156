package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mandategate/mandategate/internal/adapter/outbound/memory"
	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/runtime"
)

type killFixture struct {
	agents *memory.AgentStore
	kills  *memory.KillStore
	states *memory.StateManager
	audits *memory.AuditStore
	svc    *KillService
}

func newKillFixture(t *testing.T) *killFixture {
	t.Helper()
	f := &killFixture{
		agents: memory.NewAgentStore(),
		kills:  memory.NewKillStore(),
		states: memory.NewStateManager(),
		audits: memory.NewAuditStore(),
	}
	t.Cleanup(func() { _ = f.states.Close() })
	f.svc = NewKillService(f.agents, f.kills, []runtime.Manager{f.states}, f.audits, testLogger)
	err := f.agents.Insert(context.Background(), &agent.Agent{
		ID: "agt-1", Name: "a", KeyHash: "h", Environment: agent.EnvDevelopment, Status: agent.StatusActive,
	})
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return f
}

func TestKillRecordsAndPropagates(t *testing.T) {
	f := newKillFixture(t)
	ctx := context.Background()

	entry, err := f.svc.Kill(ctx, "agt-1", "runaway loop", "agt-1")
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if entry.Reason != "runaway loop" || entry.KilledBy != "agt-1" {
		t.Errorf("entry = %+v", entry)
	}

	killed, err := f.svc.IsKilled(ctx, "agt-1")
	if err != nil || !killed {
		t.Errorf("IsKilled = %v, %v", killed, err)
	}
	// The agent is deactivated so it cannot authenticate or re-issue.
	a, _ := f.agents.Get(ctx, "agt-1")
	if a.Status != agent.StatusInactive {
		t.Errorf("Status = %s", a.Status)
	}
	// The state backend sees the kill for every mandate of the agent.
	laneKilled, _ := f.states.IsKilled(ctx, "agt-1", "mnd-any")
	if !laneKilled {
		t.Error("kill not propagated to the state backend")
	}
	if f.audits.Len() != 1 {
		t.Errorf("audit records = %d", f.audits.Len())
	}
}

func TestKillIsIdempotent(t *testing.T) {
	f := newKillFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Kill(ctx, "agt-1", "first", "agt-1"); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	entry, err := f.svc.Kill(ctx, "agt-1", "second", "operator")
	if err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	if entry.Reason != "second" {
		t.Errorf("refreshed entry = %+v", entry)
	}
}

func TestKillUnknownAgent(t *testing.T) {
	f := newKillFixture(t)
	if _, err := f.svc.Kill(context.Background(), "agt-missing", "r", "x"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newKillFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Status(ctx, "agt-1"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("live agent status = %v", err)
	}
	f.svc.Kill(ctx, "agt-1", "contained", "operator")
	entry, err := f.svc.Status(ctx, "agt-1")
	if err != nil || entry.Reason != "contained" {
		t.Errorf("Status = %v, %v", entry, err)
	}
}

func TestResurrect(t *testing.T) {
	f := newKillFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Kill(ctx, "agt-1", "contained", "operator"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := f.svc.Resurrect(ctx, "agt-1"); err != nil {
		t.Fatalf("Resurrect: %v", err)
	}

	killed, _ := f.svc.IsKilled(ctx, "agt-1")
	if killed {
		t.Error("kill entry survived resurrection")
	}
	a, _ := f.agents.Get(ctx, "agt-1")
	if a.Status != agent.StatusActive {
		t.Errorf("Status = %s", a.Status)
	}
	// The agent-level marker is cleared, so a freshly issued mandate commits.
	laneKilled, _ := f.states.IsKilled(ctx, "agt-1", "mnd-fresh")
	if laneKilled {
		t.Error("new lane still killed after resurrection")
	}
}

func TestResurrectLiveAgentIsNoOp(t *testing.T) {
	f := newKillFixture(t)
	if err := f.svc.Resurrect(context.Background(), "agt-1"); err != nil {
		t.Errorf("Resurrect on live agent = %v", err)
	}
}
