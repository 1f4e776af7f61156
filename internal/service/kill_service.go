package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandategate/mandategate/internal/domain/agent"
	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/runtime"
)

// KillService manages the kill registry and fans kills out to the state
// backends so running executors observe them.
type KillService struct {
	agents agent.Store
	kills  agent.KillStore
	states []runtime.Manager
	audits audit.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewKillService creates the kill service. Every state manager in states
// receives the kill write; in a distributed deployment that is the shared
// backend, in a single process it is the memory manager.
func NewKillService(agents agent.Store, kills agent.KillStore, states []runtime.Manager,
	audits audit.Store, logger *slog.Logger) *KillService {
	return &KillService{
		agents: agents,
		kills:  kills,
		states: states,
		audits: audits,
		logger: logger,
		now:    time.Now,
	}
}

// Kill records a kill entry, deactivates the agent, and propagates the kill
// to the state backends. Idempotent: killing a killed agent refreshes the
// entry.
func (s *KillService) Kill(ctx context.Context, agentID, reason, killedBy string) (*agent.KillEntry, error) {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	entry := &agent.KillEntry{
		AgentID:  agentID,
		KilledAt: s.now().UTC(),
		Reason:   reason,
		KilledBy: killedBy,
	}
	if err := s.kills.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("record kill: %w", err)
	}
	if err := s.agents.SetStatus(ctx, agentID, agent.StatusInactive); err != nil {
		return nil, fmt.Errorf("deactivate agent: %w", err)
	}

	// The registry write above already blocks new issuance; the state
	// fan-out stops in-flight executors. A failed backend is logged and
	// retried by nothing: its commit script still sees the kill key on the
	// next write.
	for _, m := range s.states {
		if err := m.Kill(ctx, agentID, "", reason); err != nil {
			s.logger.Error("kill propagation failed", "agent_id", agentID, "error", err)
		}
	}

	s.logger.Warn("agent killed", "agent_id", agentID, "reason", reason, "killed_by", killedBy)

	if err := s.audits.Append(ctx, &audit.Record{
		Timestamp:  entry.KilledAt,
		AgentID:    agentID,
		ActionType: "kill",
		Decision:   audit.DecisionBlock,
		Reason:     reason,
		Metadata:   map[string]string{"killed_by": killedBy},
	}); err != nil {
		s.logger.Warn("audit append failed", "agent_id", agentID, "error", err)
	}
	return entry, nil
}

// IsKilled reports whether the agent has a kill entry.
func (s *KillService) IsKilled(ctx context.Context, agentID string) (bool, error) {
	_, err := s.kills.Get(ctx, agentID)
	if errors.Is(err, agent.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status returns the kill entry, or agent.ErrNotFound when the agent is not
// killed.
func (s *KillService) Status(ctx context.Context, agentID string) (*agent.KillEntry, error) {
	return s.kills.Get(ctx, agentID)
}

// killClearer is implemented by state backends that hold an agent-level
// kill marker. Clearing it lets freshly issued mandates commit again;
// mandates killed individually stay killed.
type killClearer interface {
	ClearKill(ctx context.Context, agentID string) error
}

// Resurrect deletes the kill entry and reactivates the agent. Resurrecting
// a live agent is a no-op. Already-expired mandates stay expired; the agent
// must re-issue.
func (s *KillService) Resurrect(ctx context.Context, agentID string) error {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return err
	}
	if err := s.kills.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("delete kill entry: %w", err)
	}
	if err := s.agents.SetStatus(ctx, agentID, agent.StatusActive); err != nil {
		return fmt.Errorf("reactivate agent: %w", err)
	}
	for _, m := range s.states {
		if c, ok := m.(killClearer); ok {
			if err := c.ClearKill(ctx, agentID); err != nil {
				s.logger.Error("kill marker clear failed", "agent_id", agentID, "error", err)
			}
		}
	}
	s.logger.Info("agent resurrected", "agent_id", agentID)
	return nil
}
