package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mandategate/mandategate/internal/domain/audit"
	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// Budget is the provider-facing bound derived from the mandate for one call.
type Budget struct {
	// RemainingCost is the spend still available under the total budget,
	// nil when the budget is unlimited.
	RemainingCost *float64
	// MaxTokens caps completion size for LLM calls.
	MaxTokens *int
	// Deadline is the wall-clock bound from the mandate's execution limits.
	Deadline *time.Time
}

// Result is what a run function reports back for settlement.
type Result struct {
	// Output is the provider result, opaque to the executor.
	Output any
	// ActualCost is the provider-reported spend; nil falls back to the
	// action's estimate during settlement.
	ActualCost *float64
}

// RunFunc performs the side effect. The executor propagates caller
// cancellation into ctx; a run function that ignores ctx runs unbounded.
type RunFunc func(ctx context.Context, b Budget) (*Result, error)

// VerifyFunc checks a successful result before settlement. A non-nil error
// turns the run into a failure.
type VerifyFunc func(a *Action, r *Result, m *mandate.Mandate) error

// ToolConfig carries per-tool executor behaviour registered by the embedding
// agent.
type ToolConfig struct {
	Charging ChargingPolicy
	Verify   VerifyFunc
}

// Executor drives the authorize, execute, verify, settle, commit sequence
// for one agent's actions against a mandate.
type Executor struct {
	states Manager
	audits audit.Store
	logger *slog.Logger
	tools  map[string]ToolConfig
	now    func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithToolConfig registers charging and verification for a tool name.
func WithToolConfig(tool string, cfg ToolConfig) ExecutorOption {
	return func(e *Executor) { e.tools[tool] = cfg }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorClock overrides the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor over a state manager and audit sink.
func NewExecutor(states Manager, audits audit.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		states: states,
		audits: audits,
		logger: slog.Default(),
		tools:  make(map[string]ToolConfig),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one action under a mandate.
//
// Authorization evaluates against a snapshot; the commit re-checks the same
// predicates atomically, so a concurrent racer can still lose at commit
// time. A commit refused after the side effect ran is surfaced as
// INCONSISTENT_SETTLEMENT: the action happened but is not accounted.
//
// On a successful commit after a failed run, Execute returns the run error;
// the action ID is consumed either way, so retries with the same ID replay.
func (e *Executor) Execute(ctx context.Context, a *Action, m *mandate.Mandate, run RunFunc) (*Result, error) {
	now := e.now()

	snapshot, err := e.states.Get(ctx, m.AgentID, m.ID)
	if err != nil {
		return nil, &RejectionError{Code: CodeStoreUnavailable, Reason: fmt.Sprintf("state read failed: %v", err)}
	}

	decision := Evaluate(a, m, snapshot, now)
	if !decision.Allowed {
		e.auditDecision(ctx, a, m, audit.DecisionBlock, string(decision.Code), decision.Reason, snapshot.CumulativeCost, nil, 0, nil)
		return nil, &RejectionError{Code: decision.Code, Reason: decision.Reason}
	}

	budget := e.budgetFor(m, decision)
	runCtx := ctx
	var cancel context.CancelFunc
	if budget.Deadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *budget.Deadline)
		defer cancel()
	}

	started := e.now()
	result, runErr := run(runCtx, budget)
	duration := e.now().Sub(started)

	cfg := e.toolConfig(a)
	if runErr == nil && cfg.Verify != nil {
		if verr := cfg.Verify(a, result, m); verr != nil {
			runErr = fmt.Errorf("result verification failed: %w", verr)
		}
	}

	settleCtx := SettlementContext{
		Action:        a,
		Success:       runErr == nil,
		EstimatedCost: a.EstimatedCost,
		DurationMs:    duration.Milliseconds(),
	}
	if result != nil {
		settleCtx.ActualCost = result.ActualCost
	}
	settled := cfg.Charging.Settle(settleCtx)

	change := Change{
		ActionID:    a.ID,
		SettledCost: settled,
		CostClass:   a.CostClass,
		ToolName:    a.ToolName,
		Limits:      CommitLimitsFor(m, a),
		Now:         e.now(),
	}
	// Commit runs even when the run failed or the caller cancelled: the
	// action ID is consumed and the charging policy decides whether failure
	// costs. The commit context is detached so a cancellation that stopped
	// the run cannot also skip the accounting.
	commitCtx := context.WithoutCancel(ctx)
	if err := e.states.CheckAndCommit(commitCtx, m.AgentID, m.ID, change); err != nil {
		var rej *RejectionError
		if !errors.As(err, &rej) {
			rej = &RejectionError{Code: CodeStoreUnavailable, Reason: err.Error()}
		}
		e.auditDecision(commitCtx, a, m, audit.DecisionBlock, string(rej.Code), rej.Reason, snapshot.CumulativeCost, &settled, duration,
			map[string]string{"settlement": "refused"})
		e.logger.Error("commit refused after execution",
			"agent_id", m.AgentID, "mandate_id", m.ID, "action_id", a.ID, "code", string(rej.Code))
		return result, &RejectionError{
			Code:   CodeInconsistentSettlement,
			Reason: fmt.Sprintf("side effect ran but commit was refused (%s): %s", rej.Code, rej.Reason),
		}
	}

	cumulative := snapshot.CumulativeCost + settled
	e.auditDecision(commitCtx, a, m, audit.DecisionAllow, "", e.outcomeReason(runErr), cumulative, &settled, duration, nil)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (e *Executor) toolConfig(a *Action) ToolConfig {
	if cfg, ok := e.tools[a.ToolName]; ok {
		return cfg
	}
	return ToolConfig{Charging: SuccessBased}
}

func (e *Executor) budgetFor(m *mandate.Mandate, d Decision) Budget {
	b := Budget{RemainingCost: d.RemainingCost}
	if mc := m.Authority.ModelConfig; mc != nil {
		b.MaxTokens = mc.MaxTokens
	}
	if el := m.Authority.ExecutionLimits; el != nil && el.MaxDurationMs != nil {
		t := e.now().Add(time.Duration(*el.MaxDurationMs) * time.Millisecond)
		b.Deadline = &t
	}
	return b
}

func (e *Executor) outcomeReason(runErr error) string {
	if runErr == nil {
		return "settled"
	}
	return "settled after failed run"
}

func (e *Executor) auditDecision(ctx context.Context, a *Action, m *mandate.Mandate, decision audit.Decision,
	code, reason string, cumulative float64, actual *float64, duration time.Duration, extra map[string]string) {

	rec := &audit.Record{
		Timestamp:      e.now(),
		AgentID:        m.AgentID,
		MandateID:      m.ID,
		ActionID:       a.ID,
		ActionType:     a.Type,
		ToolName:       a.ToolName,
		Decision:       decision,
		Reason:         reason,
		EstimatedCost:  a.EstimatedCost,
		CumulativeCost: cumulative,
	}
	if code != "" {
		rec.Reason = code + ": " + reason
	}
	if actual != nil {
		rec.ActualCost = *actual
	}
	if duration > 0 || extra != nil {
		rec.Metadata = make(map[string]string, len(extra)+1)
		for k, v := range extra {
			rec.Metadata[k] = v
		}
		if duration > 0 {
			rec.Metadata["duration_ms"] = strconv.FormatInt(duration.Milliseconds(), 10)
		}
	}
	if err := e.audits.Append(ctx, rec); err != nil {
		e.logger.Warn("audit append failed", "action_id", a.ID, "error", err)
	}
}
