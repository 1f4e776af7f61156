// Package runtime is the client-side enforcement core: the pure policy
// engine, the state manager contract, charging policies, and the two-phase
// tool executor that ties them together.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// Code is a machine-readable decision or rejection code. Engine blocks and
// commit rejections share the same code space.
type Code string

const (
	CodeReplay           Code = "REPLAY"
	CodeKilled           Code = "KILLED"
	CodeExpired          Code = "EXPIRED"
	CodeToolDenied       Code = "TOOL_DENIED"
	CodeToolNotAllowed   Code = "TOOL_NOT_ALLOWED"
	CodePerCallLimit     Code = "PER_CALL_LIMIT"
	CodeTotalBudget      Code = "TOTAL_BUDGET"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	// CodeInconsistentSettlement marks a commit refused after the side
	// effect already ran. The action happened in the real world but is not
	// accounted as consumed authority.
	CodeInconsistentSettlement Code = "INCONSISTENT_SETTLEMENT"
)

// ErrStoreUnavailable is returned when the state backend cannot be reached.
// Mutating paths fail closed on it; the executor must not retry against a
// stale snapshot.
var ErrStoreUnavailable = errors.New("state store unavailable")

// RejectionError is a refused checkAndCommit or engine block surfaced as an
// error to unwind the executor.
type RejectionError struct {
	Code   Code
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("blocked: %s: %s", e.Code, e.Reason)
}

// CostClass partitions settled cost into the accumulator it charges.
type CostClass string

const (
	// CostCognition charges the LLM/thinking accumulator.
	CostCognition CostClass = "cognition"
	// CostExecution charges the tool/side-effect accumulator.
	CostExecution CostClass = "execution"
)

// Window is a rate-limit window: a start timestamp and the count of calls
// committed since the start. The window resets when its width elapses.
type Window struct {
	StartMs int64 `json:"startMs"`
	Count   int   `json:"count"`
}

// Expired reports whether the window has lapsed at now for the given width.
func (w *Window) Expired(now time.Time, windowMs int64) bool {
	return now.UnixMilli()-w.StartMs >= windowMs
}

// State is the enforcement state for one (agent, mandate) pair. Get returns
// a snapshot; only CheckAndCommit and Kill mutate the authoritative copy.
type State struct {
	CumulativeCost float64 `json:"cumulativeCost"`
	CognitionCost  float64 `json:"cognitionCost"`
	ExecutionCost  float64 `json:"executionCost"`
	CallCount      int     `json:"callCount"`
	Killed         bool    `json:"killed"`
	// SeenActionIDs memoises every committed action for replay detection.
	SeenActionIDs map[string]struct{} `json:"seenActionIds"`
	// AgentWindow is the agent-level rate window, nil until first commit
	// under a rate-limited mandate.
	AgentWindow *Window `json:"agentWindow,omitempty"`
	// ToolWindows holds per-tool rate windows keyed by tool name.
	ToolWindows map[string]*Window `json:"toolWindows,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// NewState returns an empty enforcement state.
func NewState() *State {
	return &State{
		SeenActionIDs: make(map[string]struct{}),
		ToolWindows:   make(map[string]*Window),
	}
}

// Seen reports whether the action ID has already been committed.
func (s *State) Seen(actionID string) bool {
	_, ok := s.SeenActionIDs[actionID]
	return ok
}

// Clone deep-copies the state so callers can hold snapshots safely.
func (s *State) Clone() *State {
	out := &State{
		CumulativeCost: s.CumulativeCost,
		CognitionCost:  s.CognitionCost,
		ExecutionCost:  s.ExecutionCost,
		CallCount:      s.CallCount,
		Killed:         s.Killed,
		SeenActionIDs:  make(map[string]struct{}, len(s.SeenActionIDs)),
		ToolWindows:    make(map[string]*Window, len(s.ToolWindows)),
		UpdatedAt:      s.UpdatedAt,
	}
	for id := range s.SeenActionIDs {
		out.SeenActionIDs[id] = struct{}{}
	}
	if s.AgentWindow != nil {
		w := *s.AgentWindow
		out.AgentWindow = &w
	}
	for tool, w := range s.ToolWindows {
		cp := *w
		out.ToolWindows[tool] = &cp
	}
	return out
}

// CommitLimits carries the frozen mandate limits the atomic commit predicate
// re-checks. Nil fields are unlimited.
type CommitLimits struct {
	MaxCostTotal   *float64
	MaxCostPerCall *float64
	RateLimit      *mandate.RateLimit
	ToolRateLimit  *mandate.RateLimit
}

// Change is one settled action applied to the state in a single atomic step.
type Change struct {
	ActionID    string
	SettledCost float64
	CostClass   CostClass
	ToolName    string
	Limits      CommitLimits
	Now         time.Time
}

// KillSignal is delivered to kill subscribers.
type KillSignal struct {
	AgentID   string
	MandateID string
	Reason    string
	At        time.Time
}

// Manager is the state manager contract shared by the memory and distributed
// backends. Backend selection is wiring, not behaviour: the executor never
// changes with the backend.
type Manager interface {
	// Get returns an immutable snapshot of the state. Unknown keys return
	// a fresh empty state.
	Get(ctx context.Context, agentID, mandateID string) (*State, error)

	// CheckAndCommit atomically re-runs the replay, kill, budget, and rate
	// predicates against the authoritative state and, on acceptance, applies
	// the change. A refusal returns *RejectionError; any other error means
	// the backend failed and the caller must treat the commit as not
	// applied.
	CheckAndCommit(ctx context.Context, agentID, mandateID string, ch Change) error

	// Kill sets the killed bit and notifies subscribers. An empty mandateID
	// kills every mandate of the agent. Idempotent.
	Kill(ctx context.Context, agentID, mandateID, reason string) error

	// IsKilled reports the killed bit for the pair, or for the whole agent
	// when mandateID is empty.
	IsKilled(ctx context.Context, agentID, mandateID string) (bool, error)

	// SubscribeKill registers a handler for kill signals on the pair. The
	// returned func cancels the subscription.
	SubscribeKill(ctx context.Context, agentID, mandateID string, handler func(KillSignal)) (func(), error)

	// Close releases backend resources.
	Close() error
}

// ApplyChange mutates a state with an accepted change. Both backends share
// this transition so memory and distributed semantics cannot drift.
func ApplyChange(s *State, ch Change) {
	if s.SeenActionIDs == nil {
		s.SeenActionIDs = make(map[string]struct{})
	}
	s.SeenActionIDs[ch.ActionID] = struct{}{}
	s.CumulativeCost += ch.SettledCost
	switch ch.CostClass {
	case CostCognition:
		s.CognitionCost += ch.SettledCost
	default:
		s.ExecutionCost += ch.SettledCost
	}
	s.CallCount++
	s.UpdatedAt = ch.Now

	if ch.Limits.RateLimit != nil {
		s.AgentWindow = advanceWindow(s.AgentWindow, ch.Now, ch.Limits.RateLimit.WindowMs)
	}
	if ch.Limits.ToolRateLimit != nil && ch.ToolName != "" {
		if s.ToolWindows == nil {
			s.ToolWindows = make(map[string]*Window)
		}
		s.ToolWindows[ch.ToolName] = advanceWindow(s.ToolWindows[ch.ToolName], ch.Now, ch.Limits.ToolRateLimit.WindowMs)
	}
}

// CheckChange runs the commit-time predicate set against a state without
// mutating it. It returns nil when the change may be applied.
func CheckChange(s *State, ch Change) *RejectionError {
	if s.Seen(ch.ActionID) {
		return &RejectionError{Code: CodeReplay, Reason: "action already committed"}
	}
	if s.Killed {
		return &RejectionError{Code: CodeKilled, Reason: "agent is killed"}
	}
	// Settlement may charge more than the authorized estimate; the per-call
	// cap binds the settled cost too.
	if ch.Limits.MaxCostPerCall != nil && ch.SettledCost > *ch.Limits.MaxCostPerCall {
		return &RejectionError{
			Code:   CodePerCallLimit,
			Reason: fmt.Sprintf("settled cost %.4f exceeds per-call limit %.4f", ch.SettledCost, *ch.Limits.MaxCostPerCall),
		}
	}
	if ch.Limits.MaxCostTotal != nil && s.CumulativeCost+ch.SettledCost > *ch.Limits.MaxCostTotal {
		return &RejectionError{
			Code:   CodeTotalBudget,
			Reason: fmt.Sprintf("cumulative cost %.4f + %.4f exceeds budget %.4f", s.CumulativeCost, ch.SettledCost, *ch.Limits.MaxCostTotal),
		}
	}
	if rl := ch.Limits.RateLimit; rl != nil && windowFull(s.AgentWindow, ch.Now, rl) {
		return &RejectionError{Code: CodeRateLimit, Reason: "agent rate limit exceeded"}
	}
	if rl := ch.Limits.ToolRateLimit; rl != nil && ch.ToolName != "" && windowFull(s.ToolWindows[ch.ToolName], ch.Now, rl) {
		return &RejectionError{Code: CodeRateLimit, Reason: "tool rate limit exceeded"}
	}
	return nil
}

// windowFull projects the window to now and reports whether it is at capacity.
func windowFull(w *Window, now time.Time, rl *mandate.RateLimit) bool {
	if w == nil || w.Expired(now, rl.WindowMs) {
		return rl.MaxCalls <= 0
	}
	return w.Count >= rl.MaxCalls
}

// advanceWindow counts one call into the window, resetting it first if lapsed.
func advanceWindow(w *Window, now time.Time, windowMs int64) *Window {
	if w == nil || w.Expired(now, windowMs) {
		return &Window{StartMs: now.UnixMilli(), Count: 1}
	}
	return &Window{StartMs: w.StartMs, Count: w.Count + 1}
}
