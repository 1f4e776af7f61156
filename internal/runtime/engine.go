package runtime

import (
	"fmt"
	"time"

	"github.com/mandategate/mandategate/internal/domain/mandate"
)

// ActionTypeTool marks actions that name a tool and go through tool scoping.
const ActionTypeTool = "tool_call"

// Action is one unit of work an agent wants authorised.
type Action struct {
	ID            string            `json:"actionId"`
	Type          string            `json:"actionType"`
	ToolName      string            `json:"toolName,omitempty"`
	EstimatedCost float64           `json:"estimatedCost"`
	CostClass     CostClass         `json:"costClass,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Decision is the engine's verdict. Hard blocks are terminal for the action;
// soft blocks (rate limits) may succeed on retry after the window lapses.
type Decision struct {
	Allowed       bool
	Code          Code
	Reason        string
	Hard          bool
	RemainingCost *float64
}

func allow(remaining *float64) Decision {
	return Decision{Allowed: true, Reason: "all checks passed", RemainingCost: remaining}
}

func block(code Code, hard bool, reason string) Decision {
	return Decision{Code: code, Reason: reason, Hard: hard}
}

// Evaluate runs the full check sequence against a snapshot of state. It is a
// pure function: no I/O, no mutation, deterministic for fixed inputs. The
// first failing check wins.
//
// Sequence: replay, kill, expiry, tool scope, per-tool policy, per-call
// budget, total budget, agent rate limit, tool rate limit.
func Evaluate(a *Action, m *mandate.Mandate, s *State, now time.Time) Decision {
	if s.Seen(a.ID) {
		return block(CodeReplay, true, fmt.Sprintf("action %s already committed", a.ID))
	}
	if s.Killed {
		return block(CodeKilled, true, "agent is killed")
	}
	if m.Expired(now) {
		return block(CodeExpired, true, fmt.Sprintf("mandate expired at %s", m.ExpiresAt.Format(time.RFC3339)))
	}

	auth := &m.Authority
	toolAction := a.Type == ActionTypeTool && a.ToolName != ""

	if toolAction {
		if mandate.MatchAny(auth.DeniedTools, a.ToolName) {
			return block(CodeToolDenied, true, fmt.Sprintf("tool %s is denied", a.ToolName))
		}
		if auth.AllowedTools != nil && !mandate.MatchAny(auth.AllowedTools, a.ToolName) {
			return block(CodeToolNotAllowed, true, fmt.Sprintf("tool %s is not in the allowed list", a.ToolName))
		}
	}

	var toolPolicy *mandate.ToolPolicy
	if toolAction && auth.ToolPolicies != nil {
		if tp, ok := auth.ToolPolicies[a.ToolName]; ok {
			toolPolicy = &tp
		}
	}
	if toolPolicy != nil {
		if toolPolicy.Allowed != nil && !*toolPolicy.Allowed {
			return block(CodeToolDenied, true, fmt.Sprintf("tool %s is denied by tool policy", a.ToolName))
		}
		if toolPolicy.MaxCostPerCall != nil && a.EstimatedCost > *toolPolicy.MaxCostPerCall {
			return block(CodePerCallLimit, true,
				fmt.Sprintf("estimated cost %.4f exceeds tool per-call limit %.4f", a.EstimatedCost, *toolPolicy.MaxCostPerCall))
		}
	}

	if auth.MaxCostPerCall != nil && a.EstimatedCost > *auth.MaxCostPerCall {
		return block(CodePerCallLimit, true,
			fmt.Sprintf("estimated cost %.4f exceeds per-call limit %.4f", a.EstimatedCost, *auth.MaxCostPerCall))
	}
	if auth.MaxCostTotal != nil && s.CumulativeCost+a.EstimatedCost > *auth.MaxCostTotal {
		return block(CodeTotalBudget, true,
			fmt.Sprintf("cumulative cost %.4f + %.4f exceeds budget %.4f", s.CumulativeCost, a.EstimatedCost, *auth.MaxCostTotal))
	}

	if rl := auth.RateLimit; rl != nil && windowFull(s.AgentWindow, now, rl) {
		return block(CodeRateLimit, false,
			fmt.Sprintf("agent rate limit %d calls per %dms exceeded", rl.MaxCalls, rl.WindowMs))
	}
	if toolPolicy != nil && toolPolicy.RateLimit != nil {
		if windowFull(s.ToolWindows[a.ToolName], now, toolPolicy.RateLimit) {
			return block(CodeRateLimit, false,
				fmt.Sprintf("tool %s rate limit %d calls per %dms exceeded", a.ToolName, toolPolicy.RateLimit.MaxCalls, toolPolicy.RateLimit.WindowMs))
		}
	}

	var remaining *float64
	if auth.MaxCostTotal != nil {
		r := *auth.MaxCostTotal - s.CumulativeCost - a.EstimatedCost
		remaining = &r
	}
	return allow(remaining)
}

// CommitLimitsFor extracts the commit-time limits from a mandate for an
// action, so the atomic commit re-checks exactly what the engine checked.
func CommitLimitsFor(m *mandate.Mandate, a *Action) CommitLimits {
	lim := CommitLimits{
		MaxCostTotal:   m.Authority.MaxCostTotal,
		MaxCostPerCall: m.Authority.MaxCostPerCall,
		RateLimit:      m.Authority.RateLimit,
	}
	if a.Type == ActionTypeTool && a.ToolName != "" && m.Authority.ToolPolicies != nil {
		if tp, ok := m.Authority.ToolPolicies[a.ToolName]; ok {
			lim.ToolRateLimit = tp.RateLimit
			if tp.MaxCostPerCall != nil && (lim.MaxCostPerCall == nil || *tp.MaxCostPerCall < *lim.MaxCostPerCall) {
				lim.MaxCostPerCall = tp.MaxCostPerCall
			}
		}
	}
	return lim
}
