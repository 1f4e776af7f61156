package runtime

// ChargingMode selects how an action's settled cost is computed.
type ChargingMode string

const (
	// ChargeSuccessBased settles actualCost (falling back to estimated) on
	// success and zero on failure. Cancelled calls do not charge.
	ChargeSuccessBased ChargingMode = "SUCCESS_BASED"
	// ChargeAttemptBased settles actualCost (falling back to estimated)
	// whether or not the call succeeded. Cancelled calls charge.
	ChargeAttemptBased ChargingMode = "ATTEMPT_BASED"
	// ChargeTiered settles a fixed attempt cost plus a success bonus.
	// Cancelled calls charge the attempt cost.
	ChargeTiered ChargingMode = "TIERED"
	// ChargeCustom delegates to a caller-supplied function. The function
	// must be pure, deterministic, and side-effect free: it may be re-run
	// on retries and its output is the only thing committed.
	ChargeCustom ChargingMode = "CUSTOM"
)

// SettlementContext is the input to cost settlement.
type SettlementContext struct {
	Action        *Action
	Success       bool
	EstimatedCost float64
	// ActualCost is the provider-reported cost; nil means unknown.
	ActualCost *float64
	DurationMs  int64
}

// reported returns the actual cost when known, else the estimate.
func (c *SettlementContext) reported() float64 {
	if c.ActualCost != nil {
		return *c.ActualCost
	}
	return c.EstimatedCost
}

// ChargingPolicy computes the settled cost for an executed action.
type ChargingPolicy struct {
	Mode ChargingMode
	// AttemptCost and SuccessCost apply in TIERED mode only.
	AttemptCost float64
	SuccessCost float64
	// Compute applies in CUSTOM mode only.
	Compute func(SettlementContext) float64
}

// SuccessBased is the default charging policy.
var SuccessBased = ChargingPolicy{Mode: ChargeSuccessBased}

// Settle computes the cost to commit for the given settlement context. An
// unrecognised mode settles like SUCCESS_BASED; a CUSTOM policy without a
// Compute function settles zero.
func (p ChargingPolicy) Settle(c SettlementContext) float64 {
	switch p.Mode {
	case ChargeAttemptBased:
		return c.reported()
	case ChargeTiered:
		cost := p.AttemptCost
		if c.Success {
			cost += p.SuccessCost
		}
		return cost
	case ChargeCustom:
		if p.Compute == nil {
			return 0
		}
		return p.Compute(c)
	default:
		if c.Success {
			return c.reported()
		}
		return 0
	}
}
