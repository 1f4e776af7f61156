package runtime

import "testing"

func TestSettle(t *testing.T) {
	actual := 3.5
	tests := []struct {
		name   string
		policy ChargingPolicy
		ctx    SettlementContext
		want   float64
	}{
		{"success based, success, actual known",
			SuccessBased,
			SettlementContext{Success: true, EstimatedCost: 5, ActualCost: &actual}, 3.5},
		{"success based, success, actual unknown",
			SuccessBased,
			SettlementContext{Success: true, EstimatedCost: 5}, 5},
		{"success based, failure charges nothing",
			SuccessBased,
			SettlementContext{Success: false, EstimatedCost: 5, ActualCost: &actual}, 0},
		{"attempt based, failure still charges",
			ChargingPolicy{Mode: ChargeAttemptBased},
			SettlementContext{Success: false, EstimatedCost: 5}, 5},
		{"attempt based prefers actual",
			ChargingPolicy{Mode: ChargeAttemptBased},
			SettlementContext{Success: true, EstimatedCost: 5, ActualCost: &actual}, 3.5},
		{"tiered success",
			ChargingPolicy{Mode: ChargeTiered, AttemptCost: 1, SuccessCost: 2},
			SettlementContext{Success: true, EstimatedCost: 5}, 3},
		{"tiered failure",
			ChargingPolicy{Mode: ChargeTiered, AttemptCost: 1, SuccessCost: 2},
			SettlementContext{Success: false}, 1},
		{"custom",
			ChargingPolicy{Mode: ChargeCustom, Compute: func(c SettlementContext) float64 {
				return float64(c.DurationMs) / 1000
			}},
			SettlementContext{Success: true, DurationMs: 2500}, 2.5},
		{"custom without compute settles zero",
			ChargingPolicy{Mode: ChargeCustom},
			SettlementContext{Success: true, EstimatedCost: 5}, 0},
		{"unknown mode behaves as success based",
			ChargingPolicy{Mode: "LEGACY"},
			SettlementContext{Success: false, EstimatedCost: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Settle(tt.ctx); got != tt.want {
				t.Errorf("Settle = %v, want %v", got, tt.want)
			}
		})
	}
}
