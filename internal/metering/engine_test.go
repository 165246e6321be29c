package metering

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/requestctx"
)

func TestCreditsMicroRoundTrip(t *testing.T) {
	cases := []struct {
		credits string
		micro   int64
	}{
		{"2", 2_000_000},
		{"0.5", 500_000},
		{"0.000001", 1},
		{"1234.5678", 1_234_567_800},
	}
	for _, tc := range cases {
		credits, err := decimal.NewFromString(tc.credits)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.credits, err)
		}
		if got := ToMicro(credits); got != tc.micro {
			t.Fatalf("ToMicro(%s) = %d, want %d", tc.credits, got, tc.micro)
		}
		if got := FromMicro(tc.micro); !got.Equal(credits) {
			t.Fatalf("FromMicro(%d) = %s, want %s", tc.micro, got, tc.credits)
		}
	}
}

func TestChargeableCreditsTimeoutPolicy(t *testing.T) {
	engine := NewEngine(nil, config.BudgetConfig{}, config.MeteringConfig{
		TimeoutCharge:   "partial",
		TimeoutFraction: 0.5,
	}, config.ReportingConfig{})
	credits := decimal.NewFromInt(2)

	// Non-timeout outcomes always charge the full cost.
	if got := engine.chargeableCredits(&requestctx.Context{}, credits, OutcomeSuccess); !got.Equal(credits) {
		t.Fatalf("success charge = %s, want %s", got, credits)
	}
	if got := engine.chargeableCredits(&requestctx.Context{}, credits, OutcomeProviderError); !got.Equal(credits) {
		t.Fatalf("provider error charge = %s, want %s", got, credits)
	}

	if got := engine.chargeableCredits(&requestctx.Context{}, credits, OutcomeTimeout); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("partial timeout charge = %s, want 1", got)
	}

	// Tenant overrides take precedence over the configured default.
	rc := &requestctx.Context{TimeoutCharge: "none"}
	if got := engine.chargeableCredits(rc, credits, OutcomeTimeout); !got.IsZero() {
		t.Fatalf("none timeout charge = %s, want 0", got)
	}
	rc = &requestctx.Context{TimeoutCharge: "full"}
	if got := engine.chargeableCredits(rc, credits, OutcomeTimeout); !got.Equal(credits) {
		t.Fatalf("full timeout charge = %s, want %s", got, credits)
	}
}

func TestEvaluateThresholds(t *testing.T) {
	thresholds := []float64{0.75, 0.9}

	status := evaluate(500_000, 1_000_000, thresholds, "calendar_month")
	if status.Warning || status.Exceeded {
		t.Fatalf("half-used plan should not warn: %+v", status)
	}

	status = evaluate(800_000, 1_000_000, thresholds, "calendar_month")
	if !status.Warning || status.Exceeded || status.Threshold != 0.75 {
		t.Fatalf("expected 75%% warning, got %+v", status)
	}

	status = evaluate(950_000, 1_000_000, thresholds, "calendar_month")
	if !status.Warning || status.Threshold != 0.9 {
		t.Fatalf("expected 90%% warning, got %+v", status)
	}

	status = evaluate(1_000_000, 1_000_000, thresholds, "calendar_month")
	if !status.Exceeded || status.Warning {
		t.Fatalf("expected exceeded at 100%%, got %+v", status)
	}
}

func TestGateEnforcementIsPerTenant(t *testing.T) {
	engine := NewEngine(nil, config.BudgetConfig{}, config.MeteringConfig{}, config.ReportingConfig{})
	exhausted := BudgetStatus{UsedMicro: 2, LimitMicro: 1, Exceeded: true}

	if err := engine.Gate(exhausted, &requestctx.Context{BudgetEnforced: true}); err != ErrBudgetExceeded {
		t.Fatalf("enforced tenant should be rejected, got %v", err)
	}
	if err := engine.Gate(exhausted, &requestctx.Context{BudgetEnforced: false}); err != nil {
		t.Fatalf("soft-limit tenant should pass, got %v", err)
	}
	if err := engine.Gate(BudgetStatus{UsedMicro: 1, LimitMicro: 2}, &requestctx.Context{BudgetEnforced: true}); err != nil {
		t.Fatalf("tenant with headroom should pass, got %v", err)
	}
}
