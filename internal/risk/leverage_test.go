package risk

import (
	"math"
	"testing"
)

func TestSafeLeverageDerate(t *testing.T) {
	// sl=12%, buffer 10%: required distance 0.1333, maintenance at max
	// leverage 40 is 0.0125, so floor(1/0.1458) = 6.
	safe := SafeLeverage(0.12, 40, 0.10)
	if safe != 6 {
		t.Fatalf("SafeLeverage(0.12, 40, 0.10) = %v, want 6", safe)
	}
	got := ValidateAndAdjustLeverage("BTC", 0.12, 20, 40, 0.10)
	if got != 6 {
		t.Fatalf("ValidateAndAdjustLeverage = %v, want 6", got)
	}
	// Idempotent: the derated value passes validation unchanged.
	if again := ValidateAndAdjustLeverage("BTC", 0.12, got, 40, 0.10); again != got {
		t.Fatalf("derate not idempotent: %v then %v", got, again)
	}
	if !IsLeverageSafe(0.12, got, 40, 0.10) {
		t.Error("derated leverage should be safe")
	}
	if IsLeverageSafe(0.12, 20, 40, 0.10) {
		t.Error("requested leverage 20 should be unsafe at sl 12%")
	}
}

func TestSafeLeverageBounds(t *testing.T) {
	if got := SafeLeverage(0, 40, 0.10); got != 1 {
		t.Errorf("zero stop should fall back to 1x, got %v", got)
	}
	if got := SafeLeverage(0.9, 40, 0.10); got != 1 {
		t.Errorf("huge stop should clamp to 1x, got %v", got)
	}
	// Tight stop on a high-cap asset clamps at the venue max.
	if got := SafeLeverage(0.001, 50, 0.10); got != 50 {
		t.Errorf("tight stop should clamp to venue max 50, got %v", got)
	}
}

func TestValidateAndAdjustKeepsSafeRequest(t *testing.T) {
	if got := ValidateAndAdjustLeverage("ETH", 0.05, 3, 40, 0.10); got != 3 {
		t.Errorf("safe request should pass through, got %v", got)
	}
	if got := ValidateAndAdjustLeverage("ETH", 0.05, 0.5, 40, 0.10); got != 1 {
		t.Errorf("sub-1x request should floor at 1, got %v", got)
	}
}

func TestMaintenanceMarginRate(t *testing.T) {
	if got := MaintenanceMarginRate(40); got != 0.0125 {
		t.Errorf("maintenance at 40x = %v, want 0.0125", got)
	}
	if got := MaintenanceMarginRate(0); got != 0 {
		t.Errorf("maintenance at 0x = %v, want 0", got)
	}
}

func TestSignalValidate(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
		ok   bool
	}{
		{"long ok", Signal{Symbol: "BTC", Direction: "long", Entry: 100, StopLoss: 95, TakeProfit: 110}, true},
		{"long no tp", Signal{Symbol: "BTC", Direction: "long", Entry: 100, StopLoss: 95}, true},
		{"long sl above entry", Signal{Symbol: "BTC", Direction: "long", Entry: 100, StopLoss: 105}, false},
		{"long tp below entry", Signal{Symbol: "BTC", Direction: "long", Entry: 100, StopLoss: 95, TakeProfit: 99}, false},
		{"short ok", Signal{Symbol: "ETH", Direction: "short", Entry: 100, StopLoss: 105, TakeProfit: 90}, true},
		{"short sl below entry", Signal{Symbol: "ETH", Direction: "short", Entry: 100, StopLoss: 95}, false},
		{"close", Signal{Symbol: "ETH", Direction: "close"}, true},
		{"unknown direction", Signal{Symbol: "ETH", Direction: "flat", Entry: 100, StopLoss: 95}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sig.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPositionSize(t *testing.T) {
	// 2% of 10000 risked against a 5-point stop: 200/5 = 40 units.
	size, err := PositionSize(10000, 0.02, 100, 95)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(size-40) > 1e-9 {
		t.Errorf("size = %v, want 40", size)
	}
	if _, err := PositionSize(10000, 0.02, 100, 100); err == nil {
		t.Error("zero stop distance must error")
	}
	if _, err := PositionSize(0, 0.02, 100, 95); err == nil {
		t.Error("zero balance must error")
	}
}
