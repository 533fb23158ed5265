package trailing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/quantforge/quantforge/internal/config"
)

type stopCall struct {
	kind    string // place | cancel
	trigger float64
	orderID string
}

type fakeReplacer struct {
	calls     []stopCall
	placed    int
	failPlace bool
}

func (f *fakeReplacer) PlaceStopOrder(_ context.Context, _ string, _ Side, _ float64, triggerPx float64) (string, error) {
	if f.failPlace {
		return "", errors.New("venue rejected")
	}
	f.placed++
	id := fmt.Sprintf("stop-%d", f.placed)
	f.calls = append(f.calls, stopCall{kind: "place", trigger: triggerPx, orderID: id})
	return id, nil
}

func (f *fakeReplacer) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.calls = append(f.calls, stopCall{kind: "cancel", orderID: orderID})
	return nil
}

func testConfig() config.TrailingConfig {
	return config.TrailingConfig{
		Enabled:            true,
		ActivationPct:      0.01,
		TrailPct:           0.02,
		MinAdjustmentPct:   0.002,
		UpdateCooldownSec:  30,
		BreakevenBufferPct: 0.002,
	}
}

func newTestService(exec StopReplacer) (*Service, *time.Time) {
	svc := NewService(testConfig(), exec)
	now := time.Now()
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestActivationThenRatchet(t *testing.T) {
	exec := &fakeReplacer{}
	svc, _ := newTestService(exec)
	ctx := context.Background()

	svc.Register("BTC", SideLong, 100, 95, "orig-stop", 1)

	// Below activation: nothing happens.
	if err := svc.OnPriceUpdate(ctx, "BTC", 100.5); err != nil {
		t.Fatal(err)
	}
	if p, _ := svc.Snapshot("BTC"); p.Active {
		t.Fatal("should still be dormant below 101")
	}

	// Activation at exactly entry * 1.01: hwm set, SL untouched.
	if err := svc.OnPriceUpdate(ctx, "BTC", 101); err != nil {
		t.Fatal(err)
	}
	p, _ := svc.Snapshot("BTC")
	if !p.Active || p.HighWaterMark != 101 {
		t.Fatalf("expected active with hwm 101, got %+v", p)
	}
	if p.CurrentSL != 95 || len(exec.calls) != 0 {
		t.Fatal("activation must not move the stop")
	}

	// 110 implies candidate max(110*0.98, 100*1.002) = 107.8; one
	// atomic replacement, new trigger placed before old cancel.
	if err := svc.OnPriceUpdate(ctx, "BTC", 110); err != nil {
		t.Fatal(err)
	}
	p, _ = svc.Snapshot("BTC")
	if math.Abs(p.CurrentSL-107.8) > 1e-9 {
		t.Fatalf("SL = %v, want 107.8", p.CurrentSL)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("want place+cancel, got %d calls", len(exec.calls))
	}
	if exec.calls[0].kind != "place" || exec.calls[1].kind != "cancel" {
		t.Fatalf("replacement order wrong: %+v", exec.calls)
	}
	if exec.calls[1].orderID != "orig-stop" {
		t.Errorf("should cancel the original stop, cancelled %q", exec.calls[1].orderID)
	}

	// Dip to 108: hwm and SL stay put.
	if err := svc.OnPriceUpdate(ctx, "BTC", 108); err != nil {
		t.Fatal(err)
	}
	p, _ = svc.Snapshot("BTC")
	if p.HighWaterMark != 110 || math.Abs(p.CurrentSL-107.8) > 1e-9 {
		t.Fatalf("dip must not change state, got %+v", p)
	}
	if len(exec.calls) != 2 {
		t.Fatal("dip must not touch the venue")
	}
}

func TestCooldownBlocksRapidUpdates(t *testing.T) {
	exec := &fakeReplacer{}
	svc, now := newTestService(exec)
	ctx := context.Background()

	svc.Register("ETH", SideLong, 100, 95, "s0", 1)
	svc.OnPriceUpdate(ctx, "ETH", 101)
	svc.OnPriceUpdate(ctx, "ETH", 110) // first replacement
	if exec.placed != 1 {
		t.Fatalf("want 1 placement, got %d", exec.placed)
	}

	// Big favorable move inside the cooldown window: skipped.
	svc.OnPriceUpdate(ctx, "ETH", 120)
	if exec.placed != 1 {
		t.Fatal("cooldown should block the second replacement")
	}

	// After the cooldown the pending ratchet applies.
	*now = now.Add(31 * time.Second)
	svc.OnPriceUpdate(ctx, "ETH", 120)
	if exec.placed != 2 {
		t.Fatal("post-cooldown replacement should go through")
	}
	p, _ := svc.Snapshot("ETH")
	if math.Abs(p.CurrentSL-117.6) > 1e-9 {
		t.Errorf("SL = %v, want 117.6", p.CurrentSL)
	}
}

func TestMinAdjustmentSuppressesNoise(t *testing.T) {
	exec := &fakeReplacer{}
	svc, now := newTestService(exec)
	ctx := context.Background()

	svc.Register("SOL", SideLong, 100, 95, "s0", 1)
	svc.OnPriceUpdate(ctx, "SOL", 101)
	svc.OnPriceUpdate(ctx, "SOL", 110)
	*now = now.Add(time.Minute)

	// 110 -> 110.1 moves the candidate from 107.8 to 107.898, a 0.09%
	// improvement, below the 0.2% floor.
	svc.OnPriceUpdate(ctx, "SOL", 110.1)
	if exec.placed != 1 {
		t.Fatal("sub-threshold improvement should be suppressed")
	}
}

func TestShortSideTrailing(t *testing.T) {
	exec := &fakeReplacer{}
	svc, _ := newTestService(exec)
	ctx := context.Background()

	svc.Register("BTC", SideShort, 100, 105, "s0", 1)

	svc.OnPriceUpdate(ctx, "BTC", 99) // activation at 100 * 0.99
	p, _ := svc.Snapshot("BTC")
	if !p.Active {
		t.Fatal("short should activate at 99")
	}

	svc.OnPriceUpdate(ctx, "BTC", 90)
	p, _ = svc.Snapshot("BTC")
	// candidate = min(90*1.02, 100*0.998) = 91.8
	if math.Abs(p.CurrentSL-91.8) > 1e-9 {
		t.Fatalf("short SL = %v, want 91.8", p.CurrentSL)
	}
}

func TestPlacementFailureKeepsOldStop(t *testing.T) {
	exec := &fakeReplacer{failPlace: true}
	svc, _ := newTestService(exec)
	ctx := context.Background()

	svc.Register("BTC", SideLong, 100, 95, "orig", 1)
	svc.OnPriceUpdate(ctx, "BTC", 101)
	if err := svc.OnPriceUpdate(ctx, "BTC", 110); err == nil {
		t.Fatal("placement failure should surface")
	}
	p, _ := svc.Snapshot("BTC")
	if p.CurrentSL != 95 || p.CurrentSLOrder != "orig" {
		t.Fatalf("failed replacement must leave old stop in force, got %+v", p)
	}
}

func TestDisabledServiceIgnoresRegister(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	svc := NewService(cfg, &fakeReplacer{})
	svc.Register("BTC", SideLong, 100, 95, "s0", 1)
	if svc.Tracked("BTC") {
		t.Fatal("disabled service should not track positions")
	}
}

func TestUnregister(t *testing.T) {
	svc, _ := newTestService(&fakeReplacer{})
	svc.Register("BTC", SideLong, 100, 95, "s0", 1)
	if !svc.Tracked("BTC") {
		t.Fatal("should be tracked after register")
	}
	svc.Unregister("BTC")
	if svc.Tracked("BTC") {
		t.Fatal("should not be tracked after unregister")
	}
}
