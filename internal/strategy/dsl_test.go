package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
)

const validCode = `signal: sma_cross
direction: long
fast_period: 3
slow_period: 8
sl_pct: 0.05
tp_pct: 0.10
leverage: 2
exit_after_bars: 24
`

func TestDSLLoaderValid(t *testing.T) {
	inst, err := NewDSLLoader().Load("test", []byte(validCode))
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name() != "test" || inst.Direction() != Long {
		t.Errorf("unexpected instance %v %v", inst.Name(), inst.Direction())
	}
	want := models.StrategyParams{SLPct: 0.05, TPPct: 0.10, Leverage: 2, ExitBars: 24}
	if inst.Params() != want {
		t.Errorf("params = %+v, want %+v", inst.Params(), want)
	}
}

func TestDSLLoaderErrors(t *testing.T) {
	cases := []struct {
		name string
		code string
	}{
		{"not yaml", "{{{"},
		{"bad direction", "signal: breakout\ndirection: sideways\nperiod: 10"},
		{"unknown signal", "signal: astrology\ndirection: long\nperiod: 10"},
		{"cross without periods", "signal: sma_cross\ndirection: long"},
		{"inverted periods", "signal: ema_cross\ndirection: long\nfast_period: 20\nslow_period: 5"},
		{"rsi without threshold", "signal: rsi_reversal\ndirection: long\nperiod: 14"},
		{"momentum without period", "signal: momentum\ndirection: short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDSLLoader().Load(tc.name, []byte(tc.code))
			if err == nil {
				t.Fatal("expected a loader error")
			}
			if !errors.Is(err, ErrLoader) {
				t.Errorf("error should wrap ErrLoader: %v", err)
			}
		})
	}
}

func priceFrame(closes []float64) *ohlcv.Frame {
	f := &ohlcv.Frame{Symbol: "BTC", Timeframe: "1h"}
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		f.Timestamp = append(f.Timestamp, start.Add(time.Duration(i)*time.Hour))
		f.Open = append(f.Open, c)
		f.High = append(f.High, c+0.5)
		f.Low = append(f.Low, c-0.5)
		f.Close = append(f.Close, c)
		f.Volume = append(f.Volume, 1)
	}
	return f
}

func TestMomentumEntries(t *testing.T) {
	code := "signal: momentum\ndirection: long\nperiod: 3\nthreshold: 0.05\nsl_pct: 0.02\ntp_pct: 0.04"
	inst, err := NewDSLLoader().Load("mom", []byte(code))
	if err != nil {
		t.Fatal(err)
	}
	// Bar 5 is +6% over bar 2; everything else is flat.
	closes := []float64{100, 100, 100, 100, 101, 106, 106, 106, 106}
	entries, err := inst.Entries(priceFrame(closes))
	if err != nil {
		t.Fatal(err)
	}
	if !entries[5] {
		t.Error("bar 5 should signal: +6% over 3 bars")
	}
	for _, i := range []int{0, 1, 2, 3, 4} {
		if entries[i] {
			t.Errorf("bar %d should be quiet", i)
		}
	}
}

func TestBreakoutEntries(t *testing.T) {
	code := "signal: breakout\ndirection: long\nperiod: 4\nsl_pct: 0.02\ntp_pct: 0.04"
	inst, err := NewDSLLoader().Load("brk", []byte(code))
	if err != nil {
		t.Fatal(err)
	}
	closes := []float64{100, 101, 100, 99, 100, 105, 104, 103}
	entries, err := inst.Entries(priceFrame(closes))
	if err != nil {
		t.Fatal(err)
	}
	// Bar 5 close 105 exceeds the prior 4-bar high band around 101.5.
	if !entries[5] {
		t.Error("bar 5 should break out")
	}
	if entries[4] {
		t.Error("bar 4 close 100 is inside the range")
	}
}

func TestSMACrossEntries(t *testing.T) {
	inst, err := NewDSLLoader().Load("cross", []byte(validCode))
	if err != nil {
		t.Fatal(err)
	}
	// Decline then a sharp recovery forces the fast average up through
	// the slow one exactly once.
	closes := []float64{110, 108, 106, 104, 102, 100, 98, 96, 94, 92, 104, 112, 118, 120, 120, 120}
	entries, err := inst.Entries(priceFrame(closes))
	if err != nil {
		t.Fatal(err)
	}
	crossings := 0
	for _, on := range entries {
		if on {
			crossings++
		}
	}
	if crossings != 1 {
		t.Errorf("got %d crossings, want exactly 1", crossings)
	}
}

func TestEntriesEmptyFrame(t *testing.T) {
	inst, err := NewDSLLoader().Load("cross", []byte(validCode))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := inst.Entries(&ohlcv.Frame{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("empty frame should yield no entries")
	}
}
