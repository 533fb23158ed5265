package models

import (
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		parsed, err := ParseTimeframe(string(tf))
		if err != nil {
			t.Errorf("ParseTimeframe(%q) failed: %v", tf, err)
		}
		if parsed != tf {
			t.Errorf("ParseTimeframe(%q) = %q", tf, parsed)
		}
	}
	if _, err := ParseTimeframe("2h"); err == nil {
		t.Error("2h is not a supported timeframe")
	}
}

func TestBarsPerDay(t *testing.T) {
	cases := map[Timeframe]float64{
		TF5m: 288, TF15m: 96, TF30m: 48, TF1h: 24, TF4h: 6, TF1d: 1,
	}
	for tf, want := range cases {
		if got := tf.BarsPerDay(); got != want {
			t.Errorf("%s bars per day = %v, want %v", tf, got, want)
		}
	}
	if TF4h.Duration() != 4*time.Hour {
		t.Errorf("4h duration = %v", TF4h.Duration())
	}
}
