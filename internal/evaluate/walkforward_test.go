package evaluate

import (
	"strings"
	"testing"
	"time"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/strategy"
)

const momentumCode = "signal: momentum\ndirection: long\nperiod: 3\nthreshold: 0.01\n" +
	"sl_pct: 0.05\ntp_pct: 0.10\nleverage: 1\nexit_after_bars: 2\n"

// zigzagFrame cycles three bars up, three bars down, so the momentum
// signal fires once per cycle in every window.
func zigzagFrame(symbol string, bars int) *ohlcv.Frame {
	f := &ohlcv.Frame{Symbol: symbol, Timeframe: "1h"}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < bars; i++ {
		phase := i % 6
		px := 100.0
		if phase <= 3 {
			px += float64(phase)
		} else {
			px += float64(6 - phase)
		}
		f.Timestamp = append(f.Timestamp, start.Add(time.Duration(i)*time.Hour))
		f.Open = append(f.Open, px)
		f.High = append(f.High, px+0.5)
		f.Low = append(f.Low, px-0.5)
		f.Close = append(f.Close, px)
		f.Volume = append(f.Volume, 1000)
	}
	return f
}

func loadMomentum(t *testing.T) strategy.Instance {
	t.Helper()
	inst, err := strategy.NewDSLLoader().Load("wf", []byte(momentumCode))
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestWalkForwardSkipsSlowTimeframes(t *testing.T) {
	e := newTestEvaluator()
	for _, tf := range []models.Timeframe{models.TF4h, models.TF1d} {
		res := e.WalkForward(nil, nil, tf)
		if !res.Skipped {
			t.Errorf("%s must be skipped", tf)
		}
		if !strings.Contains(res.SkipReason, string(tf)) {
			t.Errorf("%s skip reason = %q", tf, res.SkipReason)
		}
	}
}

func TestWalkForwardTooFewSymbols(t *testing.T) {
	e := newTestEvaluator()
	frames := map[string]*ohlcv.Frame{
		"BTC": zigzagFrame("BTC", 400),
		"ETH": zigzagFrame("ETH", 400),
	}

	res := e.WalkForward(loadMomentum(t), frames, models.TF1h)
	if !res.Skipped || res.ValidWindows != 0 {
		t.Fatalf("two symbols can never fill a window: %+v", res)
	}
	if res.SkipReason != "fewer than 3 valid windows" {
		t.Errorf("skip reason = %q", res.SkipReason)
	}
}

func TestWalkForwardStability(t *testing.T) {
	e := newTestEvaluator()
	frames := make(map[string]*ohlcv.Frame)
	for _, sym := range []string{"BTC", "ETH", "SOL", "AVAX", "LINK", "DOGE"} {
		frames[sym] = zigzagFrame(sym, 400)
	}

	res := e.WalkForward(loadMomentum(t), frames, models.TF1h)
	if res.Skipped {
		t.Fatalf("skipped: %q", res.SkipReason)
	}
	if res.ValidWindows < 3 {
		t.Errorf("valid windows = %d", res.ValidWindows)
	}
	if res.Stability < 0 {
		t.Errorf("stability = %v", res.Stability)
	}
}
