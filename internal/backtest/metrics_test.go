package backtest

import (
	"math"
	"testing"
	"time"
)

func TestComputeMetrics(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 10)
	returns := []float64{0.05, -0.02, 0.03, -0.02}
	equity := []float64{10000, 10500, 10290, 10598.7, 10386.7}

	m := ComputeMetrics(returns, equity, start, end)
	if m.TotalTrades != 4 {
		t.Errorf("trades = %d, want 4", m.TotalTrades)
	}
	if m.WinRate != 0.5 {
		t.Errorf("win rate = %v, want 0.5", m.WinRate)
	}
	// expectancy = 0.5*0.04 - 0.5*0.02
	if math.Abs(m.Expectancy-0.01) > 1e-9 {
		t.Errorf("expectancy = %v, want 0.01", m.Expectancy)
	}
	wantReturn := 10386.7/10000 - 1
	if math.Abs(m.TotalReturn-wantReturn) > 1e-9 {
		t.Errorf("total return = %v, want %v", m.TotalReturn, wantReturn)
	}
	// Worst peak-to-trough: 10500 -> 10290.
	if math.Abs(m.MaxDrawdown-(10500-10290)/10500.0) > 1e-9 {
		t.Errorf("drawdown = %v", m.MaxDrawdown)
	}
	if m.SharpeRatio == 0 {
		t.Error("sharpe should be defined for 4 trades over 10 days")
	}
}

func TestComputeMetricsNoTrades(t *testing.T) {
	now := time.Now()
	m := ComputeMetrics(nil, []float64{10000}, now, now)
	if m.TotalTrades != 0 || m.WinRate != 0 || m.SharpeRatio != 0 {
		t.Errorf("empty run must be all zero: %+v", m)
	}
	if m.FinalEquity != 10000 {
		t.Errorf("final equity = %v", m.FinalEquity)
	}
}

func TestSharpeUndefinedCases(t *testing.T) {
	start := time.Now()
	end := start.AddDate(0, 0, 5)
	if s := annualizedSharpe([]float64{0.01}, start, end); s != 0 {
		t.Errorf("single trade sharpe = %v, want 0", s)
	}
	if s := annualizedSharpe([]float64{0.01, 0.01, 0.01}, start, end); s != 0 {
		t.Errorf("zero-variance sharpe = %v, want 0", s)
	}
	if s := annualizedSharpe([]float64{0.01, 0.02}, start, start); s != 0 {
		t.Errorf("degenerate span sharpe = %v, want 0", s)
	}
}

func TestStdDev(t *testing.T) {
	if sd := StdDev([]float64{1}); sd != 0 {
		t.Errorf("single value std = %v", sd)
	}
	sd := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(sd-2.138089935299395) > 1e-9 {
		t.Errorf("std = %v", sd)
	}
}
