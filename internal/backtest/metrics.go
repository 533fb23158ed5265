package backtest

import (
	"math"
	"time"
)

// Metrics is the aggregate bundle every evaluation produces. Expectancy
// and drawdown are fractions; TotalReturn is a fraction of initial
// capital.
type Metrics struct {
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	Expectancy  float64 `json:"expectancy"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TotalReturn float64 `json:"total_return"`
	FinalEquity float64 `json:"final_equity"`
}

// ComputeMetrics derives the aggregate bundle from per-trade returns
// (fractions of price, leverage applied) and the equity curve.
func ComputeMetrics(tradeReturns []float64, equityCurve []float64, start, end time.Time) Metrics {
	m := Metrics{TotalTrades: len(tradeReturns)}
	if len(equityCurve) > 0 {
		m.FinalEquity = equityCurve[len(equityCurve)-1]
		m.TotalReturn = m.FinalEquity/equityCurve[0] - 1
		m.MaxDrawdown = maxDrawdown(equityCurve)
	}
	if len(tradeReturns) == 0 {
		return m
	}

	wins := 0
	var winSum, lossSum float64
	for _, r := range tradeReturns {
		if r > 0 {
			wins++
			winSum += r
		} else {
			lossSum += -r
		}
	}
	m.WinRate = float64(wins) / float64(len(tradeReturns))

	avgWin := 0.0
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	losses := len(tradeReturns) - wins
	avgLoss := 0.0
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	m.Expectancy = m.WinRate*avgWin - (1-m.WinRate)*avgLoss

	m.SharpeRatio = annualizedSharpe(tradeReturns, start, end)
	return m
}

// annualizedSharpe scales the per-trade Sharpe by sqrt(365 * trades per
// day). Undefined frequency (too few trades or a degenerate span)
// yields 0.
func annualizedSharpe(returns []float64, start, end time.Time) float64 {
	if len(returns) < 2 {
		return 0
	}
	spanDays := end.Sub(start).Hours() / 24
	if spanDays <= 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	tradesPerDay := float64(len(returns)) / spanDays
	return mean / math.Sqrt(variance) * math.Sqrt(365*tradesPerDay)
}

// maxDrawdown returns the largest peak-to-trough fraction of the
// running-max equity, as a positive number.
func maxDrawdown(equity []float64) float64 {
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// StdDev is the sample standard deviation; used for walk-forward
// stability.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
