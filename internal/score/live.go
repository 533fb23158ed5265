package score

import (
	"errors"
	"math"
	"sort"

	"github.com/quantforge/quantforge/internal/models"
)

// ErrInsufficientData means the live window is too thin to score: not
// enough closed trades, or too short a span to establish frequency.
var ErrInsufficientData = errors.New("insufficient live data")

// LiveMetrics are the rollups written back onto a LIVE strategy row.
type LiveMetrics struct {
	TotalTrades int
	WinRate     float64
	Expectancy  float64
	Sharpe      float64
	MaxDrawdown float64
	TotalPnLUSD float64
	Score       float64
	Degradation float64 // vs score_backtest, positive = live worse
}

// LiveScorer computes the composite score from realized trades.
type LiveScorer struct {
	scorer           *Scorer
	minTrades        int
	minTradesForFreq int
	minDaysForFreq   float64
}

// NewLiveScorer wires the shared composite formula to live-trade
// windows.
func NewLiveScorer(scorer *Scorer, minTrades, minTradesForFreq int, minDaysForFreq float64) *LiveScorer {
	return &LiveScorer{
		scorer:           scorer,
		minTrades:        minTrades,
		minTradesForFreq: minTradesForFreq,
		minDaysForFreq:   minDaysForFreq,
	}
}

// ScoreTrades rolls up a strategy's closed trades. scoreBacktest feeds
// the degradation/recency term; pass the strategy's current backtest
// score.
func (l *LiveScorer) ScoreTrades(trades []models.Trade, scoreBacktest float64) (*LiveMetrics, error) {
	if len(trades) < l.minTrades {
		return nil, ErrInsufficientData
	}

	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	spanDays := sorted[len(sorted)-1].ExitTime.Sub(sorted[0].EntryTime).Hours() / 24
	if len(sorted) < l.minTradesForFreq || spanDays < l.minDaysForFreq {
		return nil, ErrInsufficientData
	}

	m := &LiveMetrics{TotalTrades: len(sorted)}
	returns := make([]float64, len(sorted))
	equity := []float64{1.0}
	wins := 0
	var winSum, lossSum float64
	for i, tr := range sorted {
		returns[i] = tr.PnLPct
		m.TotalPnLUSD += tr.PnLUSD
		equity = append(equity, equity[len(equity)-1]*(1+tr.PnLPct))
		if tr.PnLPct > 0 {
			wins++
			winSum += tr.PnLPct
		} else {
			lossSum += -tr.PnLPct
		}
	}
	m.WinRate = float64(wins) / float64(len(sorted))
	avgWin, avgLoss := 0.0, 0.0
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses := len(sorted) - wins; losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	m.Expectancy = m.WinRate*avgWin - (1-m.WinRate)*avgLoss
	m.MaxDrawdown = maxDrawdown(equity)
	m.Sharpe = liveSharpe(returns, spanDays)

	if scoreBacktest > 0 {
		m.Degradation = clamp((scoreBacktest-preliminaryScore(l.scorer, m))/scoreBacktest, -0.5, 0.5)
	}
	m.Score = l.scorer.Score(Components{
		Expectancy:  m.Expectancy,
		Sharpe:      m.Sharpe,
		WinRate:     m.WinRate,
		MaxDrawdown: m.MaxDrawdown,
		Degradation: m.Degradation,
	})
	return m, nil
}

// preliminaryScore computes the degradation reference with a neutral
// recency term, so the final score's recency reflects live-vs-backtest
// drift rather than feeding back into itself.
func preliminaryScore(s *Scorer, m *LiveMetrics) float64 {
	return s.Score(Components{
		Expectancy:  m.Expectancy,
		Sharpe:      m.Sharpe,
		WinRate:     m.WinRate,
		MaxDrawdown: m.MaxDrawdown,
	})
}

// liveSharpe annualizes by the strategy's actual trade frequency.
func liveSharpe(returns []float64, spanDays float64) float64 {
	if len(returns) < 2 || spanDays <= 0 {
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

func maxDrawdown(equity []float64) float64 {
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
