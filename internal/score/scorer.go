package score

import (
	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
)

// Normalization caps shared by both scorer faces. Values above the cap
// saturate at 1.0.
const (
	expectancyCap = 0.10
	sharpeCap     = 3.0
	drawdownCap   = 0.30
	stabilityCap  = 0.05
	robustWeight  = 0.10 // fixed share; config weights cover the rest
)

// Scorer produces the composite 0-100 score used everywhere
// downstream. The same formula serves backtest rows and live-trade
// windows.
type Scorer struct {
	weights config.ScorerWeights
}

// NewScorer builds a scorer from validated config weights.
func NewScorer(weights config.ScorerWeights) *Scorer {
	return &Scorer{weights: weights}
}

// Components are the raw quantities feeding the composite formula.
type Components struct {
	Expectancy  float64
	Sharpe      float64
	WinRate     float64
	MaxDrawdown float64
	Stability   float64 // walk-forward stability, std of window expectancy
	Degradation float64 // training-vs-holdout or backtest-vs-live, in [-0.5, 0.5]
}

// Score maps components to [0, 100].
func (s *Scorer) Score(c Components) float64 {
	normExpectancy := clamp01(c.Expectancy / expectancyCap)
	normSharpe := clamp01(c.Sharpe / sharpeCap)
	invDrawdown := clamp01(1 - c.MaxDrawdown/drawdownCap)
	robustness := clamp01(1 - c.Stability/stabilityCap)
	recency := clamp01(0.5 - clamp(c.Degradation, -0.5, 0.5))

	norm := s.weights.Expectancy*normExpectancy +
		s.weights.Sharpe*normSharpe +
		s.weights.WinRate*clamp01(c.WinRate) +
		s.weights.Drawdown*invDrawdown +
		robustWeight*robustness +
		s.weights.Recency*recency
	return norm * 100
}

// ScoreFromBacktestResult reads the paired weighted metrics off an
// optimal-timeframe training row.
func (s *Scorer) ScoreFromBacktestResult(r *models.BacktestResult, degradation float64) float64 {
	return s.Score(Components{
		Expectancy:  r.WeightedExpectancy,
		Sharpe:      r.WeightedSharpe,
		WinRate:     r.WeightedWinRate,
		MaxDrawdown: r.WeightedMaxDrawdown,
		Stability:   r.WalkForwardStability,
		Degradation: degradation,
	})
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
