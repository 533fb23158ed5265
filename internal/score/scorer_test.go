package score

import (
	"math"
	"testing"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
)

func testWeights() config.ScorerWeights {
	return config.ScorerWeights{
		Expectancy: 0.30,
		Sharpe:     0.25,
		WinRate:    0.15,
		Drawdown:   0.10,
		Recency:    0.10,
	}
}

func TestScoreComposite(t *testing.T) {
	s := NewScorer(testWeights())
	got := s.Score(Components{
		Expectancy:  0.05,
		Sharpe:      1.5,
		WinRate:     0.60,
		MaxDrawdown: 0.15,
		Stability:   0.02,
		Degradation: 0.10,
	})
	// norm terms: exp 0.5, sharpe 0.5, winrate 0.6, invDD 0.5,
	// robustness 0.6, recency 0.4.
	want := (0.30*0.5 + 0.25*0.5 + 0.15*0.6 + 0.10*0.5 + 0.10*0.6 + 0.10*0.4) * 100
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestScoreSaturation(t *testing.T) {
	s := NewScorer(testWeights())
	best := s.Score(Components{
		Expectancy:  1.0, // far past the 0.10 cap
		Sharpe:      10,
		WinRate:     1.0,
		MaxDrawdown: 0,
		Stability:   0,
		Degradation: -0.5,
	})
	if math.Abs(best-100) > 1e-9 {
		t.Errorf("saturated score = %v, want 100", best)
	}

	worst := s.Score(Components{
		Expectancy:  -0.5,
		Sharpe:      -2,
		WinRate:     0,
		MaxDrawdown: 0.9,
		Stability:   0.5,
		Degradation: 0.5,
	})
	if worst != 0 {
		t.Errorf("floor score = %v, want 0", worst)
	}
}

func TestScoreMonotoneInDegradation(t *testing.T) {
	s := NewScorer(testWeights())
	base := Components{Expectancy: 0.04, Sharpe: 1.8, WinRate: 0.55, MaxDrawdown: 0.12}

	better := base
	better.Degradation = -0.2
	worse := base
	worse.Degradation = 0.3

	if s.Score(better) <= s.Score(worse) {
		t.Error("improving holdout must never score below a degrading one")
	}
}

func TestScoreFromBacktestResult(t *testing.T) {
	s := NewScorer(testWeights())
	row := &models.BacktestResult{
		WeightedExpectancy:   0.037,
		WeightedSharpe:       1.86,
		WeightedWinRate:      0.588,
		WeightedMaxDrawdown:  0.10,
		WalkForwardStability: 0.01,
	}
	got := s.ScoreFromBacktestResult(row, 0.10)
	want := s.Score(Components{
		Expectancy:  0.037,
		Sharpe:      1.86,
		WinRate:     0.588,
		MaxDrawdown: 0.10,
		Stability:   0.01,
		Degradation: 0.10,
	})
	if got != want {
		t.Errorf("ScoreFromBacktestResult = %v, want %v", got, want)
	}
	if got <= 0 || got >= 100 {
		t.Errorf("score %v out of expected open interval", got)
	}
}
