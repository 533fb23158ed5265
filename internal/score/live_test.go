package score

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantforge/quantforge/internal/models"
)

func makeTrades(pnlPcts []float64, hoursApart int) []models.Trade {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	trades := make([]models.Trade, len(pnlPcts))
	for i, p := range pnlPcts {
		entry := start.Add(time.Duration(i*hoursApart) * time.Hour)
		trades[i] = models.Trade{
			StrategyID: id,
			Symbol:     "BTC",
			EntryTime:  entry,
			ExitTime:   entry.Add(time.Hour),
			PnLPct:     p,
			PnLUSD:     p * 1000,
		}
	}
	return trades
}

func TestScoreTradesInsufficientData(t *testing.T) {
	ls := NewLiveScorer(NewScorer(testWeights()), 10, 5, 7)

	_, err := ls.ScoreTrades(makeTrades([]float64{0.01, 0.02}, 24), 70)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("two trades should be insufficient, got %v", err)
	}

	// Enough trades but the span is under min_days_for_frequency.
	_, err = ls.ScoreTrades(makeTrades(make([]float64, 12), 1), 70)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("short span should be insufficient, got %v", err)
	}
}

func TestScoreTradesRollup(t *testing.T) {
	ls := NewLiveScorer(NewScorer(testWeights()), 4, 3, 7)
	pnl := []float64{0.02, -0.01, 0.03, -0.01, 0.02, 0.01}
	m, err := ls.ScoreTrades(makeTrades(pnl, 36), 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalTrades != 6 {
		t.Errorf("trades = %d, want 6", m.TotalTrades)
	}
	if math.Abs(m.WinRate-4.0/6.0) > 1e-9 {
		t.Errorf("win rate = %v, want 4/6", m.WinRate)
	}
	// expectancy = 2/3 * 0.02 - 1/3 * 0.01
	wantExp := (4.0/6.0)*0.02 - (2.0/6.0)*0.01
	if math.Abs(m.Expectancy-wantExp) > 1e-9 {
		t.Errorf("expectancy = %v, want %v", m.Expectancy, wantExp)
	}
	if math.Abs(m.TotalPnLUSD-60) > 1e-9 {
		t.Errorf("pnl usd = %v, want 60", m.TotalPnLUSD)
	}
	if m.MaxDrawdown <= 0 || m.MaxDrawdown >= 0.02 {
		t.Errorf("drawdown = %v, want a small positive fraction", m.MaxDrawdown)
	}
	// No backtest reference: degradation stays neutral.
	if m.Degradation != 0 {
		t.Errorf("degradation = %v, want 0 without a reference score", m.Degradation)
	}
	if m.Score <= 0 || m.Score > 100 {
		t.Errorf("score = %v out of range", m.Score)
	}
}

func TestScoreTradesDegradation(t *testing.T) {
	ls := NewLiveScorer(NewScorer(testWeights()), 4, 3, 7)
	losing := []float64{-0.02, -0.01, -0.03, -0.01, -0.02, 0.005}

	m, err := ls.ScoreTrades(makeTrades(losing, 36), 90)
	if err != nil {
		t.Fatal(err)
	}
	if m.Degradation <= 0 {
		t.Errorf("losing live window vs backtest 90 must degrade, got %v", m.Degradation)
	}
	if m.Degradation > 0.5 {
		t.Errorf("degradation must clamp at 0.5, got %v", m.Degradation)
	}
}
