package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a strategy row.
type Status string

const (
	StatusGenerated Status = "GENERATED"
	StatusValidated Status = "VALIDATED"
	StatusActive    Status = "ACTIVE"
	StatusLive      Status = "LIVE"
	StatusRetired   Status = "RETIRED"
	StatusFailed    Status = "FAILED"
)

// validTransitions encodes the status graph. RETIRED and FAILED are
// terminal, and LIVE never moves back to ACTIVE: a strategy rotated out
// of the live set retires rather than re-entering the pool without an
// admission check.
var validTransitions = map[Status][]Status{
	StatusGenerated: {StatusValidated, StatusFailed},
	StatusValidated: {StatusActive, StatusRetired, StatusFailed},
	StatusActive:    {StatusLive, StatusRetired, StatusFailed},
	StatusLive:      {StatusRetired},
	StatusRetired:   {},
	StatusFailed:    {},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for an illegal move.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}

// Kind is the coarse strategy family. The set is closed; remaps are
// out-of-band migrations, never runtime behavior.
type Kind string

const (
	KindTrend       Kind = "TRD"
	KindMomentum    Kind = "MOM"
	KindReversal    Kind = "REV"
	KindVolume      Kind = "VOL"
	KindCandlestick Kind = "CDL"
)

// ParseKind validates a kind tag against the closed set.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTrend, KindMomentum, KindReversal, KindVolume, KindCandlestick:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

// GenerationMode records how a strategy row came to exist.
type GenerationMode string

const (
	GenerationAI       GenerationMode = "ai"
	GenerationTemplate GenerationMode = "template"
)

// StrategyParams is the concrete tunable tuple embedded in a strategy's
// code. SLPct/TPPct are fractions of price; TPPct==0 means no take
// profit, ExitBars==0 means no time exit.
type StrategyParams struct {
	SLPct    float64 `json:"sl_pct" yaml:"sl_pct"`
	TPPct    float64 `json:"tp_pct" yaml:"tp_pct"`
	Leverage float64 `json:"leverage" yaml:"leverage"`
	ExitBars int     `json:"exit_bars" yaml:"exit_bars"`
}

// Strategy is the central pipeline row. Mutation goes through the store's
// claim/release layer; readers treat it as a snapshot.
type Strategy struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Kind      Kind      `json:"kind" db:"kind"`
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`
	Code      []byte    `json:"-" db:"code"`

	PatternCoins     []string       `json:"pattern_coins,omitempty" db:"pattern_coins"`
	BacktestPairs    []string       `json:"backtest_pairs,omitempty" db:"backtest_pairs"`
	OptimalTimeframe *Timeframe     `json:"optimal_timeframe,omitempty" db:"optimal_timeframe"`
	Parameters       StrategyParams `json:"parameters" db:"parameters"`

	Status              Status     `json:"status" db:"status"`
	ProcessingBy        *string    `json:"processing_by,omitempty" db:"processing_by"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`

	ScoreBacktest    *float64   `json:"score_backtest,omitempty" db:"score_backtest"`
	LastBacktestedAt *time.Time `json:"last_backtested_at,omitempty" db:"last_backtested_at"`

	ScoreLive          *float64   `json:"score_live,omitempty" db:"score_live"`
	WinRateLive        *float64   `json:"win_rate_live,omitempty" db:"win_rate_live"`
	ExpectancyLive     *float64   `json:"expectancy_live,omitempty" db:"expectancy_live"`
	SharpeLive         *float64   `json:"sharpe_live,omitempty" db:"sharpe_live"`
	MaxDrawdownLive    *float64   `json:"max_drawdown_live,omitempty" db:"max_drawdown_live"`
	TotalTradesLive    *int       `json:"total_trades_live,omitempty" db:"total_trades_live"`
	TotalPnLLive       *float64   `json:"total_pnl_live,omitempty" db:"total_pnl_live"`
	LastLiveUpdate     *time.Time `json:"last_live_update,omitempty" db:"last_live_update"`
	LiveDegradationPct *float64   `json:"live_degradation_pct,omitempty" db:"live_degradation_pct"`

	RetiredAt     *time.Time `json:"retired_at,omitempty" db:"retired_at"`
	RetiredReason *string    `json:"retired_reason,omitempty" db:"retired_reason"`
	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`

	TemplateID     *uuid.UUID     `json:"template_id,omitempty" db:"template_id"`
	PatternIDs     []string       `json:"pattern_ids,omitempty" db:"pattern_ids"`
	GenerationMode GenerationMode `json:"generation_mode" db:"generation_mode"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Claimed reports whether a process currently holds this row's lease.
func (s *Strategy) Claimed() bool {
	return s.ProcessingBy != nil && *s.ProcessingBy != ""
}

// ChildName builds the deterministic name for a parametric child of this
// strategy: family prefix plus a short uuid.
func (s *Strategy) ChildName(childID uuid.UUID) string {
	return fmt.Sprintf("%s_%s", s.Kind, childID.String()[:8])
}
