package models

import (
	"time"

	"github.com/google/uuid"
)

// PeriodType distinguishes the two halves of a split-sample evaluation.
type PeriodType string

const (
	PeriodTraining PeriodType = "training"
	PeriodHoldout  PeriodType = "holdout"
)

// SymbolResult holds per-symbol scalar metrics inside a backtest row.
type SymbolResult struct {
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	Expectancy  float64 `json:"expectancy"`
	TotalReturn float64 `json:"total_return"`
}

// BacktestResult is one evaluation window for one strategy. Training
// rows for the optimal timeframe link to their paired holdout row via
// RecentResultID.
type BacktestResult struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	StrategyID uuid.UUID  `json:"strategy_id" db:"strategy_id"`
	PeriodType PeriodType `json:"period_type" db:"period_type"`
	PeriodDays int        `json:"period_days" db:"period_days"`
	StartDate  time.Time  `json:"start_date" db:"start_date"`
	EndDate    time.Time  `json:"end_date" db:"end_date"`

	TotalTrades    int     `json:"total_trades" db:"total_trades"`
	WinRate        float64 `json:"win_rate" db:"win_rate"`
	SharpeRatio    float64 `json:"sharpe_ratio" db:"sharpe_ratio"`
	Expectancy     float64 `json:"expectancy" db:"expectancy"`
	MaxDrawdown    float64 `json:"max_drawdown" db:"max_drawdown"`
	TotalReturnPct float64 `json:"total_return_pct" db:"total_return_pct"`
	FinalEquity    float64 `json:"final_equity" db:"final_equity"`

	SymbolsTested    []string                `json:"symbols_tested" db:"symbols_tested"`
	TimeframeTested  Timeframe               `json:"timeframe_tested" db:"timeframe_tested"`
	IsOptimalTF      bool                    `json:"is_optimal_tf" db:"is_optimal_tf"`
	PerSymbolResults map[string]SymbolResult `json:"per_symbol_results,omitempty" db:"per_symbol_results"`

	RecentResultID *uuid.UUID `json:"recent_result_id,omitempty" db:"recent_result_id"`

	WeightedSharpe               float64 `json:"weighted_sharpe" db:"weighted_sharpe"`
	WeightedSharpePure           float64 `json:"weighted_sharpe_pure" db:"weighted_sharpe_pure"`
	WeightedExpectancy           float64 `json:"weighted_expectancy" db:"weighted_expectancy"`
	WeightedWinRate              float64 `json:"weighted_win_rate" db:"weighted_win_rate"`
	WeightedWalkForwardStability float64 `json:"weighted_walk_forward_stability" db:"weighted_walk_forward_stability"`
	WeightedMaxDrawdown          float64 `json:"weighted_max_drawdown" db:"weighted_max_drawdown"`
	RecencyRatio                 float64 `json:"recency_ratio" db:"recency_ratio"`
	RecencyPenalty               float64 `json:"recency_penalty" db:"recency_penalty"`
	WalkForwardStability         float64 `json:"walk_forward_stability" db:"walk_forward_stability"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Trade is a realized execution record written by the executor and read
// by the live scorer.
type Trade struct {
	ID         int64     `json:"id" db:"id"`
	StrategyID uuid.UUID `json:"strategy_id" db:"strategy_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Side       string    `json:"side" db:"side"`
	EntryTime  time.Time `json:"entry_time" db:"entry_time"`
	ExitTime   time.Time `json:"exit_time" db:"exit_time"`
	PnLUSD     float64   `json:"pnl_usd" db:"pnl_usd"`
	PnLPct     float64   `json:"pnl_pct" db:"pnl_pct"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Credential is per-subaccount signing material. Opaque to the core
// beyond selection by subaccount and expiry.
type Credential struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	SubaccountID string     `json:"subaccount_id" db:"subaccount_id"`
	APIKey       string     `json:"-" db:"api_key"`
	APISecret    string     `json:"-" db:"api_secret"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Valid reports whether the credential can sign right now.
func (c *Credential) Valid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// PipelineMetricsSnapshot is an append-only observability row.
type PipelineMetricsSnapshot struct {
	ID              int64          `json:"id" db:"id"`
	Timestamp       time.Time      `json:"ts" db:"ts"`
	StatusCounts    map[Status]int `json:"status_counts" db:"status_counts"`
	PoolSize        int            `json:"pool_size" db:"pool_size"`
	PoolMaxSize     int            `json:"pool_max_size" db:"pool_max_size"`
	PoolUtilization float64        `json:"pool_utilization" db:"pool_utilization"`
}
