package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantforge/quantforge/internal/models"
)

// EnvConfigPath overrides the -config flag when set.
const EnvConfigPath = "QUANTFORGE_CONFIG"

// Config is the full configuration surface. Every key is required:
// missing keys fail validation instead of falling back to defaults.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cache       CacheConfig       `yaml:"cache"`
	Backtesting BacktestingConfig `yaml:"backtesting"`
	Pool        PoolConfig        `yaml:"pool"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Scorer      ScorerConfig      `yaml:"scorer"`
	Risk        RiskConfig        `yaml:"risk"`
	Parametric  ParametricConfig  `yaml:"parametric"`
	Venue       VenueConfig       `yaml:"venue"`
	Rotator     RotatorConfig     `yaml:"rotator"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
}

func (c DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` // empty = console
}

type CacheConfig struct {
	Dir string `yaml:"dir"`
}

type ThresholdsConfig struct {
	MinSharpe      float64 `yaml:"min_sharpe"`
	MinWinRate     float64 `yaml:"min_win_rate"`
	MaxDrawdown    float64 `yaml:"max_drawdown"`
	MinTotalTrades int     `yaml:"min_total_trades"`
	MinExpectancy  float64 `yaml:"min_expectancy"`
}

type HoldoutConfig struct {
	MaxDegradation float64 `yaml:"max_degradation"`
	MinSharpe      float64 `yaml:"min_sharpe"`
	RecencyWeight  float64 `yaml:"recency_weight"`
	MinTrades      int     `yaml:"min_trades"`
}

type BacktestingConfig struct {
	ThreadsValidated   int              `yaml:"threads_validated"`
	ThreadsRetest      int              `yaml:"threads_retest"`
	RetestIntervalDays int              `yaml:"retest_interval_days"`
	Thresholds         ThresholdsConfig `yaml:"thresholds"`
	TrainingDays       int              `yaml:"training_days"`
	HoldoutDays        int              `yaml:"holdout_days"`
	MinCoveragePct     float64          `yaml:"min_coverage_pct"`
	Holdout            HoldoutConfig    `yaml:"holdout"`
	InitialCapital     float64          `yaml:"initial_capital"`
	MaxCoins           int              `yaml:"max_coins"`
	MinCoins           int              `yaml:"min_coins"`
	MaxPositions       int              `yaml:"max_positions"`
}

type PoolConfig struct {
	MaxSize       int     `yaml:"max_size"`
	MinScoreEntry float64 `yaml:"min_score_entry"`
}

type BackpressureConfig struct {
	BaseCooldownSec      float64 `yaml:"base_cooldown_sec"`
	CooldownIncrementSec float64 `yaml:"cooldown_increment_sec"`
	MaxCooldownSec       float64 `yaml:"max_cooldown_sec"`
}

type PipelineConfig struct {
	Backpressure      BackpressureConfig `yaml:"backpressure"`
	LogIntervalSec    int                `yaml:"log_interval_sec"`
	StaleClaimMinutes int                `yaml:"stale_claim_minutes"`
}

func (c PipelineConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

type ScorerWeights struct {
	Expectancy float64 `yaml:"expectancy"`
	Sharpe     float64 `yaml:"sharpe"`
	WinRate    float64 `yaml:"win_rate"`
	Drawdown   float64 `yaml:"drawdown"`
	Recency    float64 `yaml:"recency"`
}

// Robustness share is implied: the five explicit weights plus the fixed
// 0.10 robustness term must sum to 1.0.
func (w ScorerWeights) Sum() float64 {
	return w.Expectancy + w.Sharpe + w.WinRate + w.Drawdown + w.Recency
}

type ScorerConfig struct {
	Weights              ScorerWeights `yaml:"weights"`
	MinTrades            int           `yaml:"min_trades"`
	MinTradesForFreq     int           `yaml:"min_trades_for_frequency"`
	MinDaysForFreq       float64       `yaml:"min_days_for_frequency"`
	LiveRefreshBatchSize int           `yaml:"live_refresh_batch_size"`
}

type EmergencyConfig struct {
	MaxPortfolioDrawdown float64 `yaml:"max_portfolio_drawdown"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
}

type TrailingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ActivationPct      float64 `yaml:"activation_pct"`
	TrailPct           float64 `yaml:"trail_pct"`
	MinAdjustmentPct   float64 `yaml:"min_adjustment_pct"`
	UpdateCooldownSec  float64 `yaml:"update_cooldown_sec"`
	BreakevenBufferPct float64 `yaml:"breakeven_buffer_pct"`
}

type RiskConfig struct {
	RiskPerTradePct               float64         `yaml:"risk_per_trade_pct"`
	MaxOpenPositionsPerSubaccount int             `yaml:"max_open_positions_per_subaccount"`
	LiquidationBufferPct          float64         `yaml:"liquidation_buffer_pct"`
	Emergency                     EmergencyConfig `yaml:"emergency"`
	Trailing                      TrailingConfig  `yaml:"trailing"`
}

// ParametricGrid is the per-timeframe slice of the parameter space.
type ParametricGrid struct {
	SLPct    []float64      `yaml:"sl_pct"`
	TPPct    []float64      `yaml:"tp_pct"`
	ExitBars []int          `yaml:"exit_bars"`
	Stop     StopGridConfig `yaml:"stop"`
}

// StopGridConfig selects how the kernel derives per-entry stop
// distances for one timeframe: "fixed" uses the tuple's sl_pct, "atr"
// and "swing" resolve a per-bar override from the price series.
type StopGridConfig struct {
	Mode          string  `yaml:"mode"`
	ATRPeriod     int     `yaml:"atr_period"`
	ATRMult       float64 `yaml:"atr_mult"`
	SwingLookback int     `yaml:"swing_lookback"`
}

type ParametricConfig struct {
	Grids    map[models.Timeframe]ParametricGrid `yaml:"grids"`
	Leverage []float64                           `yaml:"leverage"`
}

type VenueConfig struct {
	BaseURL       string `yaml:"base_url"`
	WSURL         string `yaml:"ws_url"`
	DryRun        bool   `yaml:"dry_run"`
	MinIntervalMS int    `yaml:"min_interval_ms"`
	RedisAddr     string `yaml:"redis_addr"`
	SubaccountID  string `yaml:"subaccount_id"`
}

type RotatorConfig struct {
	MaxLive              int     `yaml:"max_live"`
	IntervalSec          int     `yaml:"interval_sec"`
	LiveDegradationLimit float64 `yaml:"live_degradation_limit"`
}

type MetricsConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	SnapshotSec int    `yaml:"snapshot_sec"`
}

// Path resolves the config file path: env override wins over the flag.
func Path(flagValue string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return flagValue
}

// Load reads and validates the config file. Any missing or inconsistent
// key is a hard error; processes exit non-zero on it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate cross-checks the whole surface. Errors name the offending key.
func (c *Config) Validate() error {
	checks := []struct {
		ok  bool
		key string
	}{
		{c.Database.DSN != "", "database.dsn"},
		{c.Database.QueryTimeoutMS > 0, "database.query_timeout_ms"},
		{c.Database.MaxOpenConns > 0, "database.max_open_conns"},
		{c.Logging.Level != "", "logging.level"},
		{c.Cache.Dir != "", "cache.dir"},
		{c.Backtesting.ThreadsValidated >= 1, "backtesting.threads_validated"},
		{c.Backtesting.ThreadsRetest >= 1, "backtesting.threads_retest"},
		{c.Backtesting.RetestIntervalDays > 0, "backtesting.retest_interval_days"},
		{c.Backtesting.TrainingDays > 0, "backtesting.training_days"},
		{c.Backtesting.HoldoutDays > 0, "backtesting.holdout_days"},
		{c.Backtesting.MinCoveragePct > 0 && c.Backtesting.MinCoveragePct <= 1, "backtesting.min_coverage_pct"},
		{c.Backtesting.InitialCapital > 0, "backtesting.initial_capital"},
		{c.Backtesting.MaxCoins > 0, "backtesting.max_coins"},
		{c.Backtesting.MinCoins > 0 && c.Backtesting.MinCoins <= c.Backtesting.MaxCoins, "backtesting.min_coins"},
		{c.Backtesting.MaxPositions > 0, "backtesting.max_positions"},
		{c.Backtesting.Thresholds.MinTotalTrades > 0, "backtesting.thresholds.min_total_trades"},
		{c.Backtesting.Holdout.MaxDegradation > 0, "backtesting.holdout.max_degradation"},
		{c.Backtesting.Holdout.RecencyWeight > 0 && c.Backtesting.Holdout.RecencyWeight < 1, "backtesting.holdout.recency_weight"},
		{c.Backtesting.Holdout.MinTrades > 0, "backtesting.holdout.min_trades"},
		{c.Pool.MaxSize > 0, "pool.max_size"},
		{c.Pool.MinScoreEntry > 0, "pool.min_score_entry"},
		{c.Pipeline.Backpressure.BaseCooldownSec > 0, "pipeline.backpressure.base_cooldown_sec"},
		{c.Pipeline.Backpressure.CooldownIncrementSec > 0, "pipeline.backpressure.cooldown_increment_sec"},
		{c.Pipeline.Backpressure.MaxCooldownSec >= c.Pipeline.Backpressure.BaseCooldownSec, "pipeline.backpressure.max_cooldown_sec"},
		{c.Pipeline.LogIntervalSec > 0, "pipeline.log_interval_sec"},
		{c.Pipeline.StaleClaimMinutes > 0, "pipeline.stale_claim_minutes"},
		{c.Scorer.MinTrades > 0, "scorer.min_trades"},
		{c.Scorer.MinTradesForFreq > 0, "scorer.min_trades_for_frequency"},
		{c.Scorer.MinDaysForFreq > 0, "scorer.min_days_for_frequency"},
		{c.Scorer.LiveRefreshBatchSize > 0, "scorer.live_refresh_batch_size"},
		{c.Risk.RiskPerTradePct > 0 && c.Risk.RiskPerTradePct < 1, "risk.risk_per_trade_pct"},
		{c.Risk.MaxOpenPositionsPerSubaccount > 0, "risk.max_open_positions_per_subaccount"},
		{c.Risk.LiquidationBufferPct > 0 && c.Risk.LiquidationBufferPct < 1, "risk.liquidation_buffer_pct"},
		{c.Risk.Emergency.MaxPortfolioDrawdown > 0, "risk.emergency.max_portfolio_drawdown"},
		{c.Risk.Emergency.MaxConsecutiveLosses > 0, "risk.emergency.max_consecutive_losses"},
		{c.Risk.Trailing.ActivationPct > 0, "risk.trailing.activation_pct"},
		{c.Risk.Trailing.TrailPct > 0, "risk.trailing.trail_pct"},
		{c.Risk.Trailing.MinAdjustmentPct > 0, "risk.trailing.min_adjustment_pct"},
		{c.Risk.Trailing.UpdateCooldownSec > 0, "risk.trailing.update_cooldown_sec"},
		{c.Risk.Trailing.BreakevenBufferPct > 0, "risk.trailing.breakeven_buffer_pct"},
		{len(c.Parametric.Leverage) > 0, "parametric.leverage"},
		{c.Venue.BaseURL != "", "venue.base_url"},
		{c.Venue.WSURL != "", "venue.ws_url"},
		{c.Venue.MinIntervalMS > 0, "venue.min_interval_ms"},
		{c.Venue.SubaccountID != "", "venue.subaccount_id"},
		{c.Rotator.MaxLive > 0, "rotator.max_live"},
		{c.Rotator.IntervalSec > 0, "rotator.interval_sec"},
		{c.Rotator.LiveDegradationLimit > 0, "rotator.live_degradation_limit"},
		{c.Metrics.ListenAddr != "", "metrics.listen_addr"},
		{c.Metrics.SnapshotSec > 0, "metrics.snapshot_sec"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("missing or invalid key %s", chk.key)
		}
	}

	if sum := c.Scorer.Weights.Sum(); math.Abs(sum+0.10-1.0) > 1e-9 {
		return fmt.Errorf("scorer.weights plus fixed robustness 0.10 must sum to 1.0, got %.6f", sum+0.10)
	}

	if len(c.Parametric.Grids) == 0 {
		return fmt.Errorf("missing or invalid key parametric.grids")
	}
	for tf, grid := range c.Parametric.Grids {
		if _, err := models.ParseTimeframe(string(tf)); err != nil {
			return fmt.Errorf("parametric.grids: %w", err)
		}
		if len(grid.SLPct) == 0 || len(grid.TPPct) == 0 || len(grid.ExitBars) == 0 {
			return fmt.Errorf("parametric.grids.%s: empty dimension", tf)
		}
		switch grid.Stop.Mode {
		case "fixed":
		case "atr":
			if grid.Stop.ATRPeriod <= 0 || grid.Stop.ATRMult <= 0 {
				return fmt.Errorf("parametric.grids.%s.stop: atr mode needs atr_period and atr_mult", tf)
			}
		case "swing":
			if grid.Stop.SwingLookback <= 0 {
				return fmt.Errorf("parametric.grids.%s.stop: swing mode needs swing_lookback", tf)
			}
		default:
			return fmt.Errorf("parametric.grids.%s.stop.mode: %q is not fixed, atr or swing", tf, grid.Stop.Mode)
		}
	}

	return nil
}
