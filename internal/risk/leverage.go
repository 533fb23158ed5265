package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// MaintenanceMarginRate for an asset is half the reciprocal of its
// maximum venue leverage.
func MaintenanceMarginRate(maxLeverage float64) float64 {
	if maxLeverage <= 0 {
		return 0
	}
	return 1 / (2 * maxLeverage)
}

// LiquidationDistance is the adverse move, as a fraction of price, that
// liquidates a position at the given leverage. Smaller is tighter.
func LiquidationDistance(leverage, maxLeverage float64) float64 {
	return 1/leverage - MaintenanceMarginRate(maxLeverage)
}

// SafeLeverage derives the highest integer leverage whose liquidation
// distance still clears the stop loss plus a safety buffer. Result is
// clamped to [1, maxLeverage].
func SafeLeverage(slPct, maxLeverage, bufferPct float64) float64 {
	if slPct <= 0 || maxLeverage < 1 {
		return 1
	}
	requiredDistance := slPct / (1 - bufferPct)
	safe := math.Floor(1 / (requiredDistance + MaintenanceMarginRate(maxLeverage)))
	if safe < 1 {
		safe = 1
	}
	if safe > maxLeverage {
		safe = maxLeverage
	}
	return safe
}

// IsLeverageSafe reports whether a leverage survives its own stop loss
// with the buffer intact.
func IsLeverageSafe(slPct, leverage, maxLeverage, bufferPct float64) bool {
	if leverage < 1 {
		return false
	}
	return LiquidationDistance(leverage, maxLeverage) >= slPct/(1-bufferPct)
}

// ValidateAndAdjustLeverage silently derates a requested leverage to
// the safe bound, logging the reduction. Idempotent: the returned value
// passes IsLeverageSafe and re-running returns the same value.
func ValidateAndAdjustLeverage(symbol string, slPct, desired, maxLeverage, bufferPct float64) float64 {
	safe := SafeLeverage(slPct, maxLeverage, bufferPct)
	if desired <= safe {
		if desired < 1 {
			return 1
		}
		return desired
	}
	log.Warn().
		Str("symbol", symbol).
		Float64("requested", desired).
		Float64("safe", safe).
		Float64("sl_pct", slPct).
		Msg("leverage derated to liquidation-safe bound")
	return safe
}

// Signal is a live order intent subject to validity checks.
type Signal struct {
	Symbol     string
	Direction  string // long | short | close
	Entry      float64
	StopLoss   float64
	TakeProfit float64 // 0 = none
	Leverage   float64
}

// Validate enforces price geometry: long needs SL < entry < TP, short
// needs TP < entry < SL.
func (s Signal) Validate() error {
	switch s.Direction {
	case "close":
		return nil
	case "long":
		if s.StopLoss >= s.Entry {
			return fmt.Errorf("long signal %s: stop %.6f not below entry %.6f", s.Symbol, s.StopLoss, s.Entry)
		}
		if s.TakeProfit > 0 && s.TakeProfit <= s.Entry {
			return fmt.Errorf("long signal %s: take profit %.6f not above entry %.6f", s.Symbol, s.TakeProfit, s.Entry)
		}
	case "short":
		if s.StopLoss <= s.Entry {
			return fmt.Errorf("short signal %s: stop %.6f not above entry %.6f", s.Symbol, s.StopLoss, s.Entry)
		}
		if s.TakeProfit > 0 && s.TakeProfit >= s.Entry {
			return fmt.Errorf("short signal %s: take profit %.6f not below entry %.6f", s.Symbol, s.TakeProfit, s.Entry)
		}
	default:
		return fmt.Errorf("signal %s: unknown direction %q", s.Symbol, s.Direction)
	}
	if s.StopLoss <= 0 || s.Entry <= 0 {
		return fmt.Errorf("signal %s: non-positive prices", s.Symbol)
	}
	return nil
}

// PositionSize is fixed-fractional sizing: risk a fixed fraction of
// balance against the stop distance. No notional cap; the fraction
// already bounds per-trade loss.
func PositionSize(balance, riskPerTradePct, entry, slPrice float64) (float64, error) {
	dist := math.Abs(entry - slPrice)
	if dist <= 0 {
		return 0, fmt.Errorf("zero stop distance at entry %.6f", entry)
	}
	if balance <= 0 {
		return 0, fmt.Errorf("non-positive balance %.2f", balance)
	}
	return balance * riskPerTradePct / dist, nil
}
