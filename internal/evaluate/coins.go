package evaluate

import (
	"fmt"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
)

// Reject reason tags for coin-set selection.
const (
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonInsufficientCache     = "insufficient_cache"
	ReasonInsufficientCoverage  = "insufficient_coverage"
)

// RejectError is the soft rejection of a coin set; the strategy is
// rejected for the timeframe, not the pipeline.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("coin selection rejected: %s", e.Reason)
}

// CoinSelector implements the unified scroll-down routine: the same
// filters serve volume-ordered AI strategies and edge-ordered pattern
// strategies, so backtested coins are exactly the coins traded live.
type CoinSelector struct {
	reader         *ohlcv.Reader
	activeSet      map[string]bool
	minCoveragePct float64
	trainingDays   int
	holdoutDays    int
}

// NewCoinSelector builds the selector. activeSymbols is the venue's
// current tradable set.
func NewCoinSelector(reader *ohlcv.Reader, activeSymbols []string, minCoveragePct float64, trainingDays, holdoutDays int) *CoinSelector {
	active := make(map[string]bool, len(activeSymbols))
	for _, s := range activeSymbols {
		active[s] = true
	}
	return &CoinSelector{
		reader:         reader,
		activeSet:      active,
		minCoveragePct: minCoveragePct,
		trainingDays:   trainingDays,
		holdoutDays:    holdoutDays,
	}
}

// Select walks the ordered candidate list applying liquidity, cache and
// coverage filters. The whole list is always iterated so lower-ranked
// candidates backfill for higher-ranked failures; selection never
// breaks early.
func (c *CoinSelector) Select(candidates []string, tf models.Timeframe, targetCount, minCount int) ([]string, error) {
	fullDays := float64(c.trainingDays + c.holdoutDays)
	required := c.minCoveragePct * fullDays

	var survivors []string
	liquidityPass, cachePass := 0, 0
	for _, sym := range candidates {
		if !c.activeSet[sym] {
			continue
		}
		liquidityPass++
		if !c.reader.HasFile(sym, string(tf)) {
			continue
		}
		cachePass++
		info, err := c.reader.Info(sym, string(tf))
		if err != nil {
			continue
		}
		if info.CoveredDays < required {
			continue
		}
		survivors = append(survivors, sym)
	}

	if len(survivors) < minCount {
		switch {
		case liquidityPass < minCount:
			return nil, &RejectError{Reason: ReasonInsufficientLiquidity}
		case cachePass < minCount:
			return nil, &RejectError{Reason: ReasonInsufficientCache}
		default:
			return nil, &RejectError{Reason: ReasonInsufficientCoverage}
		}
	}
	if len(survivors) > targetCount {
		survivors = survivors[:targetCount]
	}
	return survivors, nil
}
