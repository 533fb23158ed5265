package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EmergencyStop tracks portfolio drawdown from the equity peak and the
// consecutive-loss streak. Once tripped it stays tripped until a manual
// Reset; the executor refuses new entries while tripped.
type EmergencyStop struct {
	mu sync.Mutex

	maxDrawdown    float64
	maxConsecutive int

	peakEquity      float64
	consecutiveLoss int
	tripped         bool
	reason          string
}

// NewEmergencyStop builds the advisory stop with its thresholds.
func NewEmergencyStop(maxPortfolioDrawdown float64, maxConsecutiveLosses int) *EmergencyStop {
	return &EmergencyStop{
		maxDrawdown:    maxPortfolioDrawdown,
		maxConsecutive: maxConsecutiveLosses,
	}
}

// ObserveEquity updates the drawdown tracker with the current account
// equity.
func (e *EmergencyStop) ObserveEquity(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	if e.peakEquity <= 0 || e.tripped {
		return
	}
	dd := (e.peakEquity - equity) / e.peakEquity
	if dd >= e.maxDrawdown {
		e.trip("portfolio drawdown limit breached")
	}
}

// ObserveTrade updates the consecutive-loss streak with a closed
// trade's PnL.
func (e *EmergencyStop) ObserveTrade(pnlUSD float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnlUSD < 0 {
		e.consecutiveLoss++
	} else {
		e.consecutiveLoss = 0
	}
	if !e.tripped && e.consecutiveLoss >= e.maxConsecutive {
		e.trip("consecutive loss limit breached")
	}
}

func (e *EmergencyStop) trip(reason string) {
	e.tripped = true
	e.reason = reason
	log.Error().Str("reason", reason).Msg("EMERGENCY STOP tripped; new orders halted")
}

// Tripped returns the flag and its reason.
func (e *EmergencyStop) Tripped() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tripped, e.reason
}

// Reset clears the stop. Operator action only.
func (e *EmergencyStop) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tripped = false
	e.reason = ""
	e.consecutiveLoss = 0
	e.peakEquity = 0
	log.Warn().Msg("emergency stop manually reset")
}
