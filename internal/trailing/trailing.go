package trailing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
)

// Side of a tracked position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// StopReplacer is the slice of the execution client the trailing
// service needs: place a new stop trigger and cancel the old one.
type StopReplacer interface {
	PlaceStopOrder(ctx context.Context, symbol string, side Side, size, triggerPx float64) (orderID string, err error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Position is the per-position trailing state. Dormant until price
// crosses the activation level in the favorable direction; active
// positions ratchet the stop behind the high-water mark.
type Position struct {
	Symbol          string
	Side            Side
	EntryPrice      float64
	ActivationPrice float64
	HighWaterMark   float64
	CurrentSL       float64
	CurrentSLOrder  string
	Size            float64
	Active          bool

	// lastUpdate carries Go's monotonic reading; wall-clock jumps never
	// shorten the cooldown.
	lastUpdate time.Time
}

// Service tracks every trailing position of one executor process.
type Service struct {
	mu        sync.Mutex
	positions map[string]*Position

	cfg  config.TrailingConfig
	exec StopReplacer
	now  func() time.Time

	// Updated counts performed stop replacements; nil-safe.
	Updated interface{ Inc() }
}

// NewService builds the trailing tracker.
func NewService(cfg config.TrailingConfig, exec StopReplacer) *Service {
	return &Service{
		positions: make(map[string]*Position),
		cfg:       cfg,
		exec:      exec,
		now:       time.Now,
	}
}

// Register starts tracking a freshly opened position. The activation
// price is entry shifted by activation_pct in the favorable direction.
func (s *Service) Register(symbol string, side Side, entry, sl float64, slOrderID string, size float64) {
	if !s.cfg.Enabled {
		return
	}
	activation := entry * (1 + s.cfg.ActivationPct)
	if side == SideShort {
		activation = entry * (1 - s.cfg.ActivationPct)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = &Position{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entry,
		ActivationPrice: activation,
		CurrentSL:       sl,
		CurrentSLOrder:  slOrderID,
		Size:            size,
	}
	log.Debug().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entry).
		Float64("activation", activation).
		Msg("trailing stop registered")
}

// Unregister drops tracking when the position closes.
func (s *Service) Unregister(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

// Tracked reports whether a symbol has trailing state.
func (s *Service) Tracked(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[symbol]
	return ok
}

// Snapshot returns a copy of one position's state.
func (s *Service) Snapshot(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// OnPriceUpdate drives the state machine for one symbol. Dormant
// positions only activate; active positions ratchet the stop when the
// candidate improves it by at least min_adjustment_pct and the cooldown
// has elapsed. Stop replacement is atomic: the new trigger goes in
// first, the old one is cancelled after, so a placement failure leaves
// the previous stop in force.
func (s *Service) OnPriceUpdate(ctx context.Context, symbol string, price float64) error {
	if price <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return nil
	}

	if !p.Active {
		if s.favorableCross(p, price) {
			p.Active = true
			p.HighWaterMark = price
			log.Info().
				Str("symbol", symbol).
				Float64("price", price).
				Msg("trailing stop activated")
		}
		return nil
	}

	if s.improved(p, price, p.HighWaterMark) {
		p.HighWaterMark = price
	}

	candidate := s.candidateSL(p)
	if !s.significant(p, candidate) {
		return nil
	}
	if !p.lastUpdate.IsZero() && s.now().Sub(p.lastUpdate).Seconds() < s.cfg.UpdateCooldownSec {
		return nil
	}
	return s.replaceStop(ctx, p, candidate)
}

// favorableCross reports whether price reached the activation level.
func (s *Service) favorableCross(p *Position, price float64) bool {
	if p.Side == SideLong {
		return price >= p.ActivationPrice
	}
	return price <= p.ActivationPrice
}

// improved reports whether price beats the given mark on the favorable
// side.
func (s *Service) improved(p *Position, price, mark float64) bool {
	if p.Side == SideLong {
		return price > mark
	}
	return price < mark
}

// candidateSL is the trailing stop implied by the high-water mark,
// floored at breakeven plus buffer.
func (s *Service) candidateSL(p *Position) float64 {
	if p.Side == SideLong {
		trail := p.HighWaterMark * (1 - s.cfg.TrailPct)
		breakeven := p.EntryPrice * (1 + s.cfg.BreakevenBufferPct)
		if trail > breakeven {
			return trail
		}
		return breakeven
	}
	trail := p.HighWaterMark * (1 + s.cfg.TrailPct)
	breakeven := p.EntryPrice * (1 - s.cfg.BreakevenBufferPct)
	if trail < breakeven {
		return trail
	}
	return breakeven
}

// significant requires the candidate to improve the current stop by at
// least min_adjustment_pct.
func (s *Service) significant(p *Position, candidate float64) bool {
	if p.CurrentSL <= 0 {
		return true
	}
	if p.Side == SideLong {
		return candidate >= p.CurrentSL*(1+s.cfg.MinAdjustmentPct)
	}
	return candidate <= p.CurrentSL*(1-s.cfg.MinAdjustmentPct)
}

func (s *Service) replaceStop(ctx context.Context, p *Position, candidate float64) error {
	newOrder, err := s.exec.PlaceStopOrder(ctx, p.Symbol, p.Side, p.Size, candidate)
	if err != nil {
		return fmt.Errorf("place trailing stop %s: %w", p.Symbol, err)
	}
	if p.CurrentSLOrder != "" {
		if err := s.exec.CancelOrder(ctx, p.Symbol, p.CurrentSLOrder); err != nil {
			// New stop is live; a lingering old trigger is reduce-only
			// and harmless compared to no stop at all.
			log.Warn().Err(err).
				Str("symbol", p.Symbol).
				Str("order", p.CurrentSLOrder).
				Msg("old stop cancel failed")
		}
	}
	old := p.CurrentSL
	p.CurrentSL = candidate
	p.CurrentSLOrder = newOrder
	p.lastUpdate = s.now()
	if s.Updated != nil {
		s.Updated.Inc()
	}
	log.Info().
		Str("symbol", p.Symbol).
		Float64("old_sl", old).
		Float64("new_sl", candidate).
		Float64("hwm", p.HighWaterMark).
		Msg("trailing stop advanced")
	return nil
}
