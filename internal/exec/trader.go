package exec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/metrics"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/risk"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/trailing"
)

type openPosition struct {
	strategyID uuid.UUID
	symbol     string
	side       string
	entryTime  time.Time
	entryPrice float64
	size       float64
	leverage   float64
	slOrder    string
	tpOrder    string
}

// Trader is the live execution core for one subaccount: signal
// validation, liquidation-safe leverage, fixed-fractional sizing,
// protective orders, trailing registration and trade recording. All
// order flow is serialized through one mutex.
type Trader struct {
	mu       sync.Mutex
	client   *Client
	trailing *trailing.Service
	trades   *store.TradeRepo
	stop     *risk.EmergencyStop
	cfg      config.RiskConfig
	registry *metrics.Registry
	open     map[string]*openPosition
}

// NewTrader wires the execution core.
func NewTrader(client *Client, trail *trailing.Service, trades *store.TradeRepo, stop *risk.EmergencyStop, cfg config.RiskConfig, registry *metrics.Registry) *Trader {
	return &Trader{
		client:   client,
		trailing: trail,
		trades:   trades,
		stop:     stop,
		cfg:      cfg,
		registry: registry,
		open:     make(map[string]*openPosition),
	}
}

// OpenPositions returns the symbols this trader currently holds.
func (t *Trader) OpenPositions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.open))
	for sym := range t.open {
		out = append(out, sym)
	}
	return out
}

// Holds reports whether a strategy already has an open position.
func (t *Trader) Holds(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[NormalizeSymbol(symbol)]
	return ok
}

// EntryTime returns when a tracked position was opened.
func (t *Trader) EntryTime(symbol string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.open[NormalizeSymbol(symbol)]
	if !ok {
		return time.Time{}, false
	}
	return pos.entryTime, true
}

// Execute processes one signal for one strategy. Close signals flatten
// and record the trade; entry signals go through the full risk chain.
func (t *Trader) Execute(ctx context.Context, strategyID uuid.UUID, sig risk.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if sig.Direction == "close" {
		return t.closeLocked(ctx, NormalizeSymbol(sig.Symbol))
	}
	return t.enterLocked(ctx, strategyID, sig)
}

func (t *Trader) enterLocked(ctx context.Context, strategyID uuid.UUID, sig risk.Signal) error {
	sym := NormalizeSymbol(sig.Symbol)
	if _, exists := t.open[sym]; exists {
		return fmt.Errorf("position already open for %s", sym)
	}
	if tripped, reason := t.stop.Tripped(); tripped {
		return fmt.Errorf("emergency stop active (%s), entry refused", reason)
	}
	if len(t.open) >= t.cfg.MaxOpenPositionsPerSubaccount {
		return fmt.Errorf("position limit %d reached", t.cfg.MaxOpenPositionsPerSubaccount)
	}

	balance, err := t.client.GetAccountBalance(ctx)
	if err != nil {
		return err
	}
	t.stop.ObserveEquity(balance.AccountValue)
	if tripped, reason := t.stop.Tripped(); tripped {
		return fmt.Errorf("emergency stop active (%s), entry refused", reason)
	}

	slPct := math.Abs(sig.Entry-sig.StopLoss) / sig.Entry
	lev := risk.ValidateAndAdjustLeverage(sym, slPct, sig.Leverage, t.client.MaxLeverage(sym), t.cfg.LiquidationBufferPct)
	size, err := risk.PositionSize(balance.AccountValue, t.cfg.RiskPerTradePct, sig.Entry, sig.StopLoss)
	if err != nil {
		return err
	}

	if err := t.client.SetLeverage(ctx, sym, int(lev), true); err != nil {
		return fmt.Errorf("set leverage %s: %w", sym, err)
	}

	isBuy := sig.Direction == "long"
	res, err := t.client.PlaceOrderWithSLTP(ctx, sym, isBuy, size, sig.StopLoss, sig.TakeProfit)
	if err != nil {
		return err
	}
	t.countOrder("entry")

	pos := &openPosition{
		strategyID: strategyID,
		symbol:     sym,
		side:       sig.Direction,
		entryTime:  time.Now().UTC(),
		entryPrice: res.Entry.AvgPx,
		size:       res.Entry.Size,
		leverage:   lev,
		slOrder:    res.SLOrder,
		tpOrder:    res.TPOrder,
	}
	t.open[sym] = pos

	trailSide := trailing.SideLong
	if !isBuy {
		trailSide = trailing.SideShort
	}
	t.trailing.Register(sym, trailSide, pos.entryPrice, sig.StopLoss, res.SLOrder, pos.size)

	log.Info().
		Str("symbol", sym).
		Str("side", sig.Direction).
		Str("strategy_id", strategyID.String()).
		Float64("size", pos.size).
		Float64("entry", pos.entryPrice).
		Float64("leverage", lev).
		Msg("position opened")
	return nil
}

func (t *Trader) closeLocked(ctx context.Context, sym string) error {
	pos, ok := t.open[sym]
	if !ok {
		return fmt.Errorf("no tracked position for %s", sym)
	}

	res, err := t.client.ClosePosition(ctx, sym)
	if err != nil {
		return err
	}
	t.countOrder("close")
	delete(t.open, sym)
	t.trailing.Unregister(sym)

	dir := 1.0
	if pos.side == "short" {
		dir = -1.0
	}
	pnlPct := dir * (res.AvgPx - pos.entryPrice) / pos.entryPrice * pos.leverage
	notional := pos.entryPrice * pos.size / pos.leverage
	trade := &models.Trade{
		StrategyID: pos.strategyID,
		Symbol:     sym,
		Side:       pos.side,
		EntryTime:  pos.entryTime,
		ExitTime:   time.Now().UTC(),
		PnLUSD:     notional * pnlPct,
		PnLPct:     pnlPct,
	}
	if err := t.trades.Insert(ctx, trade); err != nil {
		log.Error().Err(err).Str("symbol", sym).Msg("trade record failed")
	}
	t.stop.ObserveTrade(trade.PnLUSD)

	log.Info().
		Str("symbol", sym).
		Str("side", pos.side).
		Float64("pnl_usd", trade.PnLUSD).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
	return nil
}

// CloseAll flattens every tracked position; called when the emergency
// stop trips or on operator request.
func (t *Trader) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	symbols := make([]string, 0, len(t.open))
	for sym := range t.open {
		symbols = append(symbols, sym)
	}
	t.mu.Unlock()

	var firstErr error
	for _, sym := range symbols {
		t.mu.Lock()
		err := t.closeLocked(ctx, sym)
		t.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Trader) countOrder(kind string) {
	if t.registry == nil {
		return
	}
	mode := "live"
	if t.client.DryRun() {
		mode = "dry_run"
	}
	t.registry.OrdersPlaced.WithLabelValues(kind, mode).Inc()
}
