package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/trailing"
)

// Aggressive IOC limits stand in for market orders: priced through the
// mid far enough to fill, close enough to bound slippage.
const marketSlippagePct = 0.10

const midCacheTTL = 10 * time.Second

// Client is the venue adapter. One instance per subaccount; the
// executor serializes orders through it. Dry-run mode simulates every
// mutating call; live mode requires valid credentials at construction.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	dryRun     bool
	cred       *models.Credential
	subaccount string
	rdb        *redis.Client

	metaMu    sync.RWMutex
	meta      map[string]AssetMeta
	byVolume  []string
	dryOrders atomic.Int64

	midsMu sync.RWMutex
	mids   map[string]float64
}

// NewClient validates credentials for live mode and builds the rate
// limiter and circuit breaker. rdb is the optional hot mids cache; nil
// disables it.
func NewClient(cfg config.VenueConfig, cred *models.Credential, rdb *redis.Client) (*Client, error) {
	if !cfg.DryRun {
		if cred == nil || !cred.Valid(time.Now()) {
			return nil, fmt.Errorf("live mode requires an active unexpired credential for subaccount %s", cfg.SubaccountID)
		}
	}
	interval := time.Duration(cfg.MinIntervalMS) * time.Millisecond
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "venue-rest",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		dryRun:     cfg.DryRun,
		cred:       cred,
		subaccount: cfg.SubaccountID,
		rdb:        rdb,
		meta:       make(map[string]AssetMeta),
		mids:       make(map[string]float64),
	}, nil
}

// DryRun reports whether mutating calls are simulated.
func (c *Client) DryRun() bool { return c.dryRun }

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cred != nil {
			req.Header.Set("X-API-Key", c.cred.APIKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("venue %s: status %d: %s", path, resp.StatusCode, raw)
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("venue %s: decode: %w", path, err)
			}
		}
		return nil, nil
	})
	return err
}

type rawAsset struct {
	Name        string  `json:"name"`
	SzDecimals  int     `json:"szDecimals"`
	MaxLeverage float64 `json:"maxLeverage"`
	IsDelisted  bool    `json:"isDelisted"`
}

type rawAssetCtx struct {
	DayNtlVlm string `json:"dayNtlVlm"`
	MarkPx    string `json:"markPx"`
}

// LoadMetadata refreshes the asset-metadata cache: names, size
// decimals, leverage caps and day volume for the ordering.
func (c *Client) LoadMetadata(ctx context.Context) error {
	var pair []json.RawMessage
	if err := c.post(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &pair); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("load metadata: want 2 elements, got %d", len(pair))
	}
	var meta struct {
		Universe []rawAsset `json:"universe"`
	}
	if err := json.Unmarshal(pair[0], &meta); err != nil {
		return fmt.Errorf("load metadata: universe: %w", err)
	}
	var ctxs []rawAssetCtx
	if err := json.Unmarshal(pair[1], &ctxs); err != nil {
		return fmt.Errorf("load metadata: asset contexts: %w", err)
	}

	assets := make(map[string]AssetMeta, len(meta.Universe))
	ordered := make([]string, 0, len(meta.Universe))
	for i, a := range meta.Universe {
		sym := NormalizeSymbol(a.Name)
		am := AssetMeta{
			Name:        sym,
			SzDecimals:  a.SzDecimals,
			MaxLeverage: a.MaxLeverage,
			Delisted:    a.IsDelisted,
		}
		if i < len(ctxs) {
			am.DayVolume, _ = strconv.ParseFloat(ctxs[i].DayNtlVlm, 64)
		}
		assets[sym] = am
		ordered = append(ordered, sym)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return assets[ordered[i]].DayVolume > assets[ordered[j]].DayVolume
	})

	c.metaMu.Lock()
	c.meta = assets
	c.byVolume = ordered
	c.metaMu.Unlock()
	log.Info().Int("assets", len(assets)).Msg("venue metadata loaded")
	return nil
}

// Meta returns one asset's metadata.
func (c *Client) Meta(symbol string) (AssetMeta, bool) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	m, ok := c.meta[NormalizeSymbol(symbol)]
	return m, ok
}

// OrderedSymbols lists all assets, highest day volume first.
func (c *Client) OrderedSymbols(ctx context.Context) ([]string, error) {
	c.metaMu.RLock()
	n := len(c.byVolume)
	c.metaMu.RUnlock()
	if n == 0 {
		if err := c.LoadMetadata(ctx); err != nil {
			return nil, err
		}
	}
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	out := make([]string, len(c.byVolume))
	copy(out, c.byVolume)
	return out, nil
}

// ActiveSymbols lists the tradable (non-delisted) assets.
func (c *Client) ActiveSymbols(ctx context.Context) ([]string, error) {
	ordered, err := c.OrderedSymbols(ctx)
	if err != nil {
		return nil, err
	}
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	var out []string
	for _, sym := range ordered {
		if !c.meta[sym].Delisted {
			out = append(out, sym)
		}
	}
	return out, nil
}

// MaxLeverage returns the venue's cap for a symbol, 1 when unknown.
func (c *Client) MaxLeverage(symbol string) float64 {
	if m, ok := c.Meta(symbol); ok && m.MaxLeverage >= 1 {
		return m.MaxLeverage
	}
	return 1
}

// SetMid updates the in-memory mid and the redis hot cache; called by
// the websocket feed.
func (c *Client) SetMid(ctx context.Context, symbol string, px float64) {
	sym := NormalizeSymbol(symbol)
	c.midsMu.Lock()
	c.mids[sym] = px
	c.midsMu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, "mid:"+sym, px, midCacheTTL).Err(); err != nil {
			log.Debug().Err(err).Str("symbol", sym).Msg("mid cache write failed")
		}
	}
}

// Mid resolves a symbol's current mid: memory first, then redis, then a
// REST fetch of the full mids map.
func (c *Client) Mid(ctx context.Context, symbol string) (float64, error) {
	sym := NormalizeSymbol(symbol)
	c.midsMu.RLock()
	px, ok := c.mids[sym]
	c.midsMu.RUnlock()
	if ok && px > 0 {
		return px, nil
	}
	if c.rdb != nil {
		if v, err := c.rdb.Get(ctx, "mid:"+sym).Float64(); err == nil && v > 0 {
			return v, nil
		}
	}

	var all map[string]string
	if err := c.post(ctx, "/info", map[string]string{"type": "allMids"}, &all); err != nil {
		return 0, fmt.Errorf("mid for %s: %w", sym, err)
	}
	for name, raw := range all {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.SetMid(ctx, name, v)
		}
	}
	c.midsMu.RLock()
	px, ok = c.mids[sym]
	c.midsMu.RUnlock()
	if !ok || px <= 0 {
		return 0, fmt.Errorf("no mid for %s", sym)
	}
	return px, nil
}

// HealthCheck verifies the REST surface responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	var out []json.RawMessage
	return c.post(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &out)
}

// GetAccountBalance reads the subaccount margin summary.
func (c *Client) GetAccountBalance(ctx context.Context) (*Balance, error) {
	var state struct {
		MarginSummary struct {
			AccountValue string `json:"accountValue"`
		} `json:"marginSummary"`
		Withdrawable string `json:"withdrawable"`
	}
	err := c.post(ctx, "/info", map[string]string{
		"type": "clearinghouseState",
		"user": c.subaccount,
	}, &state)
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	b := &Balance{}
	b.AccountValue, _ = strconv.ParseFloat(state.MarginSummary.AccountValue, 64)
	b.Withdrawable, _ = strconv.ParseFloat(state.Withdrawable, 64)
	return b, nil
}

// GetPositions reads the subaccount's open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var state struct {
		AssetPositions []struct {
			Position struct {
				Coin     string `json:"coin"`
				Szi      string `json:"szi"`
				EntryPx  string `json:"entryPx"`
				UPnL     string `json:"unrealizedPnl"`
				Leverage struct {
					Value float64 `json:"value"`
				} `json:"leverage"`
				LiquidationPx string `json:"liquidationPx"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	err := c.post(ctx, "/info", map[string]string{
		"type": "clearinghouseState",
		"user": c.subaccount,
	}, &state)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	var out []Position
	for _, ap := range state.AssetPositions {
		p := Position{Symbol: NormalizeSymbol(ap.Position.Coin)}
		p.Size, _ = strconv.ParseFloat(ap.Position.Szi, 64)
		if p.Size == 0 {
			continue
		}
		p.EntryPrice, _ = strconv.ParseFloat(ap.Position.EntryPx, 64)
		p.UnrealizedPnL, _ = strconv.ParseFloat(ap.Position.UPnL, 64)
		p.Leverage = ap.Position.Leverage.Value
		p.LiquidationPrice, _ = strconv.ParseFloat(ap.Position.LiquidationPx, 64)
		out = append(out, p)
	}
	return out, nil
}

// SetLeverage applies isolated or cross leverage for one asset.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, isolated bool) error {
	if c.dryRun {
		log.Debug().Str("symbol", symbol).Int("leverage", leverage).Msg("dry run: leverage")
		return nil
	}
	return c.post(ctx, "/exchange", map[string]interface{}{
		"type":     "updateLeverage",
		"asset":    NormalizeSymbol(symbol),
		"isCross":  !isolated,
		"leverage": leverage,
	}, nil)
}

type orderRequest struct {
	Asset      string        `json:"asset"`
	IsBuy      bool          `json:"isBuy"`
	LimitPx    float64       `json:"limitPx"`
	Size       float64       `json:"sz"`
	ReduceOnly bool          `json:"reduceOnly"`
	Tif        string        `json:"tif,omitempty"`
	Trigger    *triggerOrder `json:"trigger,omitempty"`
}

type triggerOrder struct {
	TriggerPx float64 `json:"triggerPx"`
	IsMarket  bool    `json:"isMarket"`
	Tpsl      string  `json:"tpsl"`
}

func (c *Client) dryResult(size, px float64) *OrderResult {
	n := c.dryOrders.Add(1)
	return &OrderResult{
		OrderID: fmt.Sprintf("dry_run_%d", n),
		Filled:  true,
		AvgPx:   px,
		Size:    size,
		DryRun:  true,
	}
}

func (c *Client) placeOrder(ctx context.Context, req orderRequest) (*OrderResult, error) {
	if c.dryRun {
		log.Debug().
			Str("asset", req.Asset).
			Bool("is_buy", req.IsBuy).
			Float64("size", req.Size).
			Float64("limit_px", req.LimitPx).
			Bool("trigger", req.Trigger != nil).
			Msg("dry run: order")
		px := req.LimitPx
		if req.Trigger != nil {
			px = req.Trigger.TriggerPx
		}
		return c.dryResult(req.Size, px), nil
	}

	var resp struct {
		Status string `json:"status"`
		OID    string `json:"oid"`
		AvgPx  string `json:"avgPx"`
		Filled string `json:"filledSz"`
	}
	if err := c.post(ctx, "/exchange", map[string]interface{}{"type": "order", "order": req}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("order rejected: %s", resp.Status)
	}
	out := &OrderResult{OrderID: resp.OID}
	out.AvgPx, _ = strconv.ParseFloat(resp.AvgPx, 64)
	out.Size, _ = strconv.ParseFloat(resp.Filled, 64)
	out.Filled = out.Size > 0
	return out, nil
}

// PlaceMarketOrder fills immediately via an aggressive IOC limit priced
// through the mid.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, isBuy bool, size float64, reduceOnly bool) (*OrderResult, error) {
	sym := NormalizeSymbol(symbol)
	meta, ok := c.Meta(sym)
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", sym)
	}
	mid, err := c.Mid(ctx, sym)
	if err != nil {
		return nil, err
	}
	limit := mid * (1 + marketSlippagePct)
	if !isBuy {
		limit = mid * (1 - marketSlippagePct)
	}
	return c.placeOrder(ctx, orderRequest{
		Asset:      sym,
		IsBuy:      isBuy,
		LimitPx:    RoundPrice(limit, meta.SzDecimals),
		Size:       RoundSize(size, meta.SzDecimals),
		ReduceOnly: reduceOnly,
		Tif:        "Ioc",
	})
}

// PlaceTriggerOrder places a reduce-only SL or TP trigger.
func (c *Client) PlaceTriggerOrder(ctx context.Context, symbol string, isBuy bool, size, triggerPx float64, tpsl string) (*OrderResult, error) {
	sym := NormalizeSymbol(symbol)
	meta, ok := c.Meta(sym)
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", sym)
	}
	px := RoundPrice(triggerPx, meta.SzDecimals)
	return c.placeOrder(ctx, orderRequest{
		Asset:      sym,
		IsBuy:      isBuy,
		LimitPx:    px,
		Size:       RoundSize(size, meta.SzDecimals),
		ReduceOnly: true,
		Trigger:    &triggerOrder{TriggerPx: px, IsMarket: true, Tpsl: tpsl},
	})
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		log.Debug().Str("symbol", symbol).Str("order", orderID).Msg("dry run: cancel")
		return nil
	}
	return c.post(ctx, "/exchange", map[string]interface{}{
		"type":  "cancel",
		"asset": NormalizeSymbol(symbol),
		"oid":   orderID,
	}, nil)
}

// EntryResult bundles the entry fill with its protective orders.
type EntryResult struct {
	Entry   *OrderResult
	SLOrder string
	TPOrder string
}

// PlaceOrderWithSLTP opens a position and attaches stop-loss and
// optional take-profit triggers. The entry goes first; trigger failures
// are reported but never roll back the fill.
func (c *Client) PlaceOrderWithSLTP(ctx context.Context, symbol string, isBuy bool, size, slPx, tpPx float64) (*EntryResult, error) {
	entry, err := c.PlaceMarketOrder(ctx, symbol, isBuy, size, false)
	if err != nil {
		return nil, err
	}
	if !entry.Filled {
		return nil, fmt.Errorf("entry order %s not filled", entry.OrderID)
	}
	out := &EntryResult{Entry: entry}

	sl, err := c.PlaceTriggerOrder(ctx, symbol, !isBuy, entry.Size, slPx, "sl")
	if err != nil {
		return out, fmt.Errorf("position open but stop placement failed: %w", err)
	}
	out.SLOrder = sl.OrderID

	if tpPx > 0 {
		tp, err := c.PlaceTriggerOrder(ctx, symbol, !isBuy, entry.Size, tpPx, "tp")
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("take-profit placement failed")
		} else {
			out.TPOrder = tp.OrderID
		}
	}
	return out, nil
}

// UpdateStopLoss atomically replaces a stop: new trigger first, old
// cancel after.
func (c *Client) UpdateStopLoss(ctx context.Context, symbol string, isBuy bool, size, triggerPx float64, oldOrderID string) (string, error) {
	res, err := c.PlaceTriggerOrder(ctx, symbol, isBuy, size, triggerPx, "sl")
	if err != nil {
		return "", err
	}
	if oldOrderID != "" {
		if err := c.CancelOrder(ctx, symbol, oldOrderID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("order", oldOrderID).Msg("stale stop cancel failed")
		}
	}
	return res.OrderID, nil
}

// UpdateTakeProfit atomically replaces a take-profit trigger.
func (c *Client) UpdateTakeProfit(ctx context.Context, symbol string, isBuy bool, size, triggerPx float64, oldOrderID string) (string, error) {
	res, err := c.PlaceTriggerOrder(ctx, symbol, isBuy, size, triggerPx, "tp")
	if err != nil {
		return "", err
	}
	if oldOrderID != "" {
		if err := c.CancelOrder(ctx, symbol, oldOrderID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("order", oldOrderID).Msg("stale take-profit cancel failed")
		}
	}
	return res.OrderID, nil
}

// ClosePosition flattens one symbol with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	sym := NormalizeSymbol(symbol)
	for _, p := range positions {
		if p.Symbol != sym {
			continue
		}
		size := p.Size
		isBuy := size < 0
		if size < 0 {
			size = -size
		}
		return c.PlaceMarketOrder(ctx, sym, isBuy, size, true)
	}
	return nil, fmt.Errorf("no open position for %s", sym)
}

// CloseAllPositions flattens everything; used by the emergency stop.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range positions {
		size := p.Size
		isBuy := size < 0
		if size < 0 {
			size = -size
		}
		if _, err := c.PlaceMarketOrder(ctx, p.Symbol, isBuy, size, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PlaceStopOrder adapts the client to the trailing service: the stop
// that protects a long sells, the stop that protects a short buys.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, side trailing.Side, size, triggerPx float64) (string, error) {
	res, err := c.PlaceTriggerOrder(ctx, symbol, side == trailing.SideShort, size, triggerPx, "sl")
	if err != nil {
		return "", err
	}
	return res.OrderID, nil
}
