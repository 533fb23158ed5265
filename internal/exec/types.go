package exec

// AssetMeta is per-asset venue metadata, loaded at startup and on
// explicit reload.
type AssetMeta struct {
	Name        string
	SzDecimals  int
	MaxLeverage float64
	DayVolume   float64
	Delisted    bool
}

// OrderResult is the outcome of one mutating venue call. Dry-run
// results carry the dry_run_ order-id prefix and never touch the venue.
type OrderResult struct {
	OrderID string
	Filled  bool
	AvgPx   float64
	Size    float64
	DryRun  bool
}

// Position is one open perp position. Size is signed: negative means
// short.
type Position struct {
	Symbol           string
	Size             float64
	EntryPrice       float64
	UnrealizedPnL    float64
	Leverage         float64
	LiquidationPrice float64
}

// Side reports long/short from the signed size.
func (p Position) Side() string {
	if p.Size < 0 {
		return "short"
	}
	return "long"
}

// Balance is the subaccount margin summary.
type Balance struct {
	AccountValue float64
	Withdrawable float64
}
