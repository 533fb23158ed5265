package orchestrator

import "context"

// Universe is the venue-metadata surface the orchestrator needs: the
// volume-ordered candidate list, the currently tradable set, and the
// per-asset leverage cap. The execution client implements it against
// live metadata; tests use StaticUniverse.
type Universe interface {
	// OrderedSymbols returns all listed symbols, highest volume first.
	OrderedSymbols(ctx context.Context) ([]string, error)

	// ActiveSymbols returns the currently tradable subset.
	ActiveSymbols(ctx context.Context) ([]string, error)

	// MaxLeverage returns the venue's hard leverage cap for a symbol.
	MaxLeverage(symbol string) float64
}

// StaticUniverse is a fixed symbol set with per-symbol leverage caps.
type StaticUniverse struct {
	Symbols    []string
	Leverages  map[string]float64
	DefaultMax float64
}

func (u *StaticUniverse) OrderedSymbols(context.Context) ([]string, error) {
	return u.Symbols, nil
}

func (u *StaticUniverse) ActiveSymbols(context.Context) ([]string, error) {
	return u.Symbols, nil
}

func (u *StaticUniverse) MaxLeverage(symbol string) float64 {
	if lev, ok := u.Leverages[symbol]; ok {
		return lev
	}
	return u.DefaultMax
}
