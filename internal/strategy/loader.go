package strategy

import (
	"errors"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
)

// Direction of entries a strategy emits.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

// ErrLoader marks strategy code that cannot be loaded at all (bad
// syntax, unknown signal). Rows failing with it are deleted, not
// retried.
var ErrLoader = errors.New("strategy loader error")

// Instance is the narrow capability the pipeline needs from loaded
// strategy code: an entry-signal pass over a bar frame plus the
// tunable parameter tuple. Implementations must be safe for concurrent
// use across symbols.
type Instance interface {
	// Name is the strategy's human tag.
	Name() string

	// Direction is the side of every entry this strategy emits.
	Direction() Direction

	// Params returns the (sl_pct, tp_pct, leverage, exit_bars) tuple
	// baked into the code.
	Params() models.StrategyParams

	// Entries runs the indicator pass and returns one bool per bar;
	// true means enter at that bar's close.
	Entries(frame *ohlcv.Frame) ([]bool, error)
}

// Loader turns an opaque code blob into a runnable instance. The
// loader owns sandboxing; the pipeline never interprets code bytes
// itself.
type Loader interface {
	Load(name string, code []byte) (Instance, error)
}
