package strategy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
)

// dslSpec is the declarative strategy format the authoring service
// emits. Signal kinds are a closed set; anything else is a loader
// error and the row is deleted.
type dslSpec struct {
	Signal        string  `yaml:"signal"`
	Direction     string  `yaml:"direction"`
	FastPeriod    int     `yaml:"fast_period"`
	SlowPeriod    int     `yaml:"slow_period"`
	Period        int     `yaml:"period"`
	Threshold     float64 `yaml:"threshold"`
	SLPct         float64 `yaml:"sl_pct"`
	TPPct         float64 `yaml:"tp_pct"`
	Leverage      float64 `yaml:"leverage"`
	ExitAfterBars int     `yaml:"exit_after_bars"`
}

// DSLLoader parses the YAML strategy DSL into runnable instances. It is
// the reference Loader implementation; a plugin-based loader satisfies
// the same interface.
type DSLLoader struct{}

// NewDSLLoader returns the declarative-DSL loader.
func NewDSLLoader() *DSLLoader { return &DSLLoader{} }

// Load parses code bytes; any parse or semantic failure wraps ErrLoader.
func (l *DSLLoader) Load(name string, code []byte) (Instance, error) {
	var spec dslSpec
	if err := yaml.Unmarshal(code, &spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoader, name, err)
	}

	var dir Direction
	switch spec.Direction {
	case "long":
		dir = Long
	case "short":
		dir = Short
	default:
		return nil, fmt.Errorf("%w: %s: bad direction %q", ErrLoader, name, spec.Direction)
	}

	inst := &dslInstance{name: name, spec: spec, direction: dir}
	switch spec.Signal {
	case "sma_cross":
		if spec.FastPeriod <= 0 || spec.SlowPeriod <= spec.FastPeriod {
			return nil, fmt.Errorf("%w: %s: sma_cross needs 0 < fast < slow", ErrLoader, name)
		}
	case "ema_cross":
		if spec.FastPeriod <= 0 || spec.SlowPeriod <= spec.FastPeriod {
			return nil, fmt.Errorf("%w: %s: ema_cross needs 0 < fast < slow", ErrLoader, name)
		}
	case "rsi_reversal":
		if spec.Period <= 0 || spec.Threshold <= 0 {
			return nil, fmt.Errorf("%w: %s: rsi_reversal needs period and threshold", ErrLoader, name)
		}
	case "breakout":
		if spec.Period <= 0 {
			return nil, fmt.Errorf("%w: %s: breakout needs period", ErrLoader, name)
		}
	case "momentum":
		if spec.Period <= 0 {
			return nil, fmt.Errorf("%w: %s: momentum needs period", ErrLoader, name)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown signal %q", ErrLoader, name, spec.Signal)
	}
	return inst, nil
}

type dslInstance struct {
	name      string
	spec      dslSpec
	direction Direction
}

func (s *dslInstance) Name() string         { return s.name }
func (s *dslInstance) Direction() Direction { return s.direction }

func (s *dslInstance) Params() models.StrategyParams {
	return models.StrategyParams{
		SLPct:    s.spec.SLPct,
		TPPct:    s.spec.TPPct,
		Leverage: s.spec.Leverage,
		ExitBars: s.spec.ExitAfterBars,
	}
}

func (s *dslInstance) Entries(frame *ohlcv.Frame) ([]bool, error) {
	n := frame.Len()
	entries := make([]bool, n)
	if n == 0 {
		return entries, nil
	}
	closes := frame.Close

	switch s.spec.Signal {
	case "sma_cross", "ema_cross":
		var fast, slow []float64
		if s.spec.Signal == "sma_cross" {
			fast = sma(closes, s.spec.FastPeriod)
			slow = sma(closes, s.spec.SlowPeriod)
		} else {
			fast = ema(closes, s.spec.FastPeriod)
			slow = ema(closes, s.spec.SlowPeriod)
		}
		for i := s.spec.SlowPeriod; i < n; i++ {
			crossedUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
			crossedDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]
			if s.direction == Long {
				entries[i] = crossedUp
			} else {
				entries[i] = crossedDown
			}
		}
	case "rsi_reversal":
		r := rsi(closes, s.spec.Period)
		for i := s.spec.Period + 1; i < n; i++ {
			if s.direction == Long {
				entries[i] = r[i-1] < s.spec.Threshold && r[i] >= s.spec.Threshold
			} else {
				entries[i] = r[i-1] > s.spec.Threshold && r[i] <= s.spec.Threshold
			}
		}
	case "breakout":
		if s.direction == Long {
			levels := rollingMax(frame.High, s.spec.Period)
			for i := s.spec.Period; i < n; i++ {
				entries[i] = closes[i] > levels[i]
			}
		} else {
			levels := rollingMin(frame.Low, s.spec.Period)
			for i := s.spec.Period; i < n; i++ {
				entries[i] = closes[i] < levels[i]
			}
		}
	case "momentum":
		for i := s.spec.Period; i < n; i++ {
			change := (closes[i] - closes[i-s.spec.Period]) / closes[i-s.spec.Period]
			if s.direction == Long {
				entries[i] = change > s.spec.Threshold
			} else {
				entries[i] = change < -s.spec.Threshold
			}
		}
	}
	return entries, nil
}
