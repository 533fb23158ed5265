package parametric

import (
	"testing"

	"github.com/quantforge/quantforge/internal/config"
)

func TestAbsoluteSpace(t *testing.T) {
	grid := config.ParametricGrid{
		SLPct:    []float64{0.01, 0.02},
		TPPct:    []float64{0, 0.04},
		ExitBars: []int{0, 24},
	}
	tuples := AbsoluteSpace(grid, []float64{1, 5})

	// 2 sl x 2 tp x 2 lev x 2 exit = 16, minus the tp=0 & exit=0
	// combinations (2 sl x 2 lev = 4).
	if len(tuples) != 12 {
		t.Fatalf("got %d tuples, want 12", len(tuples))
	}
	for _, tu := range tuples {
		if tu.TPPct == 0 && tu.ExitBars == 0 {
			t.Fatalf("no-exit tuple leaked: %+v", tu)
		}
	}
}

func TestPatternCenteredSpace(t *testing.T) {
	base := Tuple{SLPct: 0.04, TPPct: 0.08, Leverage: 3, ExitBars: 24}
	tuples := PatternCenteredSpace(base, []float64{0.5, 1.0, 1.5}, []int{-4, 0, 4}, []float64{1, 3})

	seen := make(map[Tuple]bool)
	foundBase := false
	for _, tu := range tuples {
		if seen[tu] {
			t.Fatalf("duplicate tuple %+v", tu)
		}
		seen[tu] = true
		if tu.SLPct <= 0 || tu.ExitBars < 0 {
			t.Fatalf("invalid tuple %+v", tu)
		}
		if tu == base {
			foundBase = true
		}
	}
	if !foundBase {
		t.Error("space should include the base tuple itself")
	}
	// 3 sl factors x 3 tp factors x 2 leverages x 3 offsets, all valid
	// and distinct with this base.
	if len(tuples) != 54 {
		t.Errorf("got %d tuples, want 54", len(tuples))
	}
}

func TestPatternCenteredSpaceDropsNegativeExit(t *testing.T) {
	base := Tuple{SLPct: 0.04, TPPct: 0.08, Leverage: 1, ExitBars: 2}
	tuples := PatternCenteredSpace(base, []float64{1.0}, []int{-4, 0}, []float64{1})
	for _, tu := range tuples {
		if tu.ExitBars < 0 {
			t.Fatalf("negative exit bars leaked: %+v", tu)
		}
	}
	if len(tuples) != 1 {
		t.Errorf("got %d tuples, want 1", len(tuples))
	}
}
