package strategy

import (
	"strings"
	"testing"

	"github.com/quantforge/quantforge/internal/models"
)

func TestRewriteParams(t *testing.T) {
	loader := NewDSLLoader()
	params := models.StrategyParams{SLPct: 0.03, TPPct: 0.06, Leverage: 5, ExitBars: 12}

	rewritten, err := RewriteParams(loader, "test", []byte(validCode), params)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := loader.Load("test", rewritten)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Params() != params {
		t.Errorf("rewritten params = %+v, want %+v", inst.Params(), params)
	}
	// Untouched attributes survive.
	if !strings.Contains(string(rewritten), "signal: sma_cross") {
		t.Error("rewrite must not touch non-parameter lines")
	}
	if !strings.Contains(string(rewritten), "fast_period: 3") {
		t.Error("rewrite must not touch indicator periods")
	}
}

func TestRewriteParamsAppendsMissing(t *testing.T) {
	loader := NewDSLLoader()
	code := "signal: momentum\ndirection: long\nperiod: 5\nthreshold: 0.02\nsl_pct: 0.05\ntp_pct: 0.1\n"
	params := models.StrategyParams{SLPct: 0.04, TPPct: 0.08, Leverage: 3, ExitBars: 16}

	rewritten, err := RewriteParams(loader, "test", []byte(code), params)
	if err != nil {
		t.Fatal(err)
	}
	// leverage and exit_after_bars were absent and must be appended.
	inst, err := loader.Load("test", rewritten)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Params() != params {
		t.Errorf("params = %+v, want %+v", inst.Params(), params)
	}
}

func TestRewriteParamsFailureReturnsOriginal(t *testing.T) {
	loader := NewDSLLoader()
	garbage := []byte("{{{not yaml")
	params := models.StrategyParams{SLPct: 0.04, TPPct: 0.08, Leverage: 3, ExitBars: 16}

	out, err := RewriteParams(loader, "bad", garbage, params)
	if err == nil {
		t.Fatal("rewriting unloadable code must error")
	}
	if string(out) != string(garbage) {
		t.Error("failed rewrite must return the original bytes")
	}
}
