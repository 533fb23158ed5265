package parametric

import (
	"math"
	"testing"
)

func TestResolveFixed(t *testing.T) {
	spec := StopSpec{Mode: StopFixed, Value: 0.03}
	out, err := spec.Resolve(nil, nil, []float64{100, 101, 102}, false)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 0.03 {
			t.Errorf("bar %d: got %v, want 0.03", i, v)
		}
	}
}

func TestResolveATR(t *testing.T) {
	high := []float64{102, 103, 104, 105}
	low := []float64{98, 99, 100, 101}
	closes := []float64{100, 101, 102, 103}

	spec := StopSpec{Mode: StopATR, Period: 3, Mult: 2}
	out, err := spec.Resolve(high, low, closes, false)
	if err != nil {
		t.Fatal(err)
	}
	// Constant 4-point true range: ATR stays 4, stop = 2*4/close.
	want := 2.0 * 4.0 / closes[3]
	if math.Abs(out[3]-want) > 1e-9 {
		t.Errorf("atr stop = %v, want %v", out[3], want)
	}

	bad := StopSpec{Mode: StopATR}
	if _, err := bad.Resolve(high, low, closes, false); err == nil {
		t.Error("atr without period/mult must error")
	}
}

func TestResolveUnknownMode(t *testing.T) {
	spec := StopSpec{Mode: "fibonacci"}
	if _, err := spec.Resolve(nil, nil, []float64{1}, false); err == nil {
		t.Error("unknown mode must error")
	}
}

func TestATRConstantRange(t *testing.T) {
	high := []float64{105, 105, 105, 105, 105}
	low := []float64{95, 95, 95, 95, 95}
	closes := []float64{100, 100, 100, 100, 100}
	atr := ATR(high, low, closes, 3)
	for i, v := range atr {
		if math.Abs(v-10) > 1e-9 {
			t.Errorf("bar %d: ATR = %v, want 10", i, v)
		}
	}
}

func TestSwingLows(t *testing.T) {
	// V shape with the minimum at index 4.
	low := []float64{10, 9, 8, 7, 5, 7, 8, 9, 10, 11, 12, 13}
	levels := SwingLows(low, 2)

	// The swing at index 4 confirms two bars later and becomes visible
	// from index 6 onward (center = i - lookback).
	for i := 0; i < 6; i++ {
		if levels[i] != 0 {
			t.Errorf("bar %d: unconfirmed swing leaked: %v", i, levels[i])
		}
	}
	for i := 6; i < len(low); i++ {
		if levels[i] != 5 {
			t.Errorf("bar %d: level = %v, want 5", i, levels[i])
		}
	}
}
