package ohlcv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func writeCSV(t *testing.T, dir, symbol, tf string, days int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,open,high,low,close,volume\n")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < days; d++ {
		ts := start.AddDate(0, 0, d).UnixMilli()
		fmt.Fprintf(&b, "%d,%d,%d,%d,%d,1000\n", ts, 100+d, 101+d, 99+d, 100+d)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", symbol, tf))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReaderRead(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BTC", "1d", 100)
	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}

	full, err := r.Read("BTC", "1d", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if full.Len() != 100 {
		t.Fatalf("bars = %d, want 100", full.Len())
	}
	if full.Close[0] != 100 || full.Close[99] != 199 {
		t.Errorf("parse mismatch: %v %v", full.Close[0], full.Close[99])
	}

	// Trailing 30-day window ending at the last bar.
	tail, err := r.Read("BTC", "1d", 30, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if tail.Len() != 31 {
		t.Errorf("trailing window bars = %d, want 31", tail.Len())
	}

	if _, err := r.Read("ETH", "1d", 0, time.Time{}); !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("missing file should be ErrCacheNotFound, got %v", err)
	}
}

func TestReaderDualPeriods(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BTC", "1d", 100)
	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}

	dual, err := r.ReadDualPeriods("BTC", "1d", 60, 30)
	if err != nil {
		t.Fatal(err)
	}
	if dual.Training.Empty() || dual.Holdout.Empty() {
		t.Fatal("both periods should have bars")
	}
	// Non-overlapping and ordered: training ends before holdout begins.
	trainEnd := dual.Training.Timestamp[dual.Training.Len()-1]
	holdStart := dual.Holdout.Timestamp[0]
	if !trainEnd.Before(holdStart) {
		t.Errorf("overlap: training ends %v, holdout starts %v", trainEnd, holdStart)
	}
	if dual.Holdout.CoveredDays() > 30 {
		t.Errorf("holdout spans %v days", dual.Holdout.CoveredDays())
	}
}

func TestReadMultiSymbolDualPeriods(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BTC", "1d", 95)
	writeCSV(t, dir, "ETH", "1d", 95)
	writeCSV(t, dir, "SOL", "1d", 30) // under-covered
	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.ReadMultiSymbolDualPeriods([]string{"BTC", "ETH", "SOL", "DOGE"}, "1d", 60, 30, 0.85)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for sym := range out {
		got = append(got, sym)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Errorf("symbols = %v, want [BTC ETH]", got)
	}
}

func TestListCachedSymbols(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BTC", "1d", 5)
	writeCSV(t, dir, "BTC", "1h", 5)
	writeCSV(t, dir, "ETH", "1h", 5)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}

	hourly, err := r.ListCachedSymbols("1h")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(hourly)
	if len(hourly) != 2 || hourly[0] != "BTC" || hourly[1] != "ETH" {
		t.Errorf("1h symbols = %v", hourly)
	}

	tfs, err := r.ListCachedTimeframes("BTC")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(tfs)
	if len(tfs) != 2 || tfs[0] != "1d" || tfs[1] != "1h" {
		t.Errorf("BTC timeframes = %v", tfs)
	}
}

func TestFrameWindow(t *testing.T) {
	f := &Frame{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		f.Timestamp = append(f.Timestamp, start.Add(time.Duration(i)*time.Hour))
		f.Open = append(f.Open, 1)
		f.High = append(f.High, 1)
		f.Low = append(f.Low, 1)
		f.Close = append(f.Close, 1)
		f.Volume = append(f.Volume, 1)
	}
	w := f.Window(start.Add(2*time.Hour), start.Add(5*time.Hour))
	if w.Len() != 3 {
		t.Errorf("window bars = %d, want 3 (half-open)", w.Len())
	}
	if !w.Timestamp[0].Equal(start.Add(2 * time.Hour)) {
		t.Errorf("window start = %v", w.Timestamp[0])
	}
}
