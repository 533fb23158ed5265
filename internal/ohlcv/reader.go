package ohlcv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrCacheNotFound marks a missing cache file or cache root. The
// pipeline never downloads on demand; callers skip the symbol.
var ErrCacheNotFound = errors.New("ohlcv cache not found")

// Reader is a read-only accessor over a directory of per-(symbol,
// timeframe) CSV files named {SYMBOL}_{timeframe}.csv. Parsed frames
// are memoized and invalidated on file mtime change.
type Reader struct {
	dir string

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	mtime time.Time
	frame *Frame
}

// NewReader validates the cache root exists and returns a reader.
func NewReader(dir string) (*Reader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cache root %s", ErrCacheNotFound, dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cache root %s is not a directory", dir)
	}
	return &Reader{dir: dir, memo: make(map[string]memoEntry)}, nil
}

func (r *Reader) filePath(symbol, timeframe string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_%s.csv", symbol, timeframe))
}

// Read returns the bar frame for (symbol, timeframe), optionally
// filtered to the trailing `days` window ending at `end` (zero end =
// last bar). A present-but-empty file yields an empty frame.
func (r *Reader) Read(symbol, timeframe string, days int, end time.Time) (*Frame, error) {
	frame, err := r.load(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if frame.Empty() || days <= 0 {
		return frame, nil
	}
	if end.IsZero() {
		end = frame.Timestamp[frame.Len()-1]
	}
	from := end.AddDate(0, 0, -days)
	return frame.Window(from, end.Add(time.Millisecond)), nil
}

func (r *Reader) load(symbol, timeframe string) (*Frame, error) {
	path := r.filePath(symbol, timeframe)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrCacheNotFound, symbol, timeframe)
	}

	key := symbol + "_" + timeframe
	r.mu.Lock()
	if entry, ok := r.memo[key]; ok && entry.mtime.Equal(info.ModTime()) {
		r.mu.Unlock()
		return entry.frame, nil
	}
	r.mu.Unlock()

	frame, err := parseFile(path, symbol, timeframe)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.memo[key] = memoEntry{mtime: info.ModTime(), frame: frame}
	r.mu.Unlock()
	return frame, nil
}

func parseFile(path, symbol, timeframe string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCacheNotFound, path)
	}
	defer f.Close()

	frame := &Frame{Symbol: symbol, Timeframe: timeframe}
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = 6

	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if first {
			first = false
			if rec[0] == "timestamp" {
				continue
			}
		}
		ms, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp in %s: %w", path, err)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad value in %s row %s: %w", path, rec[0], err)
			}
			vals[i] = v
		}
		frame.Timestamp = append(frame.Timestamp, time.UnixMilli(ms).UTC())
		frame.Open = append(frame.Open, vals[0])
		frame.High = append(frame.High, vals[1])
		frame.Low = append(frame.Low, vals[2])
		frame.Close = append(frame.Close, vals[3])
		frame.Volume = append(frame.Volume, vals[4])
	}
	return frame, nil
}

// ListCachedSymbols returns the symbols with a cache file; timeframe ""
// lists symbols present for any timeframe.
func (r *Reader) ListCachedSymbols(timeframe string) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cache root %s", ErrCacheNotFound, r.dir)
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, e := range entries {
		sym, tf, ok := splitFileName(e.Name())
		if !ok {
			continue
		}
		if timeframe != "" && tf != timeframe {
			continue
		}
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	return symbols, nil
}

// ListCachedTimeframes returns every timeframe cached for a symbol.
func (r *Reader) ListCachedTimeframes(symbol string) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cache root %s", ErrCacheNotFound, r.dir)
	}
	var tfs []string
	for _, e := range entries {
		sym, tf, ok := splitFileName(e.Name())
		if ok && sym == symbol {
			tfs = append(tfs, tf)
		}
	}
	return tfs, nil
}

// Info returns first/last timestamp, bar count and covered days.
func (r *Reader) Info(symbol, timeframe string) (*CacheInfo, error) {
	frame, err := r.load(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	info := &CacheInfo{Symbol: symbol, Timeframe: timeframe, BarCount: frame.Len()}
	if !frame.Empty() {
		info.FirstTS = frame.Timestamp[0]
		info.LastTS = frame.Timestamp[frame.Len()-1]
		info.CoveredDays = frame.CoveredDays()
	}
	return info, nil
}

// HasFile reports whether a cache file exists without parsing it.
func (r *Reader) HasFile(symbol, timeframe string) bool {
	_, err := os.Stat(r.filePath(symbol, timeframe))
	return err == nil
}

// ReadDualPeriods splits the trailing trainingDays+holdoutDays window
// into a non-overlapping training (older) and holdout (most recent)
// pair.
func (r *Reader) ReadDualPeriods(symbol, timeframe string, trainingDays, holdoutDays int) (*DualPeriod, error) {
	full, err := r.Read(symbol, timeframe, trainingDays+holdoutDays, time.Time{})
	if err != nil {
		return nil, err
	}
	if full.Empty() {
		return &DualPeriod{Training: full, Holdout: full}, nil
	}
	end := full.Timestamp[full.Len()-1]
	split := end.AddDate(0, 0, -holdoutDays)
	return &DualPeriod{
		Training: full.Window(full.Timestamp[0], split),
		Holdout:  full.Window(split, end.Add(time.Millisecond)),
	}, nil
}

// ReadMultiSymbolDualPeriods loads dual periods for every symbol whose
// coverage reaches minCoveragePct of the full window. Symbols missing a
// file or under-covered are skipped, never fatal.
func (r *Reader) ReadMultiSymbolDualPeriods(symbols []string, timeframe string, trainingDays, holdoutDays int, minCoveragePct float64) (map[string]*DualPeriod, error) {
	fullDays := float64(trainingDays + holdoutDays)
	out := make(map[string]*DualPeriod)
	for _, sym := range symbols {
		info, err := r.Info(sym, timeframe)
		if err != nil {
			if errors.Is(err, ErrCacheNotFound) {
				continue
			}
			return nil, err
		}
		if info.CoveredDays < minCoveragePct*fullDays {
			continue
		}
		dual, err := r.ReadDualPeriods(sym, timeframe, trainingDays, holdoutDays)
		if err != nil {
			return nil, err
		}
		out[sym] = dual
	}
	return out, nil
}

func splitFileName(name string) (symbol, timeframe string, ok bool) {
	if !strings.HasSuffix(name, ".csv") {
		return "", "", false
	}
	base := strings.TrimSuffix(name, ".csv")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}
	return base[:idx], base[idx+1:], true
}
