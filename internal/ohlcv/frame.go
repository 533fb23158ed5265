package ohlcv

import (
	"time"
)

// Frame is a timestamp-ordered block of OHLCV bars for one
// (symbol, timeframe). Columns are parallel slices.
type Frame struct {
	Symbol    string
	Timeframe string
	Timestamp []time.Time
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64
}

// Len returns the bar count.
func (f *Frame) Len() int { return len(f.Timestamp) }

// Empty reports whether the frame has no bars.
func (f *Frame) Empty() bool { return f.Len() == 0 }

// Slice returns a view of bars in [i, j).
func (f *Frame) Slice(i, j int) *Frame {
	return &Frame{
		Symbol:    f.Symbol,
		Timeframe: f.Timeframe,
		Timestamp: f.Timestamp[i:j],
		Open:      f.Open[i:j],
		High:      f.High[i:j],
		Low:       f.Low[i:j],
		Close:     f.Close[i:j],
		Volume:    f.Volume[i:j],
	}
}

// Window returns the sub-frame with from <= ts < to. The frame must be
// timestamp-ordered.
func (f *Frame) Window(from, to time.Time) *Frame {
	lo := 0
	for lo < f.Len() && f.Timestamp[lo].Before(from) {
		lo++
	}
	hi := lo
	for hi < f.Len() && f.Timestamp[hi].Before(to) {
		hi++
	}
	return f.Slice(lo, hi)
}

// CoveredDays is the calendar-day span between first and last bar.
func (f *Frame) CoveredDays() float64 {
	if f.Len() < 2 {
		return 0
	}
	return f.Timestamp[f.Len()-1].Sub(f.Timestamp[0]).Hours() / 24
}

// DualPeriod pairs the older training frame with the most recent
// holdout frame; the two never overlap.
type DualPeriod struct {
	Training *Frame
	Holdout  *Frame
}

// CacheInfo summarizes one cached file's coverage.
type CacheInfo struct {
	Symbol      string
	Timeframe   string
	FirstTS     time.Time
	LastTS      time.Time
	BarCount    int
	CoveredDays float64
}
