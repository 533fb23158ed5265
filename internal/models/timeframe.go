package models

import (
	"fmt"
	"time"
)

// Timeframe is a bar interval from the closed supported set.
type Timeframe string

const (
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Timeframes lists the supported set in ascending duration order.
var Timeframes = []Timeframe{TF5m, TF15m, TF30m, TF1h, TF4h, TF1d}

var tfDurations = map[Timeframe]time.Duration{
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe tag against the closed set.
func ParseTimeframe(s string) (Timeframe, error) {
	if _, ok := tfDurations[Timeframe(s)]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return Timeframe(s), nil
}

// Duration returns the bar interval.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// BarsPerDay returns how many bars of this timeframe fit in a day.
func (tf Timeframe) BarsPerDay() float64 {
	return float64(24*time.Hour) / float64(tf.Duration())
}
