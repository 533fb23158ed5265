package strategy

// sma computes a simple moving average; the first period-1 slots are NaN-free
// zeros and masked by the warm-up check in the rules.
func sma(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema computes an exponential moving average seeded with the first value.
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// rsi computes Wilder's relative strength index.
func rsi(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) <= period || period <= 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// rollingMax returns the max of the trailing `period` values ending at
// the previous bar (the breakout reference level).
func rollingMax(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] > m {
				m = values[j]
			}
		}
		out[i] = m
	}
	return out
}

// rollingMin mirrors rollingMax for breakdown levels.
func rollingMin(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			if values[j] < m {
				m = values[j]
			}
		}
		out[i] = m
	}
	return out
}
