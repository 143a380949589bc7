package indicators

import (
	"math"

	exchange "bot-core/pkg/exchanges/common"
)

// TrueRanges returns the true range of every candle after the first.
func TrueRanges(candles []exchange.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		tr := math.Max(cur.High-cur.Low,
			math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
		out = append(out, tr)
	}
	return out
}

// ATR is the Wilder-smoothed average true range. With fewer than period
// ranges it averages what is available; fewer than two candles yields 0.
func ATR(candles []exchange.Candle, period int) float64 {
	trs := TrueRanges(candles)
	if len(trs) == 0 {
		return 0
	}
	if period <= 0 || len(trs) < period {
		return SMA(trs, len(trs))
	}
	atr := SMA(trs[:period], period)
	p := float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*(p-1) + tr) / p
	}
	return atr
}

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	window := values[len(values)-period:]
	mean := SMA(window, period)
	sum := 0.0
	for _, v := range window {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}

// BollingerPosition returns (close - middle) / (mult * stddev): 0 on the
// middle band, +1 on the upper band, -1 on the lower band. Returns 0 when the
// window is short or flat.
func BollingerPosition(closes []float64, period int, mult float64) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	if mult <= 0 {
		mult = 2
	}
	std := StdDev(closes, period)
	if std == 0 {
		return 0
	}
	mid := SMA(closes, period)
	return (closes[len(closes)-1] - mid) / (mult * std)
}

// ZScore is the rolling z-score of the last value over period values; 0 when short or flat.
func ZScore(values []float64, period int) float64 {
	if period <= 1 || len(values) < period {
		return 0
	}
	std := StdDev(values, period)
	if std == 0 {
		return 0
	}
	return (values[len(values)-1] - SMA(values, period)) / std
}

// RealizedVolatility is the standard deviation of simple returns over the last period candles.
func RealizedVolatility(closes []float64, period int) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	return StdDev(returns, period)
}
