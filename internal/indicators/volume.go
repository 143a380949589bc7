package indicators

import exchange "bot-core/pkg/exchanges/common"

// NeutralImbalance means a balanced (or missing) book.
const NeutralImbalance = 0.5

// VWAP is the volume-weighted typical price of the last period candles (all when period <= 0).
// Zero volume falls back to the last close.
func VWAP(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if period <= 0 || period > len(candles) {
		period = len(candles)
	}
	var pv, vol float64
	for _, c := range candles[len(candles)-period:] {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return candles[len(candles)-1].Close
	}
	return pv / vol
}

// OBV is the cumulative on-balance volume over the whole window.
func OBV(candles []exchange.Candle) float64 {
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}
	return obv
}

// OrderBookImbalance is bid quantity over total quantity in the top depth levels.
func OrderBookImbalance(book *exchange.OrderBook, depth int) float64 {
	if book == nil {
		return NeutralImbalance
	}
	bid := sumQty(book.Bids, depth)
	ask := sumQty(book.Asks, depth)
	if bid+ask == 0 {
		return NeutralImbalance
	}
	return bid / (bid + ask)
}

// VolumeRatio compares the last volume with the average of the previous period.
func VolumeRatio(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 {
		return 1
	}
	prev := candles[:len(candles)-1]
	vols := make([]float64, len(prev))
	for i, c := range prev {
		vols[i] = c.Volume
	}
	avg := SMA(vols, period)
	if avg == 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / avg
}

func sumQty(levels []exchange.BookLevel, depth int) float64 {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	total := 0.0
	for _, l := range levels[:depth] {
		total += l.Qty
	}
	return total
}
