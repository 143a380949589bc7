package indicators

import (
	"math"

	exchange "bot-core/pkg/exchanges/common"
)

// NeutralADX is returned when there is not enough history for ADX.
const NeutralADX = 25.0

// NeutralStochastic is returned when the range is empty or history short.
const NeutralStochastic = 50.0

// MACDResult holds the three MACD outputs.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes fast EMA minus slow EMA and an EMA signal line over that difference.
// Fewer than slow values yields zeros.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	if fast <= 0 || slow <= 0 || len(closes) < slow {
		return MACDResult{}
	}
	fastSeries := EMASeries(closes, fast)
	slowSeries := EMASeries(closes, slow)
	// the difference is only meaningful once the slow EMA is seeded
	diff := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		diff = append(diff, fastSeries[i]-slowSeries[i])
	}
	line := diff[len(diff)-1]
	sig := EMA(diff, signal)
	return MACDResult{MACD: line, Signal: sig, Histogram: line - sig}
}

// StochasticK returns %K over the last period candles.
func StochasticK(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return NeutralStochastic
	}
	window := candles[len(candles)-period:]
	hh, ll := window[0].High, window[0].Low
	for _, c := range window[1:] {
		hh = math.Max(hh, c.High)
		ll = math.Min(ll, c.Low)
	}
	if hh == ll {
		return NeutralStochastic
	}
	return (window[len(window)-1].Close - ll) / (hh - ll) * 100
}

// ADX is Wilder's average directional index. It needs 2*period candles and
// returns NeutralADX otherwise.
func ADX(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period {
		return NeutralADX
	}
	n := len(candles) - 1
	trs := TrueRanges(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i <= n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	var trS, plusS, minusS float64
	for i := 0; i < period; i++ {
		trS += trs[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}
	p := float64(period)
	dxs := []float64{directionalIndex(trS, plusS, minusS)}
	for i := period; i < n; i++ {
		trS = trS - trS/p + trs[i]
		plusS = plusS - plusS/p + plusDM[i]
		minusS = minusS - minusS/p + minusDM[i]
		dxs = append(dxs, directionalIndex(trS, plusS, minusS))
	}
	if len(dxs) < period {
		return NeutralADX
	}
	adx := SMA(dxs[:period], period)
	for _, dx := range dxs[period:] {
		adx = (adx*(p-1) + dx) / p
	}
	return adx
}

func directionalIndex(tr, plusDM, minusDM float64) float64 {
	if tr == 0 {
		return 0
	}
	plusDI := plusDM / tr * 100
	minusDI := minusDM / tr * 100
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return math.Abs(plusDI-minusDI) / sum * 100
}
