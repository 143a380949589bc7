package indicators

// SMA calculates the simple moving average of the last period values.
// With fewer than period values it averages what is available; empty input yields 0.
func SMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of values.
// With fewer than period points it returns the plain average. Otherwise the
// recurrence is seeded with the SMA of the first period points and then
// applies ema = (v - ema) * 2/(period+1) + ema for every later point.
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// EMASeries returns the EMA at every index of values. Indexes before the seed
// carry the running average.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if period <= 0 {
		period = 1
	}
	alpha := 2.0 / float64(period+1)
	sum := 0.0
	for i, v := range values {
		if i < period {
			sum += v
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = (v-out[i-1])*alpha + out[i-1]
	}
	return out
}
