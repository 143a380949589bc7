package order

import (
	exchange "bot-core/pkg/exchanges/common"
)

// TrailingStop tracks the favorable extreme of one position and the stop
// price currently resting at the venue. CurrentStop only ever tightens:
// non-decreasing for longs, non-increasing for shorts.
type TrailingStop struct {
	Active        bool                  `json:"active"`
	Side          exchange.PositionSide `json:"side"`
	EntryPrice    float64               `json:"entry_price"`
	Extreme       float64               `json:"extreme"`
	CurrentStop   float64               `json:"current_stop"`
	TrailPct      float64               `json:"trail_pct"`
	ActivationPct float64               `json:"activation_pct"`
}

// NewTrailingStop starts tracking from the entry fill and the initial stop.
// With activationPct 0 trailing is active immediately.
func NewTrailingStop(side exchange.PositionSide, entry, stop, trailPct, activationPct float64) *TrailingStop {
	return &TrailingStop{
		Active:        activationPct <= 0,
		Side:          side,
		EntryPrice:    entry,
		Extreme:       entry,
		CurrentStop:   stop,
		TrailPct:      trailPct,
		ActivationPct: activationPct,
	}
}

// Observe records a price. It returns true on the observation that activates trailing.
func (t *TrailingStop) Observe(price float64) bool {
	if price <= 0 {
		return false
	}
	if t.Side == exchange.PositionShort {
		if price < t.Extreme {
			t.Extreme = price
		}
	} else if price > t.Extreme {
		t.Extreme = price
	}
	if t.Active {
		return false
	}
	if t.ProfitPct(t.Extreme) >= t.ActivationPct {
		t.Active = true
		return true
	}
	return false
}

// ProfitPct is the favorable move from entry in percent.
func (t *TrailingStop) ProfitPct(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * 100 * t.Side.Sign()
}

// Candidate derives the stop implied by the extreme: extreme × (1 ∓ trailPct).
func (t *TrailingStop) Candidate() float64 {
	c := t.Extreme * (1 - t.Side.Sign()*t.TrailPct/100)
	return exchange.RoundPrice(c)
}

// Tightens reports whether stop protects more than the current stop.
func (t *TrailingStop) Tightens(stop float64) bool {
	if stop <= 0 {
		return false
	}
	if t.CurrentStop <= 0 {
		return true
	}
	if t.Side == exchange.PositionShort {
		return stop < t.CurrentStop
	}
	return stop > t.CurrentStop
}

// Commit records stop as resting. A stop that does not tighten is ignored.
func (t *TrailingStop) Commit(stop float64) bool {
	if !t.Tightens(stop) {
		return false
	}
	t.CurrentStop = stop
	return true
}

// Triggered reports whether price has crossed the current stop.
func (t *TrailingStop) Triggered(price float64) bool {
	if t.CurrentStop <= 0 {
		return false
	}
	if t.Side == exchange.PositionShort {
		return price >= t.CurrentStop
	}
	return price <= t.CurrentStop
}
