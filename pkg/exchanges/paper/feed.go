package paper

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	exchange "bot-core/pkg/exchanges/common"
)

// Feed drives a Venue with synthetic random-walk candles for local runs.
type Feed struct {
	Venue      *Venue
	Symbols    []string
	Timeframe  string
	StartPrice float64
	StepPct    float64       // max relative move per tick
	Interval   time.Duration // wall time between ticks
	Seed       uint64
}

// Backfill generates n closed candles per symbol ending now so bots have history at start.
func (f *Feed) Backfill(n int) {
	f.defaults()
	rng := rand.New(rand.NewPCG(f.Seed, 1))
	tf, _ := exchange.TimeframeDuration(f.Timeframe)
	start := time.Now().Truncate(tf).Add(-time.Duration(n) * tf)
	for _, sym := range f.Symbols {
		px := f.StartPrice
		candles := make([]exchange.Candle, 0, n)
		for i := 0; i < n; i++ {
			c := f.step(rng, px)
			c.OpenTime = start.Add(time.Duration(i) * tf)
			candles = append(candles, c)
			px = c.Close
		}
		f.Venue.LoadHistory(sym, f.Timeframe, candles)
	}
}

// Start runs the walk until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	if f.Venue == nil {
		log.Println("paper feed: venue not set")
		return
	}
	f.defaults()
	tf, _ := exchange.TimeframeDuration(f.Timeframe)
	rng := rand.New(rand.NewPCG(f.Seed, 2))

	go func() {
		t := time.NewTicker(f.Interval)
		defer t.Stop()
		current := make(map[string]exchange.Candle, len(f.Symbols))
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				open := now.Truncate(tf)
				for _, sym := range f.Symbols {
					px := f.StartPrice
					if hist, err := f.Venue.GetHistory(ctx, sym, f.Timeframe, time.Time{}, time.Time{}); err == nil && len(hist) > 0 {
						px = hist[len(hist)-1].Close
					}
					tick := f.step(rng, px)
					c, ok := current[sym]
					if !ok || !c.OpenTime.Equal(open) {
						if ok {
							f.Venue.PushCandle(sym, f.Timeframe, c, true)
						}
						c = exchange.Candle{OpenTime: open, Open: px, High: px, Low: px}
					}
					c.Close = tick.Close
					c.High = max(c.High, tick.Close)
					c.Low = min(c.Low, tick.Close)
					c.Volume += tick.Volume
					current[sym] = c
					f.Venue.PushCandle(sym, f.Timeframe, c, false)
				}
			}
		}
	}()
}

func (f *Feed) defaults() {
	if len(f.Symbols) == 0 {
		f.Symbols = []string{"BTCUSDT"}
	}
	if f.Timeframe == "" {
		f.Timeframe = "1m"
	}
	if f.StartPrice == 0 {
		f.StartPrice = 100.0
	}
	if f.StepPct == 0 {
		f.StepPct = 0.002
	}
	if f.Interval == 0 {
		f.Interval = time.Second
	}
}

func (f *Feed) step(rng *rand.Rand, px float64) exchange.Candle {
	move := (rng.Float64()*2 - 1) * f.StepPct
	closePx := px * (1 + move)
	wick := rng.Float64() * f.StepPct / 2 * px
	return exchange.Candle{
		Open:   px,
		High:   max(px, closePx) + wick,
		Low:    min(px, closePx) - wick,
		Close:  closePx,
		Volume: 10 + rng.Float64()*90,
	}
}
