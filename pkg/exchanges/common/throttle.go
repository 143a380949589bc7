package common

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces out venue REST calls so one account never trips the venue's limit.
type Throttle struct {
	limiter *rate.Limiter
	name    string
}

// NewThrottle allows perSecond calls with the given burst.
func NewThrottle(name string, perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), name: name}
}

// Wait blocks until a call may proceed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Second {
		log.Printf("[%s] throttled for %s", t.name, waited.Round(time.Millisecond))
	}
	return nil
}
