// Package advisor is the optional second opinion consulted before an entry.
// An advisor is never on the critical path: every failure degrades to an
// unavailable result and the bot proceeds on its technical decision.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"bot-core/internal/errs"
)

// Verdict actions.
const (
	ActionLong  = "long"
	ActionShort = "short"
	ActionHold  = "hold"
)

// ErrDisabled is returned by the no-op advisor.
var ErrDisabled = errors.New("advisor disabled")

// Request is the context handed to an advisor.
type Request struct {
	BotID      string             `json:"bot_id"`
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Action     string             `json:"action"`
	Confidence float64            `json:"confidence"`
	Price      float64            `json:"price"`
	Indicators map[string]float64 `json:"indicators"`
	Reasons    []string           `json:"reasons"`
}

// Verdict is the advisor's opinion on a proposed entry.
type Verdict struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Advisor is one transport.
type Advisor interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Verdict, error)
}

// Result is either an available verdict or the reason it is missing.
type Result struct {
	Verdict   Verdict
	Available bool
	Err       error
	Latency   time.Duration
}

// Agrees reports whether the verdict backs action.
func (r Result) Agrees(action string) bool {
	return r.Available && r.Verdict.Action == action
}

// Service enforces the call budget around a transport.
type Service struct {
	adv Advisor
}

// NewService wraps adv. A nil adv behaves like the no-op advisor.
func NewService(adv Advisor) *Service {
	if adv == nil {
		adv = Noop{}
	}
	return &Service{adv: adv}
}

// Name returns the transport name.
func (s *Service) Name() string {
	if s == nil {
		return "none"
	}
	return s.adv.Name()
}

// Analyze calls the advisor with a bounded timeout. It never returns an error:
// failures come back as an unavailable Result carrying an AdvisorUnavailable error.
func (s *Service) Analyze(ctx context.Context, req Request, timeout time.Duration) Result {
	if s == nil {
		return Result{Err: errs.Wrap(errs.KindAdvisorUnavailable, "advisor.Analyze", ErrDisabled)}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := s.adv.Analyze(cctx, req)
	latency := time.Since(start)
	if err == nil {
		err = validate(&v)
	}
	if err != nil {
		return Result{Err: errs.Wrap(errs.KindAdvisorUnavailable, "advisor."+s.adv.Name(), err), Latency: latency}
	}
	return Result{Verdict: v, Available: true, Latency: latency}
}

func validate(v *Verdict) error {
	v.Action = strings.ToLower(strings.TrimSpace(v.Action))
	switch v.Action {
	case ActionLong, ActionShort, ActionHold:
	default:
		return fmt.Errorf("unknown action %q", v.Action)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
	return nil
}

// Outcome of Confirm.
const (
	OutcomeConfirmed   = "confirmed"
	OutcomeOverridden  = "overridden"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
)

// Confirm decides whether a technical entry proceeds given the advisor
// result. An unavailable advisor leaves the technical decision standing; a
// disagreeing advisor is overridden only by a signal at or above minOverride.
func Confirm(res Result, action string, confidence, minOverride float64) (bool, string) {
	switch {
	case !res.Available:
		log.Printf("[ADVISOR] advisor unavailable, proceeding technical-only: %v", res.Err)
		return true, OutcomeUnavailable
	case res.Agrees(action):
		return true, OutcomeConfirmed
	case confidence >= minOverride:
		return true, OutcomeOverridden
	default:
		return false, OutcomeRejected
	}
}

// Noop is the advisor used when none is configured.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Analyze(context.Context, Request) (Verdict, error) {
	return Verdict{}, ErrDisabled
}
