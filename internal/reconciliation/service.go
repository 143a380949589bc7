// Package reconciliation periodically compares the desired status stored for
// every bot with the instances actually running and closes the gap.
package reconciliation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"bot-core/internal/bot"
	"bot-core/internal/engine"
	"bot-core/pkg/db"
)

// Orchestrator is the part of the engine the reconciler drives.
type Orchestrator interface {
	Running() []engine.RunningBot
	StartBot(ctx context.Context, userID, botID string) error
	StopBot(ctx context.Context, userID, botID string, closePosition bool) error
	PauseBot(ctx context.Context, userID, botID string) error
	ResumeBot(ctx context.Context, userID, botID string) error
}

// BotLister reads the desired state of every bot.
type BotLister interface {
	ListAllBots(ctx context.Context) ([]db.Bot, error)
}

// Actions taken by a pass.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
)

// Service handles periodic reconciliation.
type Service struct {
	orch     Orchestrator
	store    BotLister
	interval time.Duration
	mu       sync.Mutex
}

// Report contains the result of one pass.
type Report struct {
	Timestamp time.Time
	Diffs     []Diff
	Applied   int
	Failed    int
}

// HasDiffs reports whether desired and actual state differed.
func (r *Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// Diff is one bot whose runtime did not match its desired status.
type Diff struct {
	BotID   string
	UserID  string
	Desired string
	Actual  string
	Action  string
	Err     error
}

// NewService creates a reconciler.
func NewService(orch Orchestrator, store BotLister, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{orch: orch, store: store, interval: interval}
}

// Start runs a pass immediately and then every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.runOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("[RECONCILE] started (interval: %v)", s.interval)
}

func (s *Service) runOnce(ctx context.Context) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		log.Printf("[RECONCILE] pass skipped: %v", err)
		return
	}
	s.handleReport(report)
}

// Reconcile performs one pass. Bots whose last run ended in ERROR are not
// restarted automatically; an operator start clears that.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bots, err := s.store.ListAllBots(ctx)
	if err != nil {
		return nil, err
	}
	actual := make(map[string]engine.RunningBot)
	for _, rb := range s.orch.Running() {
		actual[rb.ID] = rb
	}

	report := &Report{Timestamp: time.Now()}
	seen := make(map[string]bool, len(bots))
	for _, b := range bots {
		seen[b.ID] = true
		rb, live := actual[b.ID]
		d := Diff{BotID: b.ID, UserID: b.UserID, Desired: b.DesiredStatus, Actual: db.StatusStopped}
		if live {
			d.Actual = string(rb.Status)
		}

		switch {
		case b.DesiredStatus == db.StatusRunning && !live:
			if b.Status == db.StatusError {
				continue
			}
			d.Action = ActionStart
			d.Err = s.orch.StartBot(ctx, b.UserID, b.ID)
		case b.DesiredStatus == db.StatusRunning && rb.Status == bot.StatusPaused:
			d.Action = ActionResume
			d.Err = s.orch.ResumeBot(ctx, b.UserID, b.ID)
		case b.DesiredStatus == db.StatusPaused && rb.Status == bot.StatusRunning:
			d.Action = ActionPause
			d.Err = s.orch.PauseBot(ctx, b.UserID, b.ID)
		case b.DesiredStatus != db.StatusRunning && b.DesiredStatus != db.StatusPaused && live && rb.Status.Active():
			d.Action = ActionStop
			d.Err = s.orch.StopBot(ctx, b.UserID, b.ID, false)
		default:
			continue
		}
		report.add(d)
	}

	// runtimes whose bot row is gone
	for id, rb := range actual {
		if seen[id] || !rb.Status.Active() {
			continue
		}
		d := Diff{BotID: id, UserID: rb.UserID, Desired: "DELETED", Actual: string(rb.Status), Action: ActionStop}
		d.Err = s.orch.StopBot(ctx, rb.UserID, id, false)
		report.add(d)
	}
	return report, nil
}

func (r *Report) add(d Diff) {
	r.Diffs = append(r.Diffs, d)
	if d.Err != nil {
		r.Failed++
		return
	}
	r.Applied++
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs() {
		return
	}
	for _, d := range report.Diffs {
		if d.Err != nil {
			level := "failed"
			if errors.Is(d.Err, engine.ErrAccountLimit) || errors.Is(d.Err, engine.ErrSymbolConflict) {
				level = "refused"
			}
			log.Printf("[RECONCILE] %s %s (desired=%s actual=%s) %s: %v", d.Action, d.BotID, d.Desired, d.Actual, level, d.Err)
			continue
		}
		log.Printf("[RECONCILE] %s %s (desired=%s actual=%s)", d.Action, d.BotID, d.Desired, d.Actual)
	}
	log.Printf("[RECONCILE] pass done: %d applied, %d failed", report.Applied, report.Failed)
}
