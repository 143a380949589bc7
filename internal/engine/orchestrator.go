package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bot-core/internal/advisor"
	"bot-core/internal/bot"
	"bot-core/internal/errs"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/monitor"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/db"
	exchange "bot-core/pkg/exchanges/common"
)

// Gateways hands out per-account venue gateways. *gateway.Manager satisfies it.
type Gateways interface {
	Acquire(ctx context.Context, userID, connectionID string) (gateway.Venue, string, error)
	Release(key string)
}

// Config holds orchestrator policy.
type Config struct {
	MaxBotsPerAccount int
	HealthInterval    time.Duration
	// StaleAfter is the minimum silence before a running bot is flagged; slow
	// cadences get three intervals.
	StaleAfter       time.Duration
	ErrorThreshold   int
	MaxCycleFailures int
	CallTimeout      time.Duration
	Retry            exchange.RetryPolicy
	// OnUnhealthy is the policy hook for flagged bots. Nil only reports.
	OnUnhealthy func(issue HealthIssue)
	Meta        SystemStatus
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBotsPerAccount: 3,
		HealthInterval:    30 * time.Second,
		StaleAfter:        5 * time.Minute,
		ErrorThreshold:    5,
		MaxCycleFailures:  5,
		CallTimeout:       10 * time.Second,
		Retry:             exchange.DefaultRetryPolicy(),
	}
}

// Deps are the shared services handed to every instance.
type Deps struct {
	Store    Store
	Gateways Gateways
	Risks    *risk.Registry
	Advisor  *advisor.Service
	Bus      *events.Bus
	Prices   *cache.PriceCache
	Metrics  *monitor.SystemMetrics
}

type entry struct {
	userID string
	symbol string
	inst   *bot.Instance // nil until the gateway is acquired
	gwKey  string
	cancel context.CancelFunc
	once   sync.Once
}

// Orchestrator owns the registry of running instances.
type Orchestrator struct {
	mu      sync.Mutex
	running map[string]*entry // botID -> entry

	cfg  Config
	deps Deps

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Service = (*Orchestrator)(nil)

// New creates an orchestrator. Call Recover before the first start.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxBotsPerAccount <= 0 {
		cfg.MaxBotsPerAccount = def.MaxBotsPerAccount
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.MaxCycleFailures <= 0 {
		cfg.MaxCycleFailures = def.MaxCycleFailures
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = def.Retry
	}
	if deps.Risks == nil {
		deps.Risks = risk.NewRegistry()
	}
	return &Orchestrator{
		running: make(map[string]*entry),
		cfg:     cfg,
		deps:    deps,
		stopCh:  make(chan struct{}),
	}
}

// Recover clears RUNNING and PAUSED snapshots left by an unclean shutdown.
// A store failure is returned for logging; the process keeps going.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	n, err := o.deps.Store.ResetRunningBots(ctx)
	if err != nil {
		log.Printf("[ORCH] boot recovery skipped, store unavailable: %v", err)
		return 0, err
	}
	if n > 0 {
		log.Printf("[ORCH] reset %d stale RUNNING/PAUSED bots to STOPPED", n)
	}
	return n, nil
}

// Start launches the health check loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.CheckHealth()
			}
		}
	}()
	log.Printf("[ORCH] started (max %d bots per account, health every %s)", o.cfg.MaxBotsPerAccount, o.cfg.HealthInterval)
}

// Shutdown stops the health loop and every instance. Desired state is left
// untouched so the bots come back after a restart.
func (o *Orchestrator) Shutdown(ctx context.Context, closePositions bool) {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	o.wg.Wait()

	o.mu.Lock()
	live := make([]*entry, 0, len(o.running))
	for _, e := range o.running {
		if e.inst != nil {
			live = append(live, e)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range live {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.inst.Stop(ctx, closePositions); err != nil {
				log.Printf("[ORCH] stop %s during shutdown: %v", e.inst.ID(), err)
			}
		}(e)
	}
	wg.Wait()
	log.Printf("[ORCH] shutdown complete (%d bots stopped)", len(live))
}

// CreateBot validates cfg and stores it as a new, stopped bot.
func (o *Orchestrator) CreateBot(ctx context.Context, userID, connectionID string, cfg strategy.Config) (*db.Bot, error) {
	if userID == "" {
		return nil, db.ErrAccountRequired
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Normalize()
	if err := strategy.Validate(cfg); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	b := db.Bot{
		ID:           cfg.ID,
		UserID:       userID,
		ConnectionID: connectionID,
		Name:         name,
		Symbol:       cfg.Symbol,
		ConfigJSON:   string(raw),
	}
	if cfg.AutoStart {
		b.DesiredStatus = db.StatusRunning
	}
	if err := o.deps.Store.CreateBot(ctx, b); err != nil {
		return nil, err
	}
	b.ConfigVersion = 1
	b.Status = db.StatusStopped
	return &b, nil
}

// DeleteBot stops a running instance, flattening it, and removes the bot.
func (o *Orchestrator) DeleteBot(ctx context.Context, userID, botID string) error {
	if err := o.StopBot(ctx, userID, botID, true); err != nil && !errors.Is(err, ErrBotNotFound) {
		return err
	}
	if err := o.deps.Store.DeleteBot(ctx, userID, botID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrBotNotFound
		}
		return err
	}
	o.deps.Risks.Remove(botID)
	return nil
}

func (o *Orchestrator) loadBot(ctx context.Context, userID, botID string) (*db.Bot, error) {
	b, err := o.deps.Store.GetBot(ctx, userID, botID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrBotNotFound
	}
	return b, err
}

// StartBot launches an instance for a stored bot. Starting a bot that is
// already live is a no-op.
func (o *Orchestrator) StartBot(ctx context.Context, userID, botID string) error {
	if userID == "" {
		return db.ErrAccountRequired
	}
	b, err := o.loadBot(ctx, userID, botID)
	if err != nil {
		return err
	}
	cfg, err := strategy.ParseJSON([]byte(b.ConfigJSON))
	if err != nil {
		return err
	}
	cfg.ID = b.ID
	cfg.Version = b.ConfigVersion
	if err := strategy.Validate(cfg); err != nil {
		return err
	}

	e, err := o.reserve(b.ID, userID, cfg.Symbol)
	if err != nil || e == nil {
		return err
	}
	// persisted before the loop starts so a fast self-stop is not overwritten
	o.persistDesired(userID, b.ID, db.StatusRunning)
	o.persistStatus(b.ID, db.StatusRunning, "")
	if err := o.launch(ctx, b, cfg, e); err != nil {
		o.mu.Lock()
		delete(o.running, b.ID)
		o.mu.Unlock()
		log.Printf("[ORCH] start %s failed: %v", b.ID, err)
		o.persistStatus(b.ID, db.StatusError, err.Error())
		return err
	}
	o.sampleCounts()
	log.Printf("[ORCH] bot %s started for %s on %s (config v%d)", b.ID, userID, cfg.Symbol, cfg.Version)
	return nil
}

// reserve claims the (account, symbol) slot. A nil entry with a nil error
// means the bot is already live.
func (o *Orchestrator) reserve(botID, userID, symbol string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[botID]; ok {
		return nil, nil
	}
	count := 0
	for id, e := range o.running {
		if e.userID != userID {
			continue
		}
		count++
		if strings.EqualFold(e.symbol, symbol) {
			return nil, fmt.Errorf("%w: %s already traded by bot %s", ErrSymbolConflict, symbol, id)
		}
	}
	if count >= o.cfg.MaxBotsPerAccount {
		return nil, fmt.Errorf("%w: %d of %d", ErrAccountLimit, count, o.cfg.MaxBotsPerAccount)
	}
	e := &entry{userID: userID, symbol: symbol}
	o.running[botID] = e
	return e, nil
}

func (o *Orchestrator) launch(ctx context.Context, b *db.Bot, cfg strategy.Config, e *entry) error {
	gw, key, err := o.deps.Gateways.Acquire(ctx, b.UserID, b.ConnectionID)
	if err != nil {
		return errs.Wrap(errs.KindVenue, "engine.StartBot", err)
	}
	inst, err := bot.New(bot.Deps{
		Market:  gw,
		Exec:    gw,
		Risk:    o.deps.Risks.GetOrCreate(b.ID, cfg.Risk),
		Advisor: o.deps.Advisor,
		Bus:     o.deps.Bus,
		Trades:  o.deps.Store,
		Prices:  o.deps.Prices,
		Metrics: o.deps.Metrics,
	}, bot.Options{
		ID:               b.ID,
		AccountID:        b.UserID,
		Config:           cfg,
		CallTimeout:      o.cfg.CallTimeout,
		Retry:            o.cfg.Retry,
		MaxCycleFailures: o.cfg.MaxCycleFailures,
		OnExit:           o.onExit,
	})
	if err != nil {
		o.deps.Gateways.Release(key)
		return err
	}

	// the instance outlives the request that started it
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	e.inst, e.gwKey, e.cancel = inst, key, cancel
	o.mu.Unlock()
	if err := inst.Start(runCtx); err != nil {
		o.release(e)
		return err
	}
	return nil
}

// onExit runs on the instance goroutine when its loop ends for any reason.
func (o *Orchestrator) onExit(id string, status bot.Status, err error) {
	o.mu.Lock()
	e, ok := o.running[id]
	if ok {
		delete(o.running, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.release(e)

	persisted := db.StatusStopped
	if status == bot.StatusError {
		persisted = db.StatusError
		log.Printf("[ORCH] bot %s self-stopped with error: %v", id, err)
	}
	o.persistStatus(id, persisted, errString(err))
	o.sampleCounts()
}

func (o *Orchestrator) release(e *entry) {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.gwKey != "" {
			o.deps.Gateways.Release(e.gwKey)
		}
	})
}

func (o *Orchestrator) live(userID, botID string) (*bot.Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.running[botID]
	if !ok || e.userID != userID {
		return nil, nil
	}
	if e.inst == nil {
		return nil, fmt.Errorf("bot %s is still starting", botID)
	}
	return e.inst, nil
}

// StopBot stops a running instance and records STOPPED as the desired state.
// With closePosition it cancels resting orders and flattens first. Stopping a
// bot that is not running succeeds without side effects.
func (o *Orchestrator) StopBot(ctx context.Context, userID, botID string, closePosition bool) error {
	if userID == "" {
		return db.ErrAccountRequired
	}
	inst, err := o.live(userID, botID)
	if err != nil {
		return err
	}
	if inst == nil {
		if _, err := o.loadBot(ctx, userID, botID); errors.Is(err, ErrBotNotFound) {
			return err
		}
		o.persistDesired(userID, botID, db.StatusStopped)
		return nil
	}
	o.persistDesired(userID, botID, db.StatusStopped)
	if err := inst.Stop(ctx, closePosition); err != nil {
		return fmt.Errorf("stop %s: %w", botID, err)
	}
	log.Printf("[ORCH] bot %s stopped (close position: %v)", botID, closePosition)
	return nil
}

// PauseBot suspends cycles of a running instance. Open positions stay managed.
func (o *Orchestrator) PauseBot(ctx context.Context, userID, botID string) error {
	inst, err := o.live(userID, botID)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrNotRunning
	}
	if err := inst.Pause(ctx); err != nil {
		return err
	}
	o.persistDesired(userID, botID, db.StatusPaused)
	o.persistStatus(botID, db.StatusPaused, "")
	return nil
}

// ResumeBot resumes a paused instance.
func (o *Orchestrator) ResumeBot(ctx context.Context, userID, botID string) error {
	inst, err := o.live(userID, botID)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrNotRunning
	}
	if err := inst.Resume(ctx); err != nil {
		return err
	}
	o.persistDesired(userID, botID, db.StatusRunning)
	o.persistStatus(botID, db.StatusRunning, "")
	return nil
}

// UpdateConfig validates cfg and stores it as the next version.
func (o *Orchestrator) UpdateConfig(ctx context.Context, userID, botID string, cfg strategy.Config, note string) (int, error) {
	b, err := o.loadBot(ctx, userID, botID)
	if err != nil {
		return 0, err
	}
	cfg.ID = botID
	cfg.Normalize()
	if !strings.EqualFold(cfg.Symbol, b.Symbol) {
		return 0, errs.Config("engine.UpdateConfig", "symbol cannot change from %s to %s; create a new bot", b.Symbol, cfg.Symbol)
	}
	if err := strategy.Validate(cfg); err != nil {
		return 0, err
	}
	cfg.Version = 0
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode config: %w", err)
	}
	if note == "" {
		note = "updated"
	}
	version, err := o.deps.Store.UpdateBotConfig(ctx, userID, botID, string(raw), note)
	if err != nil {
		return 0, err
	}
	o.deps.Bus.Emit(events.EventConfigUpdated, botID, userID, fmt.Sprintf("config v%d stored (%s)", version, note))
	if inst, _ := o.live(userID, botID); inst != nil {
		log.Printf("[ORCH] bot %s config v%d stored; running instance keeps v%d until restart", botID, version, inst.Config().Version)
	}
	return version, nil
}

// GetStatus returns the persisted status merged with the live report.
func (o *Orchestrator) GetStatus(ctx context.Context, userID, botID string) (*BotStatus, error) {
	b, err := o.loadBot(ctx, userID, botID)
	if err != nil {
		return nil, err
	}
	st := o.statusOf(*b)
	return &st, nil
}

// ListBots returns every bot of an account.
func (o *Orchestrator) ListBots(ctx context.Context, userID string) ([]BotStatus, error) {
	bots, err := o.deps.Store.ListBotsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]BotStatus, 0, len(bots))
	for _, b := range bots {
		out = append(out, o.statusOf(b))
	}
	return out, nil
}

func (o *Orchestrator) statusOf(b db.Bot) BotStatus {
	st := BotStatus{
		ID:            b.ID,
		UserID:        b.UserID,
		ConnectionID:  b.ConnectionID,
		Name:          b.Name,
		Symbol:        b.Symbol,
		ConfigVersion: b.ConfigVersion,
		DesiredStatus: b.DesiredStatus,
		Status:        b.Status,
		LastError:     b.LastError,
		UpdatedAt:     b.UpdatedAt,
	}
	if inst, _ := o.live(b.UserID, b.ID); inst != nil {
		r := inst.Report()
		st.Running = r.Status.Active()
		st.Status = string(r.Status)
		st.Runtime = &r
	}
	return st
}

// Running lists live instances.
func (o *Orchestrator) Running() []RunningBot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunningBot, 0, len(o.running))
	for id, e := range o.running {
		rb := RunningBot{ID: id, UserID: e.userID, Symbol: e.symbol, Status: bot.StatusStarting}
		if e.inst != nil {
			rb.Status = e.inst.Status()
		}
		out = append(out, rb)
	}
	return out
}

// GetSystemStatus reports process-wide counters.
func (o *Orchestrator) GetSystemStatus(context.Context) *SystemStatus {
	st := o.cfg.Meta
	st.MaxBotsPerAccount = o.cfg.MaxBotsPerAccount
	st.BotsByAccount = make(map[string]int)
	for _, rb := range o.Running() {
		st.BotsRunning++
		st.BotsByAccount[rb.UserID]++
	}
	st.ServerTime = time.Now().UTC()
	return &st
}

// CheckHealth flags live instances that went quiet or keep failing. Flagging
// only reports; Config.OnUnhealthy decides what else happens.
func (o *Orchestrator) CheckHealth() []HealthIssue {
	o.mu.Lock()
	live := make([]*bot.Instance, 0, len(o.running))
	for _, e := range o.running {
		if e.inst != nil {
			live = append(live, e.inst)
		}
	}
	o.mu.Unlock()

	var issues []HealthIssue
	keep := make(map[string]bool, len(live))
	for _, inst := range live {
		keep[inst.ID()] = true
		r := inst.Report()
		if r.Status != bot.StatusRunning {
			continue
		}
		limit := o.cfg.StaleAfter
		if iv := 3 * inst.Config().Interval(); iv > limit {
			limit = iv
		}
		issue := HealthIssue{BotID: r.ID, UserID: r.AccountID, LastActivity: r.LastActivity, RecentErrors: r.RecentErrors}
		switch {
		case time.Since(r.LastActivity) > limit:
			issue.Reason = ReasonStale
		case r.RecentErrors >= o.cfg.ErrorThreshold:
			issue.Reason = ReasonErrors
		default:
			continue
		}
		issues = append(issues, issue)
		log.Printf("[ORCH] bot %s unhealthy: %s (last activity %s, %d recent errors)",
			issue.BotID, issue.Reason, issue.LastActivity.Format(time.RFC3339), issue.RecentErrors)
		monitor.RecordUnhealthy(issue.Reason)
		o.deps.Bus.Emit(events.EventBotUnhealthy, issue.BotID, issue.UserID, issue)
		if o.cfg.OnUnhealthy != nil {
			o.cfg.OnUnhealthy(issue)
		}
	}
	o.deps.Risks.CleanupIdle(24*time.Hour, keep)
	o.sampleCounts()
	return issues
}

func (o *Orchestrator) sampleCounts() {
	if o.deps.Metrics == nil {
		return
	}
	o.mu.Lock()
	n := len(o.running)
	o.mu.Unlock()
	gws := 0
	if s, ok := o.deps.Gateways.(interface{ Stats() gateway.PoolStats }); ok {
		gws = s.Stats().TotalGateways
	}
	o.deps.Metrics.SetCounts(n, gws, o.deps.Risks.Len())
}

// Persistence failures below are logged; the runtime keeps operating.

func (o *Orchestrator) persistStatus(botID, status, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.UpdateBotStatus(ctx, botID, status, lastErr); err != nil {
		log.Printf("[ORCH] persist status %s=%s failed: %v", botID, status, err)
	}
}

func (o *Orchestrator) persistDesired(userID, botID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.SetDesiredStatus(ctx, userID, botID, status); err != nil {
		log.Printf("[ORCH] persist desired %s=%s failed: %v", botID, status, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
