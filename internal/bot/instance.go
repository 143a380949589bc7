// Package bot runs one strategy instance: a single-goroutine actor that pulls
// candles on its cadence, evaluates the strategy and drives its execution
// engine. All strategy and position state is owned by the run loop; other
// goroutines only read the status snapshot.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bot-core/internal/advisor"
	"bot-core/internal/errs"
	"bot-core/internal/events"
	"bot-core/internal/indicators"
	"bot-core/internal/monitor"
	"bot-core/internal/order"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/db"
	exchange "bot-core/pkg/exchanges/common"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// Active reports whether the instance holds a live runtime.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused || s == StatusStopping
}

// TradeStore persists closed trades.
type TradeStore interface {
	SaveTrade(ctx context.Context, t db.Trade) error
}

// Deps are the services an instance talks to. Market, Exec and Risk are required.
type Deps struct {
	Market  exchange.MarketDataGateway
	Exec    exchange.ExecutionGateway
	Risk    *risk.Engine
	Advisor *advisor.Service
	Bus     *events.Bus
	Trades  TradeStore
	Prices  *cache.PriceCache
	Metrics *monitor.SystemMetrics
}

// Options configures one instance.
type Options struct {
	ID               string
	AccountID        string
	Config           strategy.Config
	CallTimeout      time.Duration
	Retry            exchange.RetryPolicy
	MaxCycleFailures int
	SnapshotDepth    int
	// OnExit is called from the run loop after it has released its feeds and
	// before Done is closed. It must not call back into the instance.
	OnExit func(id string, status Status, err error)
}

const (
	defaultSnapshotDepth = 64
	errorWindow          = 10
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
)

type command struct {
	kind          cmdKind
	closePosition bool
	reply         chan error
}

// Instance is one running strategy.
type Instance struct {
	id      string
	account string
	cfg     strategy.Config
	deps    Deps
	opts    Options

	indicators *indicators.Engine
	eval       *strategy.Evaluator
	rules      *strategy.RuleEngine
	exec       *order.Engine
	warmup     int

	// owned by the run loop
	snaps        []strategy.Snapshot
	equity       float64
	paused       bool
	failures     int
	errorRing    []bool
	warnedShort  bool
	candles      <-chan exchange.CandleUpdate
	updates      <-chan exchange.VenueEvent
	unsubscribes []func()

	cmds chan command
	done chan struct{}

	mu     sync.RWMutex
	status Status
	report Report
}

// Report is the status snapshot served to operators and the health check.
type Report struct {
	ID                  string           `json:"id"`
	AccountID           string           `json:"account_id"`
	Symbol              string           `json:"symbol"`
	Status              Status           `json:"status"`
	ConfigVersion       int              `json:"config_version"`
	ExecState           order.State      `json:"exec_state"`
	Position            *order.Position  `json:"position,omitempty"`
	TrailingActive      bool             `json:"trailing_active"`
	TrailingStop        float64          `json:"trailing_stop,omitempty"`
	Equity              float64          `json:"equity"`
	LastPrice           float64          `json:"last_price"`
	Cycles              uint64           `json:"cycles"`
	Signals             uint64           `json:"signals"`
	Trades              uint64           `json:"trades"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	RecentErrors        int              `json:"recent_errors"`
	LastError           string           `json:"last_error,omitempty"`
	LastSignal          *strategy.Signal `json:"last_signal,omitempty"`
	LastActivity        time.Time        `json:"last_activity"`
	StartedAt           time.Time        `json:"started_at"`
	Risk                risk.Metrics     `json:"risk"`
}

// New builds an instance in STARTING. It validates the config.
func New(deps Deps, opts Options) (*Instance, error) {
	if deps.Market == nil || deps.Exec == nil || deps.Risk == nil {
		return nil, errors.New("bot: market, execution and risk are required")
	}
	if opts.AccountID == "" {
		return nil, db.ErrAccountRequired
	}
	cfg := opts.Config
	cfg.Normalize()
	if err := strategy.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = exchange.DefaultRetryPolicy()
	}
	if opts.MaxCycleFailures <= 0 {
		opts.MaxCycleFailures = 5
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = defaultSnapshotDepth
	}
	if deps.Advisor == nil {
		deps.Advisor = advisor.NewService(nil)
	}

	b := &Instance{
		id:         opts.ID,
		account:    opts.AccountID,
		cfg:        cfg,
		deps:       deps,
		opts:       opts,
		indicators: indicators.NewEngine(),
		eval:       strategy.NewEvaluator(cfg),
		rules:      strategy.NewRuleEngine(cfg),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		status:     StatusStarting,
	}
	b.warmup = b.indicators.Warmup(cfg.Indicators)
	b.exec = order.NewEngine(deps.Exec, order.Options{
		Symbol:       cfg.Symbol,
		Trailing:     cfg.Risk.Trailing,
		FeeRate:      cfg.Risk.FeeRate,
		SizeDecimals: cfg.Risk.SizeDecimals,
		Retry:        opts.Retry,
		CallTimeout:  opts.CallTimeout,
		OnEvent:      b.onOrderEvent,
	})
	b.report = Report{
		ID:            opts.ID,
		AccountID:     opts.AccountID,
		Symbol:        cfg.Symbol,
		Status:        StatusStarting,
		ConfigVersion: cfg.Version,
		ExecState:     order.StateNoPosition,
	}
	return b, nil
}

func (b *Instance) ID() string              { return b.id }
func (b *Instance) AccountID() string       { return b.account }
func (b *Instance) Symbol() string          { return b.cfg.Symbol }
func (b *Instance) Config() strategy.Config { return b.cfg }

// Done is closed when the run loop has exited.
func (b *Instance) Done() <-chan struct{} { return b.done }

// Status returns the lifecycle state.
func (b *Instance) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Report returns a copy of the status snapshot.
func (b *Instance) Report() Report {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.report
	r.Status = b.status
	r.Risk = b.deps.Risk.Metrics()
	return r
}

func (b *Instance) setStatus(s Status, reason string) {
	b.mu.Lock()
	changed := b.status != s
	b.status = s
	b.mu.Unlock()
	if changed {
		log.Printf("[BOT %s] status %s %s", b.id, s, reason)
		b.emit(events.EventBotStatus, StatusEvent{Status: s, Reason: reason})
	}
}

func (b *Instance) emit(topic events.Event, payload any) {
	b.deps.Bus.Emit(topic, b.id, b.account, payload)
}

// Start subscribes to data, reads the account and launches the run loop.
// A failure leaves the instance STOPPED with nothing subscribed.
func (b *Instance) Start(ctx context.Context) error {
	if err := b.prepare(ctx); err != nil {
		b.release()
		b.setStatus(StatusStopped, err.Error())
		close(b.done)
		return err
	}
	go b.run(ctx)
	return nil
}

func (b *Instance) prepare(ctx context.Context) error {
	const op = "bot.prepare"
	ch, stop, err := b.deps.Market.Subscribe(ctx, b.cfg.Symbol, b.cfg.Timeframe)
	if err != nil {
		return errs.Wrap(errs.KindDataUnavailable, op, fmt.Errorf("subscribe %s %s: %w", b.cfg.Symbol, b.cfg.Timeframe, err))
	}
	b.candles = ch
	b.unsubscribes = append(b.unsubscribes, stop)

	updates, unsub := b.deps.Exec.SubscribeUpdates(b.cfg.Symbol)
	b.updates = updates
	b.unsubscribes = append(b.unsubscribes, unsub)

	if err := b.refreshEquity(ctx); err != nil {
		return errs.Wrap(errs.KindVenue, op, fmt.Errorf("account info: %w", err))
	}
	if err := b.adoptPosition(ctx); err != nil {
		return err
	}

	now := time.Now()
	b.mu.Lock()
	b.report.StartedAt = now
	b.report.LastActivity = now
	b.mu.Unlock()
	b.setStatus(StatusRunning, "")
	log.Printf("[BOT %s] started %s %s every %s (warmup %d candles, equity %.2f)",
		b.id, b.cfg.Symbol, b.cfg.Timeframe, b.cfg.Interval(), b.warmup, b.equity)
	return nil
}

// release unsubscribes every feed. Safe to call more than once.
func (b *Instance) release() {
	for _, stop := range b.unsubscribes {
		stop()
	}
	b.unsubscribes = nil
}

func (b *Instance) run(ctx context.Context) {
	var (
		exitStatus = StatusStopped
		exitErr    error
	)
	defer func() {
		b.release()
		b.setStatus(exitStatus, errString(exitErr))
		if b.opts.OnExit != nil {
			b.opts.OnExit(b.id, exitStatus, exitErr)
		}
		close(b.done)
	}()

	ticker := time.NewTicker(b.cfg.Interval())
	defer ticker.Stop()

	if err := b.step(ctx); err != nil {
		exitStatus, exitErr = StatusError, b.secure(ctx, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.paused {
				continue
			}
			if err := b.step(ctx); err != nil {
				exitStatus, exitErr = StatusError, b.secure(ctx, err)
				return
			}
		case u, ok := <-b.candles:
			if !ok {
				b.candles = nil
				log.Printf("[BOT %s] candle stream closed, polling only", b.id)
				continue
			}
			b.onCandle(ctx, u)
		case ev, ok := <-b.updates:
			if !ok {
				b.updates = nil
				continue
			}
			b.onVenueEvent(ctx, ev)
		case cmd := <-b.cmds:
			switch cmd.kind {
			case cmdPause:
				b.paused = true
				b.setStatus(StatusPaused, "")
				cmd.reply <- nil
			case cmdResume:
				b.paused = false
				b.setStatus(StatusRunning, "")
				cmd.reply <- nil
			case cmdStop:
				b.setStatus(StatusStopping, "")
				cmd.reply <- b.shutdown(ctx, cmd.closePosition)
				return
			}
		}
	}
}

// step runs one cycle and applies the failure policy. A non-nil return means
// the failure threshold was reached and the instance must stop.
func (b *Instance) step(ctx context.Context) error {
	start := time.Now()
	err := b.cycle(ctx)
	outcome := "ok"
	b.mu.Lock()
	b.report.Cycles++
	b.report.LastActivity = time.Now()
	b.errorRing = append(b.errorRing, err != nil)
	if len(b.errorRing) > errorWindow {
		b.errorRing = b.errorRing[1:]
	}
	recent := 0
	for _, failed := range b.errorRing {
		if failed {
			recent++
		}
	}
	b.report.RecentErrors = recent
	if err != nil {
		b.failures++
		b.report.LastError = err.Error()
		outcome = string(errs.KindOf(err))
	} else {
		b.failures = 0
	}
	b.report.ConsecutiveFailures = b.failures
	b.mu.Unlock()

	monitor.RecordCycle(b.cfg.Symbol, outcome, time.Since(start).Seconds())
	if b.deps.Metrics != nil {
		b.deps.Metrics.IncrementCycles()
		b.deps.Metrics.CycleLatency.RecordDuration(time.Since(start))
	}
	if err == nil {
		return nil
	}

	if b.deps.Metrics != nil {
		b.deps.Metrics.IncrementErrors()
	}
	log.Printf("[BOT %s] cycle failed (%d/%d): %v", b.id, b.failures, b.opts.MaxCycleFailures, err)
	b.emit(events.EventBotError, err.Error())
	if b.failures >= b.opts.MaxCycleFailures {
		fatal := errs.Wrap(errs.KindFatal, "bot.run", fmt.Errorf("%d consecutive cycle failures: %w", b.failures, err))
		log.Printf("[BOT %s] %v, stopping", b.id, fatal)
		return fatal
	}
	return nil
}

// cycle is one analysis pass: candles, indicators, conditions, rules, then
// either position management or the entry pipeline.
func (b *Instance) cycle(ctx context.Context) error {
	in := indicators.Input{Primary: b.cfg.Timeframe, Candles: make(map[string][]exchange.Candle)}
	for _, tf := range b.cfg.Timeframes() {
		candles, err := b.fetchHistory(ctx, tf)
		if err != nil {
			return errs.Wrap(errs.KindDataUnavailable, "bot.cycle", fmt.Errorf("history %s: %w", tf, err))
		}
		in.Candles[tf] = candles
	}
	primary := in.Candles[b.cfg.Timeframe]
	if len(primary) == 0 {
		return errs.New(errs.KindDataUnavailable, "bot.cycle", "no candles for "+b.cfg.Symbol)
	}
	if len(primary) < b.warmup {
		if !b.warnedShort {
			log.Printf("[BOT %s] insufficient data: %d of %d warm-up candles, evaluating anyway", b.id, len(primary), b.warmup)
			b.warnedShort = true
		}
	} else {
		b.warnedShort = false
	}

	book := b.fetchBook(ctx)
	in.Book = book
	snap := strategy.Snapshot{
		Time:       time.Now(),
		Candle:     primary[len(primary)-1],
		Indicators: b.indicators.Compute(b.cfg.Indicators, in),
		Book:       bookMetrics(book),
		Funding:    b.fetchFunding(ctx),
	}
	b.snaps = append(b.snaps, snap)
	if len(b.snaps) > b.opts.SnapshotDepth {
		b.snaps = b.snaps[len(b.snaps)-b.opts.SnapshotDepth:]
	}
	results := b.eval.EvaluateAll(b.cfg, b.snaps)
	price := snap.Candle.Close
	b.observePrice(price)

	if b.exec.State().IsOpen() {
		return b.manage(ctx, price, results)
	}
	if b.exec.State() != order.StateNoPosition {
		return nil
	}
	return b.tryEntry(ctx, price, snap, primary, results)
}

func (b *Instance) fetchHistory(ctx context.Context, tf string) ([]exchange.Candle, error) {
	var from time.Time
	if b.cfg.HistoryLimit > 0 {
		if d, err := exchange.TimeframeDuration(tf); err == nil {
			from = time.Now().Add(-time.Duration(b.cfg.HistoryLimit) * d)
		}
	}
	var out []exchange.Candle
	err := exchange.Retry(ctx, b.opts.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		c, err := b.deps.Market.GetHistory(cctx, b.cfg.Symbol, tf, from, time.Time{})
		out = c
		return err
	})
	if b.cfg.HistoryLimit > 0 && len(out) > b.cfg.HistoryLimit {
		out = out[len(out)-b.cfg.HistoryLimit:]
	}
	return out, err
}

func (b *Instance) fetchBook(ctx context.Context) *exchange.OrderBook {
	if !b.cfg.UsesSource(strategy.SourceOrderBook) {
		return nil
	}
	src, ok := b.deps.Market.(exchange.OrderBookSource)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	book, err := src.GetOrderBook(cctx, b.cfg.Symbol, 20)
	if err != nil {
		log.Printf("[BOT %s] order book unavailable: %v", b.id, err)
		return nil
	}
	return book
}

func (b *Instance) fetchFunding(ctx context.Context) *float64 {
	if !b.cfg.UsesSource(strategy.SourceFunding) {
		return nil
	}
	src, ok := b.deps.Market.(exchange.FundingSource)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	rate, err := src.GetFundingRate(cctx, b.cfg.Symbol)
	if err != nil {
		log.Printf("[BOT %s] funding rate unavailable: %v", b.id, err)
		return nil
	}
	return &rate
}

func bookMetrics(book *exchange.OrderBook) *strategy.BookMetrics {
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil
	}
	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	m := &strategy.BookMetrics{Imbalance: indicators.OrderBookImbalance(book, 10)}
	if mid := (bid + ask) / 2; mid > 0 {
		m.SpreadPct = (ask - bid) / mid * 100
	}
	return m
}

func (b *Instance) observePrice(price float64) {
	if price <= 0 {
		return
	}
	if b.deps.Prices != nil {
		b.deps.Prices.Set(b.cfg.Symbol, price, b.id)
	}
	monitor.UpdatePrice(b.cfg.Symbol, price)
	b.mu.Lock()
	b.report.LastPrice = price
	b.mu.Unlock()
}

// manage handles an open position: trailing, reconciliation with the venue
// and exit rules. Entry rules are not evaluated while a position is open.
func (b *Instance) manage(ctx context.Context, price float64, results map[string]strategy.ConditionResult) error {
	defer b.snapshotExec()
	var firstErr error
	if err := b.exec.OnPrice(ctx, price); err != nil {
		firstErr = err
	}
	trade, err := b.exec.Sync(ctx)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if trade != nil {
		b.finishTrade(ctx, trade)
		return firstErr
	}
	pos := b.exec.Position()
	if pos == nil {
		return firstErr
	}
	sig, ok := b.rules.EvaluateExit(results, string(pos.Side), time.Now())
	if !ok {
		return firstErr
	}
	b.recordSignal(sig, price, results)
	trade, err = b.exec.Exit(ctx, order.ReasonExitRule)
	if err != nil {
		return err
	}
	if trade != nil {
		b.finishTrade(ctx, trade)
	}
	return firstErr
}

func (b *Instance) tryEntry(ctx context.Context, price float64, snap strategy.Snapshot, primary []exchange.Candle, results map[string]strategy.ConditionResult) error {
	sig, ok := strategy.ResolveEntry(b.rules.EvaluateEntries(results, snap.Time))
	if !ok {
		return nil
	}
	b.recordSignal(sig, price, results)

	if b.cfg.Advisor.Enabled && !b.consultAdvisor(ctx, sig, price, snap) {
		return nil
	}

	if err := b.refreshEquity(ctx); err != nil {
		log.Printf("[BOT %s] equity refresh failed, using %.2f: %v", b.id, b.equity, err)
	}
	held, err := b.venuePosition(ctx)
	if err != nil {
		return errs.Wrap(errs.KindVenue, "bot.tryEntry", fmt.Errorf("positions: %w", err))
	}
	open := 0
	if held != nil {
		open = 1
	}
	closes := make([]float64, len(primary))
	for i, c := range primary {
		closes[i] = c.Close
	}
	in := risk.SignalInput{
		Symbol:        b.cfg.Symbol,
		Side:          sig.PositionSide(),
		Price:         price,
		Equity:        b.equity,
		ATR:           b.atr(snap, primary),
		Volatility:    indicators.RealizedVolatility(closes, 20),
		OpenPositions: open,
		Confidence:    sig.Confidence,
	}
	dec := b.deps.Risk.Evaluate(in)
	b.emit(events.EventRiskDecision, DecisionEvent{Symbol: b.cfg.Symbol, Action: sig.Action, Decision: dec})
	if !dec.Approved {
		log.Printf("[RISK] %s %s %s denied: %s", b.id, b.cfg.Symbol, sig.Action, dec.Reason)
		monitor.RecordDenial(b.cfg.Symbol)
		if b.deps.Metrics != nil {
			b.deps.Metrics.IncrementDenials()
		}
		if held == nil {
			return nil
		}
	}
	if held != nil {
		log.Printf("[BOT %s] venue already holds %s size=%.6g, adopting instead of entering", b.id, b.cfg.Symbol, held.Size)
		return b.adoptPosition(ctx)
	}

	var timer *monitor.Timer
	if b.deps.Metrics != nil {
		timer = monitor.NewTimer(b.deps.Metrics.OrderLatency)
		b.deps.Metrics.IncrementOrders()
	}
	_, trade, err := b.exec.Enter(ctx, sig.PositionSide(), dec)
	if timer != nil {
		timer.Stop()
	}
	b.snapshotExec()
	if trade != nil {
		b.finishTrade(ctx, trade)
	}
	if err != nil {
		if errs.Is(err, errs.KindOrderRejected) || errs.Is(err, errs.KindRiskDenial) {
			log.Printf("[BOT %s] entry not placed: %v", b.id, err)
			b.emit(events.EventBotError, err.Error())
			return nil
		}
		return err
	}
	return nil
}

// consultAdvisor reports whether the entry may proceed.
func (b *Instance) consultAdvisor(ctx context.Context, sig strategy.Signal, price float64, snap strategy.Snapshot) bool {
	req := advisor.Request{
		BotID:      b.id,
		Symbol:     b.cfg.Symbol,
		Timeframe:  b.cfg.Timeframe,
		Action:     sig.Action,
		Confidence: sig.Confidence,
		Price:      price,
		Indicators: snap.Indicators,
		Reasons:    sig.Reasons,
	}
	res := b.deps.Advisor.Analyze(ctx, req, b.cfg.Advisor.Timeout())
	if b.deps.Metrics != nil {
		b.deps.Metrics.AdvisorLatency.RecordDuration(res.Latency)
	}
	proceed, outcome := advisor.Confirm(res, sig.Action, sig.Confidence, b.cfg.Advisor.MinConfidenceOverride)
	monitor.RecordAdvisor(outcome)
	ev := AdvisorEvent{Symbol: b.cfg.Symbol, Action: sig.Action, Outcome: outcome, Available: res.Available, Verdict: res.Verdict}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	b.emit(events.EventAdvisor, ev)
	if !proceed {
		log.Printf("[BOT %s] advisor rejected %s (%s %.0f%%), skipping entry", b.id, sig.Action, res.Verdict.Action, res.Verdict.Confidence)
	}
	return proceed
}

func (b *Instance) atr(snap strategy.Snapshot, primary []exchange.Candle) float64 {
	for _, s := range b.cfg.Indicators {
		if s.Type == indicators.TypeATR {
			if v, ok := snap.Indicators[s.ID]; ok {
				return v
			}
		}
	}
	return indicators.ATR(primary, 14)
}

func (b *Instance) refreshEquity(ctx context.Context) error {
	var info *exchange.AccountInfo
	err := exchange.Retry(ctx, b.opts.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		var err error
		info, err = b.deps.Exec.GetAccountInfo(cctx)
		return err
	})
	if err != nil {
		return err
	}
	b.equity = info.Equity
	b.deps.Risk.UpdateEquity(info.Equity)
	b.mu.Lock()
	b.report.Equity = info.Equity
	b.mu.Unlock()
	return nil
}

func (b *Instance) recordSignal(sig strategy.Signal, price float64, results map[string]strategy.ConditionResult) {
	log.Printf("[BOT %s] signal %s", b.id, sig.Describe())
	monitor.RecordSignal(b.cfg.Symbol, sig.Action)
	if b.deps.Metrics != nil {
		b.deps.Metrics.IncrementSignals()
	}
	b.emit(events.EventSignal, SignalEvent{Symbol: b.cfg.Symbol, Price: price, Signal: sig, Conditions: results})
	b.mu.Lock()
	b.report.Signals++
	s := sig
	b.report.LastSignal = &s
	b.mu.Unlock()
}

// onCandle feeds streamed prices into trailing between cycles.
func (b *Instance) onCandle(ctx context.Context, u exchange.CandleUpdate) {
	if u.Symbol != "" && u.Symbol != b.cfg.Symbol {
		return
	}
	price := u.Candle.Close
	b.observePrice(price)
	b.emit(events.EventPriceTick, price)
	if !b.exec.State().IsOpen() {
		return
	}
	if err := b.exec.OnPrice(ctx, price); err != nil {
		log.Printf("[BOT %s] trailing update failed: %v", b.id, err)
	}
	b.snapshotExec()
}

func (b *Instance) onVenueEvent(ctx context.Context, ev exchange.VenueEvent) {
	if trade := b.exec.OnVenueEvent(ctx, ev); trade != nil {
		b.finishTrade(ctx, trade)
	}
	b.snapshotExec()
}

func (b *Instance) onOrderEvent(ev order.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Symbol == "" {
		ev.Symbol = b.cfg.Symbol
	}
	monitor.RecordOrderEvent(b.cfg.Symbol, ev.Type)
	b.emit(events.EventOrder, OrderEvent{Event: ev})
}

// finishTrade records a closed round trip everywhere it is needed. Storage
// failures are logged; the trade is still applied to the risk state.
func (b *Instance) finishTrade(ctx context.Context, t *order.Trade) {
	t.BotID = b.id
	b.deps.Risk.RecordTrade(risk.TradeResult{Symbol: t.Symbol, PnL: t.PnL, Fee: t.Fee, Time: t.ClosedAt})
	monitor.RecordTrade(t.Symbol, string(t.Side), t.PnL)
	b.emit(events.EventTrade, TradeEvent{Trade: *t})
	b.mu.Lock()
	b.report.Trades++
	b.mu.Unlock()

	if b.deps.Trades == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.CallTimeout)
	defer cancel()
	err := b.deps.Trades.SaveTrade(cctx, db.Trade{
		ID:         t.ID,
		BotID:      b.id,
		UserID:     b.account,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Qty:        t.Qty,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Fee:        t.Fee,
		PnL:        t.PnL,
		Reason:     t.Reason,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
	})
	if err != nil {
		log.Printf("[BOT %s] failed to save trade %s: %v", b.id, t.ID, err)
	}
}

func (b *Instance) snapshotExec() {
	pos := b.exec.Position()
	trail := b.exec.Trailing()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.ExecState = b.exec.State()
	b.report.Position = pos
	b.report.TrailingActive = b.exec.State() == order.StateOpenTrailing
	b.report.TrailingStop = 0
	if trail != nil {
		b.report.TrailingStop = trail.CurrentStop
	}
}

// venuePosition returns the venue's open position on the bot's symbol, or nil.
func (b *Instance) venuePosition(ctx context.Context) (*exchange.PositionInfo, error) {
	var positions []exchange.PositionInfo
	err := exchange.Retry(ctx, b.opts.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		var err error
		positions, err = b.deps.Exec.GetPositions(cctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == b.cfg.Symbol && p.Size != 0 {
			return &p, nil
		}
	}
	return nil, nil
}

// adoptPosition takes over a venue position on the bot's symbol that the
// execution engine does not track, such as one left by a previous run, so
// a restart manages it instead of stacking a second entry.
func (b *Instance) adoptPosition(ctx context.Context) error {
	const op = "bot.adoptPosition"
	if b.exec.State() != order.StateNoPosition {
		return nil
	}
	p, err := b.venuePosition(ctx)
	if err != nil {
		return errs.Wrap(errs.KindVenue, op, fmt.Errorf("positions: %w", err))
	}
	if p == nil {
		return nil
	}
	side := exchange.PositionLong
	if p.Size < 0 {
		side = exchange.PositionShort
	}
	stop, target, err := risk.ProtectiveLevels(b.cfg.Risk, side, p.EntryPrice, 0)
	if err == nil && p.MarkPrice > 0 && (p.MarkPrice-stop)*side.Sign() <= 0 {
		// already through the stop computed from entry
		stop, target, err = risk.ProtectiveLevels(b.cfg.Risk, side, p.MarkPrice, 0)
	}
	if err != nil {
		return errs.Wrap(errs.KindConfig, op, err)
	}
	log.Printf("[BOT %s] found open %s %s position size=%.6g entry=%s, adopting",
		b.id, b.cfg.Symbol, side, p.Size, exchange.FormatPrice(p.EntryPrice))
	err = b.exec.Adopt(ctx, *p, stop, target)
	b.snapshotExec()
	if err != nil && b.exec.State().IsOpen() {
		log.Printf("[BOT %s] %v; retrying protection next cycle", b.id, err)
		return nil
	}
	return err
}

// secure runs when the failure threshold ends the loop. An open position is
// never left without a resting stop: the stop is re-placed, or the position
// is flattened. The outcome is appended to the fatal error.
func (b *Instance) secure(ctx context.Context, fatal error) error {
	if !b.exec.State().IsOpen() {
		return fatal
	}
	cctx := context.WithoutCancel(ctx)
	outcome := "protective stop in place"
	if err := b.exec.Protect(cctx); err != nil {
		log.Printf("[BOT %s] stop placement on exit failed, flattening: %v", b.id, err)
		trade, ferr := b.exec.EmergencyStop(cctx)
		if trade != nil {
			b.finishTrade(cctx, trade)
		}
		if ferr != nil {
			outcome = "position left unprotected: " + ferr.Error()
			log.Printf("[BOT %s] flatten on exit failed, %s", b.id, outcome)
		} else {
			outcome = "position flattened"
		}
	}
	b.snapshotExec()
	err := fmt.Errorf("%w (%s)", fatal, outcome)
	b.mu.Lock()
	b.report.LastError = err.Error()
	b.mu.Unlock()
	return err
}

// shutdown runs on the loop when a stop command arrives.
func (b *Instance) shutdown(ctx context.Context, closePosition bool) error {
	if !closePosition {
		if b.exec.State().IsOpen() {
			log.Printf("[BOT %s] stopping with open position; protective orders stay at the venue", b.id)
		}
		return nil
	}
	trade, err := b.exec.EmergencyStop(context.WithoutCancel(ctx))
	if trade != nil {
		b.finishTrade(ctx, trade)
	}
	b.snapshotExec()
	if err != nil {
		log.Printf("[BOT %s] emergency stop failed: %v", b.id, err)
	}
	return err
}

func (b *Instance) send(ctx context.Context, cmd command) error {
	select {
	case b.cmds <- cmd:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops new cycles; streamed prices and venue events are still
// handled so an open position stays managed.
func (b *Instance) Pause(ctx context.Context) error {
	return b.send(ctx, command{kind: cmdPause, reply: make(chan error, 1)})
}

// Resume restarts cycles after Pause.
func (b *Instance) Resume(ctx context.Context) error {
	return b.send(ctx, command{kind: cmdResume, reply: make(chan error, 1)})
}

// Stop ends the run loop and waits for it to release its feeds. With
// closePosition it cancels resting orders and flattens first. Stopping an
// instance that is no longer running is a no-op.
func (b *Instance) Stop(ctx context.Context, closePosition bool) error {
	select {
	case <-b.done:
		return nil
	default:
	}
	err := b.send(ctx, command{kind: cmdStop, closePosition: closePosition, reply: make(chan error, 1)})
	select {
	case <-b.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
