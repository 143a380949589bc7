package order

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"bot-core/internal/errs"
	"bot-core/internal/risk"
	exchange "bot-core/pkg/exchanges/common"
)

// Options configures an Engine for one bot.
type Options struct {
	Symbol       string
	Trailing     risk.TrailingConfig
	FeeRate      float64
	SizeDecimals int
	Retry        exchange.RetryPolicy
	CallTimeout  time.Duration
	// OnEvent receives execution events for audit. Optional.
	OnEvent func(Event)
}

// Engine turns approved decisions into venue orders and manages the
// protective orders of the resulting position. It is owned by one bot loop
// and is not safe for concurrent use.
type Engine struct {
	gw   exchange.ExecutionGateway
	opts Options
	now  func() time.Time

	state State
	pos   *Position
	trail *TrailingStop

	stopID     string
	targetID   string
	exitReason string
	exitPrice  float64

	// unprotected is set when a stop replacement failed and the old stop could
	// not be restored; the next observation re-places it before anything else.
	unprotected bool
}

// NewEngine creates an engine in NO_POSITION.
func NewEngine(gw exchange.ExecutionGateway, opts Options) *Engine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.SizeDecimals <= 0 {
		opts.SizeDecimals = exchange.DefaultSizeDecimals
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = exchange.DefaultRetryPolicy()
	}
	return &Engine{gw: gw, opts: opts, now: time.Now, state: StateNoPosition}
}

// State returns the current execution state.
func (e *Engine) State() State { return e.state }

// Position returns a copy of the open position, or nil.
func (e *Engine) Position() *Position {
	if e.pos == nil {
		return nil
	}
	p := *e.pos
	return &p
}

// Trailing returns a copy of the trailing state, or nil when flat.
func (e *Engine) Trailing() *TrailingStop {
	if e.trail == nil {
		return nil
	}
	t := *e.trail
	return &t
}

// Enter opens a position for an approved decision: a market order, then the
// stop-loss, then the optional take-profit. A position that cannot be
// protected is flattened immediately; the resulting trade is returned with
// the error.
func (e *Engine) Enter(ctx context.Context, side exchange.PositionSide, d risk.Decision) (*Position, *Trade, error) {
	const op = "order.Enter"
	if !d.Approved {
		return nil, nil, errs.New(errs.KindRiskDenial, op, "decision not approved: "+d.Reason)
	}
	if e.state != StateNoPosition {
		return nil, nil, fmt.Errorf("%s: position state is %s", op, e.state)
	}
	qty := exchange.FloorQty(d.Quantity, e.opts.SizeDecimals)
	if qty <= 0 {
		return nil, nil, errs.New(errs.KindRiskDenial, op, "quantity rounds to zero")
	}

	e.state = StateEntering
	if ls, ok := e.gw.(exchange.LeverageSetter); ok && d.Leverage > 0 {
		if err := e.call(ctx, func(ctx context.Context) error {
			return ls.SetLeverage(ctx, e.opts.Symbol, d.Leverage)
		}); err != nil {
			log.Printf("[EXEC] %s set leverage %.1fx failed: %v", e.opts.Symbol, d.Leverage, err)
		}
	}

	// market entries are not retried; a lost ack would risk a double fill
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	res, err := e.gw.PlaceMarketOrder(cctx, e.opts.Symbol, side.EntrySide(), qty, false)
	cancel()
	if err == nil && res != nil && res.Status == exchange.StatusRejected {
		err = errs.New(errs.KindOrderRejected, op, "entry order rejected")
	}
	if err != nil {
		e.state = StateNoPosition
		e.emit(Event{Type: EventRejected, Side: string(side.EntrySide()), Qty: qty, Message: err.Error()})
		return nil, nil, err
	}
	if res == nil {
		if res, err = e.confirmFill(ctx, side); err != nil {
			e.state = StateNoPosition
			return nil, nil, errs.Wrap(errs.KindVenue, op, err)
		}
	}

	ref := 0.0
	if d.Quantity > 0 {
		ref = d.Notional / d.Quantity
	}
	fill := res.AvgPrice
	if fill <= 0 {
		fill = ref
	}
	filled := res.FilledQty
	if filled <= 0 {
		filled = qty
	}
	e.pos = &Position{
		Symbol:     e.opts.Symbol,
		Side:       side,
		Size:       filled,
		EntryPrice: fill,
		OpenedAt:   e.now(),
	}
	e.pos.Mark(fill)
	e.exitReason, e.exitPrice = "", 0
	e.emit(Event{Type: EventEntryFilled, OrderID: res.OrderID, Side: string(side.EntrySide()), Qty: filled, Price: fill})
	log.Printf("[EXEC] %s %s entry filled qty=%s @ %s", e.opts.Symbol, side, exchange.FormatQty(filled, e.opts.SizeDecimals), exchange.FormatPrice(fill))

	// keep the approved stop distance when the fill slipped from the reference
	stop, target := d.StopLoss, d.TakeProfit
	if ref > 0 && fill != ref {
		stop = fill - (ref-d.StopLoss)
		if d.TakeProfit > 0 {
			target = fill + (d.TakeProfit - ref)
		}
	}
	stop = exchange.RoundPrice(stop)
	target = exchange.RoundPrice(target)

	stopID, err := e.placeProtective(ctx, exchange.TriggerStopLoss, stop)
	if err != nil {
		log.Printf("[EXEC] %s stop-loss placement failed, flattening: %v", e.opts.Symbol, err)
		e.pos.StopLoss = stop
		e.trail = NewTrailingStop(side, fill, 0, e.opts.Trailing.TrailPct, e.opts.Trailing.ActivationPct)
		e.state = StateOpenStatic
		t, ferr := e.flatten(ctx, ReasonEmergency)
		if ferr != nil {
			log.Printf("[EXEC] %s flatten after failed stop also failed: %v", e.opts.Symbol, ferr)
			e.unprotected = true
			return e.Position(), nil, errs.Wrap(errs.KindOrderRejected, op, err)
		}
		return nil, t, errs.Wrap(errs.KindOrderRejected, op, err)
	}
	e.stopID = stopID
	e.pos.StopLoss = stop
	e.emit(Event{Type: EventStopPlaced, OrderID: stopID, Side: string(side.ExitSide()), Qty: filled, Price: stop})

	if target > 0 {
		targetID, err := e.placeProtective(ctx, exchange.TriggerTakeProfit, target)
		if err != nil {
			log.Printf("[EXEC] %s take-profit placement failed, stop remains: %v", e.opts.Symbol, err)
		} else {
			e.targetID = targetID
			e.pos.TakeProfit = target
			e.emit(Event{Type: EventTargetPlaced, OrderID: targetID, Side: string(side.ExitSide()), Qty: filled, Price: target})
		}
	}

	e.trail = NewTrailingStop(side, fill, stop, e.opts.Trailing.TrailPct, e.opts.Trailing.ActivationPct)
	e.state = StateOpenStatic
	if e.opts.Trailing.Enabled && e.trail.Active {
		e.state = StateOpenTrailing
		e.emit(Event{Type: EventTrailing, Price: fill})
	}
	return e.Position(), nil, nil
}

// OnPrice feeds a price observation. It marks the position, activates
// trailing once the profit threshold is reached and ratchets the stop.
func (e *Engine) OnPrice(ctx context.Context, price float64) error {
	if !e.state.IsOpen() || e.pos == nil || price <= 0 {
		return nil
	}
	e.pos.Mark(price)

	if e.unprotected {
		if err := e.Protect(ctx); err != nil {
			return errs.Wrap(errs.KindVenue, "order.OnPrice", fmt.Errorf("position still unprotected: %w", err))
		}
	}

	if !e.opts.Trailing.Enabled {
		return nil
	}
	if e.trail.Observe(price) && e.state == StateOpenStatic {
		e.state = StateOpenTrailing
		log.Printf("[EXEC] %s trailing activated at %.2f%% profit", e.opts.Symbol, e.trail.ProfitPct(price))
		e.emit(Event{Type: EventTrailing, Price: price})
	}
	if e.state != StateOpenTrailing {
		return nil
	}
	candidate := e.trail.Candidate()
	if !e.trail.Tightens(candidate) {
		return nil
	}
	return e.replaceStop(ctx, candidate)
}

// Protect makes sure the open position has a resting stop. It re-places the
// stop when an earlier replacement or placement left none.
func (e *Engine) Protect(ctx context.Context) error {
	if !e.state.IsOpen() || e.pos == nil {
		return nil
	}
	if !e.unprotected && e.stopID != "" {
		return nil
	}
	id, err := e.placeProtective(ctx, exchange.TriggerStopLoss, e.pos.StopLoss)
	if err != nil {
		return err
	}
	e.stopID = id
	e.unprotected = false
	if e.trail != nil {
		e.trail.Commit(e.pos.StopLoss)
	}
	e.emit(Event{Type: EventStopPlaced, OrderID: id, Side: string(e.pos.Side.ExitSide()), Qty: e.pos.Size, Price: e.pos.StopLoss})
	log.Printf("[EXEC] %s protective stop restored @ %s", e.opts.Symbol, exchange.FormatPrice(e.pos.StopLoss))
	return nil
}

// Adopt takes over a position the venue already holds, e.g. one left open
// by a previous run. Resting orders for the symbol are cancelled and one
// stop (plus the target when set) is placed for the full size. If the stop
// cannot be placed the position is kept and flagged unprotected so the next
// observation retries.
func (e *Engine) Adopt(ctx context.Context, p exchange.PositionInfo, stop, target float64) error {
	const op = "order.Adopt"
	if e.state != StateNoPosition {
		return fmt.Errorf("%s: position state is %s", op, e.state)
	}
	if p.Size == 0 || p.EntryPrice <= 0 {
		return fmt.Errorf("%s: no %s position to adopt", op, e.opts.Symbol)
	}
	if err := e.call(ctx, func(ctx context.Context) error { return e.gw.CancelAll(ctx, e.opts.Symbol) }); err != nil {
		return errs.Wrap(errs.KindVenue, op, fmt.Errorf("cancel resting orders: %w", err))
	}

	side := exchange.PositionLong
	if p.Size < 0 {
		side = exchange.PositionShort
	}
	mark := p.MarkPrice
	if mark <= 0 {
		mark = p.EntryPrice
	}
	e.pos = &Position{
		Symbol:     e.opts.Symbol,
		Side:       side,
		Size:       math.Abs(p.Size),
		EntryPrice: p.EntryPrice,
		StopLoss:   stop,
		OpenedAt:   e.now(),
	}
	e.pos.Mark(mark)
	e.exitReason, e.exitPrice = "", 0
	e.trail = NewTrailingStop(side, p.EntryPrice, stop, e.opts.Trailing.TrailPct, e.opts.Trailing.ActivationPct)
	e.state = StateOpenStatic
	e.emit(Event{Type: EventAdopted, Side: string(side.EntrySide()), Qty: e.pos.Size, Price: p.EntryPrice})
	log.Printf("[EXEC] %s adopted %s position qty=%s @ %s", e.opts.Symbol, side,
		exchange.FormatQty(e.pos.Size, e.opts.SizeDecimals), exchange.FormatPrice(p.EntryPrice))

	id, err := e.placeProtective(ctx, exchange.TriggerStopLoss, stop)
	if err != nil {
		e.stopID = ""
		e.unprotected = true
		e.emit(Event{Type: EventStopFailed, Price: stop, Message: err.Error()})
		return errs.Wrap(errs.KindVenue, op, fmt.Errorf("stop for adopted position: %w", err))
	}
	e.stopID = id
	e.emit(Event{Type: EventStopPlaced, OrderID: id, Side: string(side.ExitSide()), Qty: e.pos.Size, Price: stop})

	if target > 0 {
		if targetID, err := e.placeProtective(ctx, exchange.TriggerTakeProfit, target); err != nil {
			log.Printf("[EXEC] %s take-profit for adopted position failed, stop remains: %v", e.opts.Symbol, err)
		} else {
			e.targetID = targetID
			e.pos.TakeProfit = target
			e.emit(Event{Type: EventTargetPlaced, OrderID: targetID, Side: string(side.ExitSide()), Qty: e.pos.Size, Price: target})
		}
	}

	e.trail.Observe(mark)
	if e.opts.Trailing.Enabled && e.trail.Active {
		e.state = StateOpenTrailing
		e.emit(Event{Type: EventTrailing, Price: mark})
	}
	return nil
}

// replaceStop is cancel-then-place. On a failed place the previous stop is
// re-placed; if that fails too the position is flagged unprotected and the
// next observation retries.
func (e *Engine) replaceStop(ctx context.Context, stop float64) error {
	old := e.trail.CurrentStop
	if e.stopID != "" {
		if err := e.call(ctx, func(ctx context.Context) error {
			return e.gw.CancelOrder(ctx, e.opts.Symbol, e.stopID)
		}); err != nil {
			log.Printf("[EXEC] %s cancel stop %s failed, keeping %.6g: %v", e.opts.Symbol, e.stopID, old, err)
			e.emit(Event{Type: EventStopFailed, OrderID: e.stopID, Price: stop, Message: err.Error()})
			return errs.Wrap(errs.KindVenue, "order.replaceStop", err)
		}
	}

	id, err := e.placeProtective(ctx, exchange.TriggerStopLoss, stop)
	if err == nil {
		e.trail.Commit(stop)
		e.stopID = id
		e.pos.StopLoss = stop
		e.emit(Event{Type: EventStopMoved, OrderID: id, Price: stop})
		log.Printf("[EXEC] %s stop moved %s -> %s", e.opts.Symbol, exchange.FormatPrice(old), exchange.FormatPrice(stop))
		return nil
	}

	log.Printf("[EXEC] %s place trailing stop %.6g failed, restoring %.6g: %v", e.opts.Symbol, stop, old, err)
	e.emit(Event{Type: EventStopFailed, Price: stop, Message: err.Error()})
	id, rerr := e.placeProtective(ctx, exchange.TriggerStopLoss, old)
	if rerr != nil {
		e.stopID = ""
		e.unprotected = true
		log.Printf("[EXEC] %s restoring stop failed, position unprotected until next cycle: %v", e.opts.Symbol, rerr)
		return errs.Wrap(errs.KindVenue, "order.replaceStop", rerr)
	}
	e.stopID = id
	return errs.Wrap(errs.KindVenue, "order.replaceStop", err)
}

// OnVenueEvent applies a pushed update. It returns the finished trade when
// the update closes the position.
func (e *Engine) OnVenueEvent(ctx context.Context, ev exchange.VenueEvent) *Trade {
	if e.pos == nil || (ev.Symbol != "" && ev.Symbol != e.opts.Symbol) {
		return nil
	}
	switch ev.Type {
	case exchange.VenueOrderUpdate:
		if ev.Status != exchange.StatusFilled || ev.OrderID == "" {
			return nil
		}
		switch ev.OrderID {
		case e.stopID:
			e.exitReason = ReasonStopLoss
		case e.targetID:
			e.exitReason = ReasonTakeProfit
		default:
			return nil
		}
		if ev.AvgPrice > 0 {
			e.exitPrice = ev.AvgPrice
		}
		if ev.FilledQty > 0 && ev.FilledQty+1e-12 < e.pos.Size {
			return nil
		}
		return e.closed(ctx)
	case exchange.VenuePositionUpdate:
		if math.Abs(ev.Size) > 0 {
			return nil
		}
		if e.exitReason == "" {
			e.exitReason = ReasonVenue
		}
		if e.exitPrice == 0 && ev.AvgPrice > 0 {
			e.exitPrice = ev.AvgPrice
		}
		return e.closed(ctx)
	}
	return nil
}

// Sync compares the engine with the venue position list and finalizes a
// position the venue no longer reports, covering missed push updates.
func (e *Engine) Sync(ctx context.Context) (*Trade, error) {
	if !e.state.IsOpen() {
		return nil, nil
	}
	var positions []exchange.PositionInfo
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		positions, err = e.gw.GetPositions(ctx)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindVenue, "order.Sync", err)
	}
	for _, p := range positions {
		if p.Symbol == e.opts.Symbol && p.Size != 0 {
			if p.MarkPrice > 0 {
				e.pos.Mark(p.MarkPrice)
			}
			return nil, nil
		}
	}
	if e.exitReason == "" {
		e.exitReason = ReasonVenue
	}
	return e.closed(ctx), nil
}

// Exit closes the position with a reduce-only market order and cancels the
// resting protective orders afterwards, so a failed flatten stays protected.
func (e *Engine) Exit(ctx context.Context, reason string) (*Trade, error) {
	if !e.state.IsOpen() {
		return nil, nil
	}
	return e.flatten(ctx, reason)
}

// EmergencyStop cancels every resting order for the symbol and flattens.
func (e *Engine) EmergencyStop(ctx context.Context) (*Trade, error) {
	if e.pos == nil {
		if err := e.call(ctx, func(ctx context.Context) error { return e.gw.CancelAll(ctx, e.opts.Symbol) }); err != nil {
			return nil, errs.Wrap(errs.KindVenue, "order.EmergencyStop", err)
		}
		return nil, nil
	}
	return e.flatten(ctx, ReasonEmergency)
}

func (e *Engine) flatten(ctx context.Context, reason string) (*Trade, error) {
	prev := e.state
	e.state = StateClosing
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	res, err := e.gw.PlaceMarketOrder(cctx, e.opts.Symbol, e.pos.Side.ExitSide(), e.pos.Size, true)
	cancel()
	if err == nil && res != nil && res.Status == exchange.StatusRejected {
		err = errs.New(errs.KindOrderRejected, "order.flatten", "close order rejected")
	}
	if err != nil {
		e.state = prev
		e.emit(Event{Type: EventRejected, Side: string(e.pos.Side.ExitSide()), Qty: e.pos.Size, Message: err.Error()})
		return nil, err
	}
	e.exitReason = reason
	if res != nil && res.AvgPrice > 0 {
		e.exitPrice = res.AvgPrice
	}
	return e.closed(ctx), nil
}

// closed cancels leftovers, builds the trade and resets to NO_POSITION.
func (e *Engine) closed(ctx context.Context) *Trade {
	e.state = StateClosing
	if err := e.call(ctx, func(ctx context.Context) error { return e.gw.CancelAll(ctx, e.opts.Symbol) }); err != nil {
		log.Printf("[EXEC] %s cancel leftover orders failed: %v", e.opts.Symbol, err)
	}

	exit := e.exitPrice
	if exit <= 0 {
		exit = e.pos.MarkPrice
	}
	t := BuildTrade(*e.pos, exit, e.opts.FeeRate, e.exitReason, e.now())
	e.emit(Event{Type: EventClosed, Side: string(e.pos.Side.ExitSide()), Qty: t.Qty, Price: exit, Message: t.Reason})
	log.Printf("[EXEC] %s %s closed (%s) entry=%s exit=%s pnl=%.4f",
		e.opts.Symbol, t.Side, t.Reason, exchange.FormatPrice(t.EntryPrice), exchange.FormatPrice(exit), t.PnL)

	e.pos, e.trail = nil, nil
	e.stopID, e.targetID = "", ""
	e.exitReason, e.exitPrice = "", 0
	e.unprotected = false
	e.state = StateNoPosition
	return &t
}

// BuildTrade finalizes a round trip. Fees are charged on both legs.
func BuildTrade(p Position, exit, feeRate float64, reason string, closedAt time.Time) Trade {
	fee := (p.EntryPrice + exit) * p.Size * feeRate
	return Trade{
		ID:         uuid.NewString(),
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Size,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		Fee:        fee,
		PnL:        CalculatePnL(p.Side, p.Size, p.EntryPrice, exit, fee),
		Reason:     reason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   closedAt,
	}
}

// CalculatePnL computes realized P&L net of fee.
func CalculatePnL(side exchange.PositionSide, qty, entry, exit, fee float64) float64 {
	q := math.Abs(qty)
	if q == 0 {
		return 0
	}
	return (exit-entry)*q*side.Sign() - fee
}

// confirmFill resolves an entry acknowledged without a result by reading the
// venue position list.
func (e *Engine) confirmFill(ctx context.Context, side exchange.PositionSide) (*exchange.OrderResult, error) {
	var positions []exchange.PositionInfo
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		positions, err = e.gw.GetPositions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("entry ack missing, position check failed: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == e.opts.Symbol && p.Size*side.Sign() > 0 {
			return &exchange.OrderResult{Status: exchange.StatusFilled, FilledQty: math.Abs(p.Size), AvgPrice: p.EntryPrice}, nil
		}
	}
	return nil, fmt.Errorf("entry ack missing and no %s %s position at the venue", e.opts.Symbol, side)
}

func (e *Engine) placeProtective(ctx context.Context, kind exchange.TriggerKind, price float64) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("invalid %s trigger price %.6g", kind, price)
	}
	req := exchange.StopOrderRequest{
		Symbol:       e.opts.Symbol,
		Side:         e.pos.Side.ExitSide(),
		Qty:          e.pos.Size,
		TriggerPrice: price,
		Kind:         kind,
		ClientID:     uuid.NewString(),
	}
	var res *exchange.OrderResult
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.gw.PlaceStopOrder(ctx, req)
		if err == nil && res != nil && res.Status == exchange.StatusRejected {
			err = errs.New(errs.KindOrderRejected, "order.placeProtective", string(kind)+" rejected")
		}
		if errs.Is(err, errs.KindOrderRejected) {
			return exchange.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return req.ClientID, nil
	}
	return res.OrderID, nil
}

// call runs fn under the per-call timeout with the retry budget.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return exchange.Retry(ctx, e.opts.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
		return fn(cctx)
	})
}

func (e *Engine) emit(ev Event) {
	if e.opts.OnEvent == nil {
		return
	}
	if ev.Symbol == "" {
		ev.Symbol = e.opts.Symbol
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.opts.OnEvent(ev)
}
