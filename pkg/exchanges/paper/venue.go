// Package paper is an in-memory perpetual-futures venue. It serves candles
// fed to it, fills market orders at the last price and triggers resting
// protective orders when price crosses them. It does not model a book.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	exchange "bot-core/pkg/exchanges/common"
)

var (
	ErrNoPrice       = errors.New("paper: no price for symbol")
	ErrOrderNotFound = errors.New("paper: order not found")
)

// Options configures a Venue.
type Options struct {
	Equity      float64
	FeeRate     float64 // decimal, e.g. 0.0006
	SlippageBps float64
	MaxHistory  int
	FundingRate float64
}

type position struct {
	size  float64 // signed
	entry float64
}

type restingOrder struct {
	id      string
	req     exchange.StopOrderRequest
	created time.Time
}

type candleSub struct {
	symbol, timeframe string
	ch                chan exchange.CandleUpdate
}

// Venue implements the market-data and execution gateways in memory.
type Venue struct {
	mu   sync.Mutex
	opts Options
	now  func() time.Time

	balance   float64
	history   map[string][]exchange.Candle // symbol|timeframe
	last      map[string]float64
	positions map[string]*position
	leverage  map[string]float64
	orders    map[string]restingOrder
	funding   map[string]float64

	candleSubs map[int]candleSub
	venueSubs  map[int]chan exchange.VenueEvent
	venueSym   map[int]string
	nextSub    int
}

// NewVenue creates a venue with opts.Equity of quote balance.
func NewVenue(opts Options) *Venue {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 1000
	}
	if opts.FundingRate == 0 {
		opts.FundingRate = 0.0001
	}
	return &Venue{
		opts:       opts,
		now:        time.Now,
		balance:    opts.Equity,
		history:    make(map[string][]exchange.Candle),
		last:       make(map[string]float64),
		positions:  make(map[string]*position),
		leverage:   make(map[string]float64),
		orders:     make(map[string]restingOrder),
		funding:    make(map[string]float64),
		candleSubs: make(map[int]candleSub),
		venueSubs:  make(map[int]chan exchange.VenueEvent),
		venueSym:   make(map[int]string),
	}
}

func key(symbol, timeframe string) string { return symbol + "|" + timeframe }

// LoadHistory replaces the candle history of a series.
func (v *Venue) LoadHistory(symbol, timeframe string, candles []exchange.Candle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]exchange.Candle, len(candles))
	copy(cp, candles)
	v.history[key(symbol, timeframe)] = cp
	if n := len(cp); n > 0 {
		v.last[symbol] = cp[n-1].Close
	}
}

// PushCandle appends (or updates, when the open time matches the last bar)
// a candle, triggers protective orders inside its range and notifies
// subscribers.
func (v *Venue) PushCandle(symbol, timeframe string, c exchange.Candle, closed bool) {
	v.mu.Lock()
	k := key(symbol, timeframe)
	hist := v.history[k]
	if n := len(hist); n > 0 && hist[n-1].OpenTime.Equal(c.OpenTime) {
		hist[n-1] = c
	} else {
		hist = append(hist, c)
		if len(hist) > v.opts.MaxHistory {
			hist = hist[len(hist)-v.opts.MaxHistory:]
		}
	}
	v.history[k] = hist
	v.last[symbol] = c.Close
	low, high := c.Low, c.High
	if low == 0 || high == 0 {
		low, high = c.Close, c.Close
	}
	v.deliverLocked(v.triggerLocked(symbol, low, high))
	upd := exchange.CandleUpdate{Symbol: symbol, Timeframe: timeframe, Candle: c, IsClosed: closed}
	for _, sub := range v.candleSubs {
		if sub.symbol == symbol && sub.timeframe == timeframe {
			select {
			case sub.ch <- upd:
			default:
			}
		}
	}
	v.mu.Unlock()
}

// SetPrice moves the last price without a candle and triggers protective orders.
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	v.last[symbol] = price
	v.deliverLocked(v.triggerLocked(symbol, price, price))
	v.mu.Unlock()
}

// SetFundingRate overrides the funding rate of a symbol.
func (v *Venue) SetFundingRate(symbol string, rate float64) {
	v.mu.Lock()
	v.funding[symbol] = rate
	v.mu.Unlock()
}

// Subscribe streams candle updates pushed for the series.
func (v *Venue) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan exchange.CandleUpdate, func(), error) {
	ch := make(chan exchange.CandleUpdate, 64)
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.candleSubs[id] = candleSub{symbol: symbol, timeframe: timeframe, ch: ch}
	v.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.candleSubs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}

// GetHistory returns candles with OpenTime in [from, to]; zero bounds are open.
func (v *Venue) GetHistory(_ context.Context, symbol, timeframe string, from, to time.Time) ([]exchange.Candle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	hist, ok := v.history[key(symbol, timeframe)]
	if !ok {
		return nil, fmt.Errorf("paper: no history for %s %s", symbol, timeframe)
	}
	out := make([]exchange.Candle, 0, len(hist))
	for _, c := range hist {
		if !from.IsZero() && c.OpenTime.Before(from) {
			continue
		}
		if !to.IsZero() && c.OpenTime.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetOrderBook returns a synthetic, symmetric book around the last price.
func (v *Venue) GetOrderBook(_ context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	v.mu.Lock()
	px, ok := v.last[symbol]
	v.mu.Unlock()
	if !ok {
		return nil, ErrNoPrice
	}
	if depth <= 0 {
		depth = 5
	}
	book := &exchange.OrderBook{Symbol: symbol, Time: v.now()}
	tick := px * 0.0001
	for i := 1; i <= depth; i++ {
		book.Bids = append(book.Bids, exchange.BookLevel{Price: px - float64(i)*tick, Qty: 1})
		book.Asks = append(book.Asks, exchange.BookLevel{Price: px + float64(i)*tick, Qty: 1})
	}
	return book, nil
}

// GetFundingRate returns the configured funding rate.
func (v *Venue) GetFundingRate(_ context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.funding[symbol]; ok {
		return r, nil
	}
	return v.opts.FundingRate, nil
}

// GetAccountInfo returns balance plus unrealized P&L.
func (v *Venue) GetAccountInfo(_ context.Context) (*exchange.AccountInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	equity := v.balance
	margin := 0.0
	for sym, p := range v.positions {
		px := v.last[sym]
		equity += (px - p.entry) * p.size
		lev := v.leverage[sym]
		if lev <= 0 {
			lev = 1
		}
		margin += math.Abs(p.size) * p.entry / lev
	}
	return &exchange.AccountInfo{Equity: equity, Available: equity - margin, MarginUsed: margin}, nil
}

// GetPositions lists open positions ordered by symbol.
func (v *Venue) GetPositions(_ context.Context) ([]exchange.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]exchange.PositionInfo, 0, len(v.positions))
	for sym, p := range v.positions {
		px := v.last[sym]
		out = append(out, exchange.PositionInfo{
			Symbol: sym, Size: p.size, EntryPrice: p.entry, MarkPrice: px,
			UnrealizedPnL: (px - p.entry) * p.size, Leverage: v.leverage[sym],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SetLeverage records leverage for margin accounting.
func (v *Venue) SetLeverage(_ context.Context, symbol string, leverage float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[symbol] = leverage
	return nil
}

// PlaceMarketOrder fills immediately at the last price plus slippage.
func (v *Venue) PlaceMarketOrder(_ context.Context, symbol string, side exchange.Side, qty float64, reduceOnly bool) (*exchange.OrderResult, error) {
	v.mu.Lock()
	px, ok := v.last[symbol]
	if !ok {
		v.mu.Unlock()
		return nil, ErrNoPrice
	}
	if qty <= 0 {
		v.mu.Unlock()
		return &exchange.OrderResult{Status: exchange.StatusRejected}, nil
	}
	signed := qty
	if side == exchange.SideSell {
		signed = -qty
	}
	cur := v.sizeLocked(symbol)
	if reduceOnly {
		if cur == 0 || (cur > 0) == (signed > 0) {
			v.mu.Unlock()
			return &exchange.OrderResult{Status: exchange.StatusRejected}, nil
		}
		if math.Abs(signed) > math.Abs(cur) {
			signed = -cur
		}
	}
	slip := v.opts.SlippageBps / 10000
	if side == exchange.SideBuy {
		px *= 1 + slip
	} else {
		px *= 1 - slip
	}
	id := uuid.NewString()
	v.deliverLocked(v.applyFillLocked(symbol, signed, px))
	v.mu.Unlock()

	log.Printf("[PAPER] %s %s qty=%.4f price=%s", side, symbol, math.Abs(signed), exchange.FormatPrice(px))
	return &exchange.OrderResult{OrderID: id, Status: exchange.StatusFilled, FilledQty: math.Abs(signed), AvgPrice: px}, nil
}

// PlaceStopOrder rests a reduce-only trigger order.
func (v *Venue) PlaceStopOrder(_ context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	if req.Qty <= 0 || req.TriggerPrice <= 0 {
		return &exchange.OrderResult{Status: exchange.StatusRejected}, nil
	}
	id := uuid.NewString()
	v.mu.Lock()
	v.orders[id] = restingOrder{id: id, req: req, created: v.now()}
	v.mu.Unlock()
	return &exchange.OrderResult{OrderID: id, ClientID: req.ClientID, Status: exchange.StatusUntriggered}, nil
}

// CancelOrder removes one resting order.
func (v *Venue) CancelOrder(_ context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || o.req.Symbol != symbol {
		return ErrOrderNotFound
	}
	delete(v.orders, orderID)
	return nil
}

// CancelAll removes every resting order of symbol.
func (v *Venue) CancelAll(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, o := range v.orders {
		if o.req.Symbol == symbol {
			delete(v.orders, id)
		}
	}
	return nil
}

// SubscribeUpdates streams order and position pushes for symbol.
func (v *Venue) SubscribeUpdates(symbol string) (<-chan exchange.VenueEvent, func()) {
	ch := make(chan exchange.VenueEvent, 64)
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.venueSubs[id] = ch
	v.venueSym[id] = symbol
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.venueSubs, id)
			delete(v.venueSym, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}

// RestingOrders returns a copy of the resting orders of symbol ordered by creation.
func (v *Venue) RestingOrders(symbol string) []exchange.StopOrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := make([]restingOrder, 0, len(v.orders))
	for _, o := range v.orders {
		if o.req.Symbol == symbol {
			list = append(list, o)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].created.Before(list[j].created) })
	out := make([]exchange.StopOrderRequest, len(list))
	for i, o := range list {
		out[i] = o.req
	}
	return out
}

// Balance returns the realized quote balance.
func (v *Venue) Balance() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

func (v *Venue) sizeLocked(symbol string) float64 {
	if p, ok := v.positions[symbol]; ok {
		return p.size
	}
	return 0
}

// applyFillLocked books a signed fill, realizing P&L on the reducing part.
func (v *Venue) applyFillLocked(symbol string, signed, px float64) []exchange.VenueEvent {
	p, ok := v.positions[symbol]
	if !ok {
		p = &position{}
		v.positions[symbol] = p
	}
	v.balance -= math.Abs(signed) * px * v.opts.FeeRate

	switch {
	case p.size == 0 || (p.size > 0) == (signed > 0):
		total := p.size + signed
		p.entry = (p.entry*math.Abs(p.size) + px*math.Abs(signed)) / math.Abs(total)
		p.size = total
	default:
		closing := math.Min(math.Abs(signed), math.Abs(p.size))
		dir := 1.0
		if p.size < 0 {
			dir = -1
		}
		v.balance += (px - p.entry) * closing * dir
		rest := p.size + signed
		if math.Abs(rest) < 1e-12 {
			rest = 0
		}
		if rest != 0 && (rest > 0) != (p.size > 0) {
			p.entry = px
		}
		p.size = rest
	}

	evs := []exchange.VenueEvent{{
		Type: exchange.VenuePositionUpdate, Symbol: symbol, Size: p.size, AvgPrice: px, Time: v.now(),
	}}
	if p.size == 0 {
		delete(v.positions, symbol)
		for id, o := range v.orders {
			if o.req.Symbol == symbol {
				delete(v.orders, id)
			}
		}
	}
	return evs
}

// triggerLocked fills resting orders whose trigger lies within [low, high]
// at their trigger price.
func (v *Venue) triggerLocked(symbol string, low, high float64) []exchange.VenueEvent {
	var due []restingOrder
	for _, o := range v.orders {
		if o.req.Symbol != symbol {
			continue
		}
		if triggered(o.req, low, high) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].created.Before(due[j].created) })

	var evs []exchange.VenueEvent
	for _, o := range due {
		if _, still := v.orders[o.id]; !still {
			continue
		}
		delete(v.orders, o.id)
		cur := v.sizeLocked(symbol)
		signed := o.req.Qty
		if o.req.Side == exchange.SideSell {
			signed = -signed
		}
		if cur == 0 || (cur > 0) == (signed > 0) {
			continue
		}
		if math.Abs(signed) > math.Abs(cur) {
			signed = -cur
		}
		evs = append(evs, exchange.VenueEvent{
			Type: exchange.VenueOrderUpdate, Symbol: symbol, OrderID: o.id, Status: exchange.StatusFilled,
			Kind: o.req.Kind, FilledQty: math.Abs(signed), AvgPrice: o.req.TriggerPrice, Time: v.now(),
		})
		evs = append(evs, v.applyFillLocked(symbol, signed, o.req.TriggerPrice)...)
		log.Printf("[PAPER] %s %s triggered at %s", symbol, o.req.Kind, exchange.FormatPrice(o.req.TriggerPrice))
	}
	return evs
}

func triggered(req exchange.StopOrderRequest, low, high float64) bool {
	sellSide := req.Side == exchange.SideSell
	stop := req.Kind == exchange.TriggerStopLoss
	switch {
	case stop && sellSide, !stop && !sellSide:
		return low <= req.TriggerPrice
	default:
		return high >= req.TriggerPrice
	}
}

// deliverLocked pushes updates without blocking; a full subscriber loses the
// update and relies on GetPositions to catch up.
func (v *Venue) deliverLocked(evs []exchange.VenueEvent) {
	for _, ev := range evs {
		for id, ch := range v.venueSubs {
			if !strings.EqualFold(v.venueSym[id], ev.Symbol) {
				continue
			}
			select {
			case ch <- ev:
			default:
				log.Printf("[PAPER] update dropped for %s: subscriber full", ev.Symbol)
			}
		}
	}
}
