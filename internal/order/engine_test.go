package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-core/internal/errs"
	"bot-core/internal/risk"
	exchange "bot-core/pkg/exchanges/common"
)

type marketCall struct {
	side       exchange.Side
	qty        float64
	reduceOnly bool
}

type fakeGateway struct {
	mu           sync.Mutex
	fill         float64
	seq          int
	resting      map[string]exchange.StopOrderRequest
	placedStops  []exchange.StopOrderRequest
	market       []marketCall
	cancelAlls   int
	failStops    int
	failCancel   bool
	rejectMarket bool
	nilAck       bool
	positions    []exchange.PositionInfo
}

func newFakeGateway(fill float64) *fakeGateway {
	return &fakeGateway{fill: fill, resting: map[string]exchange.StopOrderRequest{}}
}

func (g *fakeGateway) GetAccountInfo(context.Context) (*exchange.AccountInfo, error) {
	return &exchange.AccountInfo{Equity: 1000, Available: 1000}, nil
}

func (g *fakeGateway) GetPositions(context.Context) ([]exchange.PositionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions, nil
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, _ string, side exchange.Side, qty float64, reduceOnly bool) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejectMarket {
		return &exchange.OrderResult{Status: exchange.StatusRejected}, nil
	}
	g.seq++
	g.market = append(g.market, marketCall{side: side, qty: qty, reduceOnly: reduceOnly})
	if g.nilAck {
		return nil, nil
	}
	return &exchange.OrderResult{OrderID: fmt.Sprintf("mkt-%d", g.seq), Status: exchange.StatusFilled, FilledQty: qty, AvgPrice: g.fill}, nil
}

func (g *fakeGateway) PlaceStopOrder(_ context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failStops > 0 {
		g.failStops--
		return nil, errors.New("gateway timeout")
	}
	g.seq++
	id := fmt.Sprintf("ord-%d", g.seq)
	g.resting[id] = req
	g.placedStops = append(g.placedStops, req)
	return &exchange.OrderResult{OrderID: id, Status: exchange.StatusUntriggered}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCancel {
		return errors.New("cancel failed")
	}
	delete(g.resting, orderID)
	return nil
}

func (g *fakeGateway) CancelAll(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAlls++
	g.resting = map[string]exchange.StopOrderRequest{}
	return nil
}

func (g *fakeGateway) SubscribeUpdates(string) (<-chan exchange.VenueEvent, func()) {
	return nil, func() {}
}

// restingStops returns the id and request of every resting stop-loss.
func (g *fakeGateway) restingStops() map[string]exchange.StopOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]exchange.StopOrderRequest{}
	for id, r := range g.resting {
		if r.Kind == exchange.TriggerStopLoss {
			out[id] = r
		}
	}
	return out
}

func onlyStop(t *testing.T, g *fakeGateway) (string, exchange.StopOrderRequest) {
	t.Helper()
	stops := g.restingStops()
	require.Len(t, stops, 1, "exactly one protective stop must rest")
	for id, r := range stops {
		return id, r
	}
	return "", exchange.StopOrderRequest{}
}

func newTestEngine(g *fakeGateway, trailing risk.TrailingConfig) *Engine {
	return NewEngine(g, Options{
		Symbol:       "BTCUSDT",
		Trailing:     trailing,
		FeeRate:      0.001,
		SizeDecimals: 3,
		Retry:        exchange.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond},
		CallTimeout:  time.Second,
	})
}

func longDecision() risk.Decision {
	return risk.Decision{Approved: true, Quantity: 1, Notional: 100, Leverage: 2, StopLoss: 98, TakeProfit: 104}
}

func TestEnter_PlacesEntryStopAndTarget(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})

	pos, closed, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	assert.Nil(t, closed)
	require.NotNil(t, pos)
	assert.Equal(t, StateOpenStatic, e.State())
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 98.0, pos.StopLoss)
	assert.Equal(t, 104.0, pos.TakeProfit)

	require.Len(t, g.market, 1)
	assert.Equal(t, exchange.SideBuy, g.market[0].side)
	assert.False(t, g.market[0].reduceOnly)
	require.Len(t, g.placedStops, 2)
	assert.Equal(t, exchange.TriggerStopLoss, g.placedStops[0].Kind)
	assert.Equal(t, exchange.SideSell, g.placedStops[0].Side)
	assert.Equal(t, exchange.TriggerTakeProfit, g.placedStops[1].Kind)
}

func TestEnter_RequiresApproval(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})

	_, _, err := e.Enter(context.Background(), exchange.PositionLong, risk.Decision{Reason: "cooldown"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRiskDenial))
	assert.Empty(t, g.market, "no order may bypass the gate")
	assert.Equal(t, StateNoPosition, e.State())
}

func TestEnter_RejectedEntryStaysFlat(t *testing.T) {
	g := newFakeGateway(100)
	g.rejectMarket = true
	e := newTestEngine(g, risk.TrailingConfig{})

	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOrderRejected))
	assert.Equal(t, StateNoPosition, e.State())
	assert.Empty(t, g.placedStops)
}

func TestEnter_UnprotectableEntryIsFlattened(t *testing.T) {
	g := newFakeGateway(100)
	g.failStops = 1
	e := newTestEngine(g, risk.TrailingConfig{})

	pos, tr, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOrderRejected))
	assert.Nil(t, pos)
	require.NotNil(t, tr)
	assert.Equal(t, ReasonEmergency, tr.Reason)
	require.Len(t, g.market, 2)
	assert.True(t, g.market[1].reduceOnly)
	assert.Equal(t, exchange.SideSell, g.market[1].side)
	assert.Equal(t, StateNoPosition, e.State())
}

func TestEnter_MissingAckIsResolvedFromPositions(t *testing.T) {
	g := newFakeGateway(100)
	g.nilAck = true
	g.positions = []exchange.PositionInfo{{Symbol: "BTCUSDT", Size: 1, EntryPrice: 100.5}}
	e := newTestEngine(g, risk.TrailingConfig{})

	pos, trade, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Equal(t, 1.0, pos.Size)
	assert.Equal(t, 100.5, pos.EntryPrice)
	_, req := onlyStop(t, g)
	assert.InDelta(t, 98.5, req.TriggerPrice, 1e-9)
}

func TestEnter_MissingAckWithoutPositionStaysFlat(t *testing.T) {
	g := newFakeGateway(100)
	g.nilAck = true
	e := newTestEngine(g, risk.TrailingConfig{})

	pos, trade, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindVenue))
	assert.Nil(t, pos)
	assert.Nil(t, trade)
	assert.Equal(t, StateNoPosition, e.State())
	assert.Empty(t, g.restingStops())
}

func TestAdopt_ReplacesRestingOrdersWithFullSizeProtection(t *testing.T) {
	ctx := context.Background()
	g := newFakeGateway(100)
	g.resting["orphan"] = exchange.StopOrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Qty: 0.5, TriggerPrice: 110, Kind: exchange.TriggerStopLoss}
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1})

	held := exchange.PositionInfo{Symbol: "BTCUSDT", Size: -2, EntryPrice: 100, MarkPrice: 99}
	require.NoError(t, e.Adopt(ctx, held, 102, 96))
	assert.Equal(t, StateOpenTrailing, e.State())
	assert.Equal(t, 1, g.cancelAlls)

	pos := e.Position()
	require.NotNil(t, pos)
	assert.Equal(t, exchange.PositionShort, pos.Side)
	assert.Equal(t, 2.0, pos.Size)
	assert.Equal(t, 96.0, pos.TakeProfit)

	_, stop := onlyStop(t, g)
	assert.Equal(t, 2.0, stop.Qty)
	assert.Equal(t, 102.0, stop.TriggerPrice)
	assert.Equal(t, exchange.SideBuy, stop.Side)
	assert.Len(t, g.resting, 2)

	require.Error(t, e.Adopt(ctx, held, 102, 96), "a held position is never adopted twice")

	require.NoError(t, e.OnPrice(ctx, 98))
	_, stop = onlyStop(t, g)
	assert.Equal(t, 98.98, stop.TriggerPrice)
}

func TestAdopt_FailedStopIsRetriedByProtect(t *testing.T) {
	ctx := context.Background()
	g := newFakeGateway(100)
	g.failStops = 1
	e := newTestEngine(g, risk.TrailingConfig{})

	err := e.Adopt(ctx, exchange.PositionInfo{Symbol: "BTCUSDT", Size: 1, EntryPrice: 100}, 98, 0)
	require.Error(t, err)
	assert.True(t, e.State().IsOpen(), "the position is kept and flagged")
	assert.Empty(t, g.restingStops())

	require.NoError(t, e.Protect(ctx))
	_, stop := onlyStop(t, g)
	assert.Equal(t, 98.0, stop.TriggerPrice)
	require.NoError(t, e.Protect(ctx))
	onlyStop(t, g)
}

func TestEnter_SlippedFillKeepsStopDistance(t *testing.T) {
	g := newFakeGateway(101)
	e := newTestEngine(g, risk.TrailingConfig{})

	pos, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	assert.InDelta(t, 99.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 105.0, pos.TakeProfit, 1e-9)
}

func TestTrailingStop_LongRatchetIsMonotonic(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	require.Equal(t, StateOpenTrailing, e.State())

	rng := rand.New(rand.NewPCG(7, 11))
	price := 100.0
	prev := e.Trailing().CurrentStop
	for i := 0; i < 500; i++ {
		price *= 1 + (rng.Float64()-0.48)*0.01
		require.NoError(t, e.OnPrice(context.Background(), price))
		cur := e.Trailing().CurrentStop
		require.GreaterOrEqual(t, cur, prev, "tick %d: stop loosened", i)
		prev = cur

		_, req := onlyStop(t, g)
		require.Equal(t, cur, req.TriggerPrice)
	}
	assert.Greater(t, prev, 98.0)
}

func TestTrailingStop_ShortRatchetIsMonotonic(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1.5})
	d := risk.Decision{Approved: true, Quantity: 2, Notional: 200, StopLoss: 102}
	_, _, err := e.Enter(context.Background(), exchange.PositionShort, d)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 5))
	price := 100.0
	prev := e.Trailing().CurrentStop
	for i := 0; i < 500; i++ {
		price *= 1 + (rng.Float64()-0.52)*0.01
		require.NoError(t, e.OnPrice(context.Background(), price))
		cur := e.Trailing().CurrentStop
		require.LessOrEqual(t, cur, prev, "tick %d: stop loosened", i)
		prev = cur
	}
	_, req := onlyStop(t, g)
	assert.Equal(t, exchange.SideBuy, req.Side)
	assert.Less(t, prev, 102.0)
}

func TestTrailingStop_ActivationThreshold(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1, ActivationPct: 2})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	assert.Equal(t, StateOpenStatic, e.State())

	require.NoError(t, e.OnPrice(context.Background(), 101))
	assert.Equal(t, StateOpenStatic, e.State())
	assert.Equal(t, 98.0, e.Trailing().CurrentStop)

	require.NoError(t, e.OnPrice(context.Background(), 103))
	assert.Equal(t, StateOpenTrailing, e.State())
	assert.Equal(t, 101.97, e.Trailing().CurrentStop)
}

func TestReplaceStop_FailureRestoresPreviousStop(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)

	g.failStops = 1
	err = e.OnPrice(context.Background(), 102)
	require.Error(t, err)
	assert.Equal(t, 98.0, e.Trailing().CurrentStop)
	_, req := onlyStop(t, g)
	assert.Equal(t, 98.0, req.TriggerPrice)

	// retried on the next observation
	require.NoError(t, e.OnPrice(context.Background(), 102))
	assert.Equal(t, 100.98, e.Trailing().CurrentStop)
	_, req = onlyStop(t, g)
	assert.Equal(t, 100.98, req.TriggerPrice)
}

func TestReplaceStop_UnprotectedIsRepairedFirst(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)

	g.failStops = 2
	require.Error(t, e.OnPrice(context.Background(), 102))
	assert.Empty(t, g.restingStops())
	assert.Equal(t, 98.0, e.Trailing().CurrentStop)

	require.NoError(t, e.OnPrice(context.Background(), 101.5))
	assert.Equal(t, 100.98, e.Trailing().CurrentStop)
	onlyStop(t, g)
}

func TestReplaceStop_CancelFailureKeepsOldStop(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{Enabled: true, TrailPct: 1})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)

	g.failCancel = true
	require.Error(t, e.OnPrice(context.Background(), 105))
	_, req := onlyStop(t, g)
	assert.Equal(t, 98.0, req.TriggerPrice)
}

func TestVenueStopFillClosesPosition(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)
	stopID, _ := onlyStop(t, g)

	assert.Nil(t, e.OnVenueEvent(context.Background(), exchange.VenueEvent{
		Type: exchange.VenueOrderUpdate, OrderID: "unrelated", Status: exchange.StatusFilled,
	}))

	tr := e.OnVenueEvent(context.Background(), exchange.VenueEvent{
		Type: exchange.VenueOrderUpdate, Symbol: "BTCUSDT", OrderID: stopID,
		Status: exchange.StatusFilled, FilledQty: 1, AvgPrice: 98,
	})
	require.NotNil(t, tr)
	assert.Equal(t, ReasonStopLoss, tr.Reason)
	assert.InDelta(t, 0.198, tr.Fee, 1e-9)
	assert.InDelta(t, -2.198, tr.PnL, 1e-9)
	assert.Equal(t, StateNoPosition, e.State())
	assert.Nil(t, e.Trailing())
	assert.Equal(t, 1, g.cancelAlls, "leftover target is cancelled")

	// the trailing position update is ignored once flat
	assert.Nil(t, e.OnVenueEvent(context.Background(), exchange.VenueEvent{Type: exchange.VenuePositionUpdate, Size: 0}))
}

func TestPositionUpdateToZeroClosesPosition(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)

	assert.Nil(t, e.OnVenueEvent(context.Background(), exchange.VenueEvent{Type: exchange.VenuePositionUpdate, Size: 1}))
	tr := e.OnVenueEvent(context.Background(), exchange.VenueEvent{Type: exchange.VenuePositionUpdate, Size: 0, AvgPrice: 104})
	require.NotNil(t, tr)
	assert.Equal(t, ReasonVenue, tr.Reason)
	assert.Equal(t, 104.0, tr.ExitPrice)
}

func TestExitFlattensReduceOnly(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})
	d := risk.Decision{Approved: true, Quantity: 2, Notional: 200, StopLoss: 102, TakeProfit: 96}
	_, _, err := e.Enter(context.Background(), exchange.PositionShort, d)
	require.NoError(t, err)

	g.fill = 97
	tr, err := e.Exit(context.Background(), ReasonExitRule)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, ReasonExitRule, tr.Reason)
	assert.InDelta(t, 6-0.394, tr.PnL, 1e-9)
	last := g.market[len(g.market)-1]
	assert.Equal(t, exchange.SideBuy, last.side)
	assert.True(t, last.reduceOnly)
	assert.Empty(t, g.resting)

	tr, err = e.Exit(context.Background(), ReasonExitRule)
	assert.NoError(t, err)
	assert.Nil(t, tr, "exit while flat is a no-op")
}

func TestSyncClosesPositionMissingAtVenue(t *testing.T) {
	g := newFakeGateway(100)
	e := newTestEngine(g, risk.TrailingConfig{})
	_, _, err := e.Enter(context.Background(), exchange.PositionLong, longDecision())
	require.NoError(t, err)

	g.positions = []exchange.PositionInfo{{Symbol: "BTCUSDT", Size: 1, MarkPrice: 101}}
	tr, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Equal(t, 101.0, e.Position().MarkPrice)

	g.positions = nil
	tr, err = e.Sync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, ReasonVenue, tr.Reason)
	assert.Equal(t, 101.0, tr.ExitPrice)
}

func TestCalculatePnL(t *testing.T) {
	assert.InDelta(t, 9.5, CalculatePnL(exchange.PositionLong, 1, 100, 110, 0.5), 1e-9)
	assert.InDelta(t, -10.5, CalculatePnL(exchange.PositionShort, 1, 100, 110, 0.5), 1e-9)
	assert.Equal(t, 0.0, CalculatePnL(exchange.PositionLong, 0, 100, 110, 0.5))
}
