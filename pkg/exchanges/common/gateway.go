package common

import (
	"context"
	"time"
)

// MarketDataGateway serves candles for a symbol and timeframe.
type MarketDataGateway interface {
	// Subscribe streams candle updates until stop is called or ctx ends.
	Subscribe(ctx context.Context, symbol, timeframe string) (<-chan CandleUpdate, func(), error)
	// GetHistory returns candles ordered oldest first.
	GetHistory(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error)
}

// OrderBookSource is implemented by market gateways that can serve depth snapshots.
type OrderBookSource interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
}

// FundingSource is implemented by market gateways that know the current funding rate.
type FundingSource interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
}

// ExecutionGateway abstracts the order side of a perpetual-futures venue.
type ExecutionGateway interface {
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool) (*OrderResult, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	// SubscribeUpdates returns pushed order/position events for one symbol.
	SubscribeUpdates(symbol string) (<-chan VenueEvent, func())
}

// LeverageSetter is implemented by venues that need leverage configured per symbol.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}
