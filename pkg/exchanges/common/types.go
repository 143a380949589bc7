package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for an order side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of a position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// EntrySide is the order side that opens the position.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces the position.
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// Sign is +1 for long and -1 for short.
func (p PositionSide) Sign() float64 {
	if p == PositionShort {
		return -1
	}
	return 1
}

// TriggerKind distinguishes the two protective order flavours.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "SL"
	TriggerTakeProfit TriggerKind = "TP"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew         OrderStatus = "NEW"
	StatusPartial     OrderStatus = "PARTIAL"
	StatusFilled      OrderStatus = "FILLED"
	StatusCanceled    OrderStatus = "CANCELED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusUntriggered OrderStatus = "UNTRIGGERED"
	StatusUnknown     OrderStatus = "UNKNOWN"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// CandleUpdate is one element of a subscription stream.
type CandleUpdate struct {
	Symbol    string
	Timeframe string
	Candle    Candle
	IsClosed  bool
}

// BookLevel is a price level of an order book.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot, best levels first.
type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
	Time   time.Time
}

// AccountInfo summarizes margin account state.
type AccountInfo struct {
	Equity     float64
	Available  float64
	MarginUsed float64
}

// PositionInfo is the venue view of an open position. Size is signed: >0 long, <0 short.
type PositionInfo struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID   string
	ClientID  string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// StopOrderRequest describes a reduce-only trigger order executed at market.
type StopOrderRequest struct {
	Symbol       string
	Side         Side
	Qty          float64
	TriggerPrice float64
	Kind         TriggerKind
	ClientID     string
}

// VenueEventType enumerates pushed account updates.
type VenueEventType string

const (
	VenueOrderUpdate    VenueEventType = "order"
	VenuePositionUpdate VenueEventType = "position"
)

// VenueEvent is a typed order or position push for one symbol.
type VenueEvent struct {
	Type      VenueEventType
	Symbol    string
	OrderID   string
	Status    OrderStatus
	Kind      TriggerKind // set for protective orders
	FilledQty float64
	AvgPrice  float64
	Size      float64 // signed position size for position updates
	Time      time.Time
}
