package order

import (
	"time"

	exchange "bot-core/pkg/exchanges/common"
)

// State is the execution state of one bot's position.
type State string

const (
	StateNoPosition   State = "NO_POSITION"
	StateEntering     State = "ENTERING"
	StateOpenStatic   State = "OPEN_STATIC"
	StateOpenTrailing State = "OPEN_TRAILING"
	StateClosing      State = "CLOSING"
)

// IsOpen reports whether a position is held.
func (s State) IsOpen() bool {
	return s == StateOpenStatic || s == StateOpenTrailing
}

// Exit reasons recorded on trades.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonExitRule   = "exit_rule"
	ReasonEmergency  = "emergency_stop"
	ReasonVenue      = "venue_closed"
)

// Position is the engine's view of the open position.
type Position struct {
	Symbol        string                `json:"symbol"`
	Side          exchange.PositionSide `json:"side"`
	Size          float64               `json:"size"`
	EntryPrice    float64               `json:"entry_price"`
	MarkPrice     float64               `json:"mark_price"`
	UnrealizedPnL float64               `json:"unrealized_pnl"`
	StopLoss      float64               `json:"stop_loss"`
	TakeProfit    float64               `json:"take_profit"`
	OpenedAt      time.Time             `json:"opened_at"`
}

// Mark updates the mark price and unrealized P&L.
func (p *Position) Mark(price float64) {
	p.MarkPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Size * p.Side.Sign()
}

// Trade is a closed round trip. It is immutable once built.
type Trade struct {
	ID         string                `json:"id"`
	BotID      string                `json:"bot_id"`
	Symbol     string                `json:"symbol"`
	Side       exchange.PositionSide `json:"side"`
	Qty        float64               `json:"qty"`
	EntryPrice float64               `json:"entry_price"`
	ExitPrice  float64               `json:"exit_price"`
	Fee        float64               `json:"fee"`
	PnL        float64               `json:"pnl"` // net of fees
	Reason     string                `json:"reason"`
	OpenedAt   time.Time             `json:"opened_at"`
	ClosedAt   time.Time             `json:"closed_at"`
}

// Event is an execution-side occurrence reported to the owning bot for audit.
type Event struct {
	Type    string    `json:"type"`
	Symbol  string    `json:"symbol"`
	OrderID string    `json:"order_id,omitempty"`
	Side    string    `json:"side,omitempty"`
	Qty     float64   `json:"qty,omitempty"`
	Price   float64   `json:"price,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Event types.
const (
	EventEntryFilled  = "entry_filled"
	EventStopPlaced   = "stop_placed"
	EventTargetPlaced = "target_placed"
	EventStopMoved    = "stop_moved"
	EventStopFailed   = "stop_replace_failed"
	EventTrailing     = "trailing_active"
	EventClosed       = "position_closed"
	EventRejected     = "order_rejected"
	EventAdopted      = "position_adopted"
)
