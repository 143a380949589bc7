package bot

import (
	"fmt"
	"strings"

	"bot-core/internal/advisor"
	"bot-core/internal/order"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
)

// SignalEvent is published for every resolved entry or exit signal.
type SignalEvent struct {
	Symbol     string                              `json:"symbol"`
	Price      float64                             `json:"price"`
	Signal     strategy.Signal                     `json:"signal"`
	Conditions map[string]strategy.ConditionResult `json:"conditions,omitempty"`
}

func (e SignalEvent) String() string {
	return fmt.Sprintf("%s %s @ %.6g (%.0f%%): %s", e.Symbol, e.Signal.Action, e.Price,
		e.Signal.Confidence, strings.Join(e.Signal.Reasons, "; "))
}

// DecisionEvent records a risk gate outcome.
type DecisionEvent struct {
	Symbol   string        `json:"symbol"`
	Action   string        `json:"action"`
	Decision risk.Decision `json:"decision"`
}

func (e DecisionEvent) String() string {
	if e.Decision.Approved {
		return fmt.Sprintf("%s %s approved qty=%.6g notional=%.2f", e.Symbol, e.Action, e.Decision.Quantity, e.Decision.Notional)
	}
	return fmt.Sprintf("%s %s denied: %s", e.Symbol, e.Action, e.Decision.Reason)
}

// AdvisorEvent records the advisor consultation of an entry.
type AdvisorEvent struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Outcome   string          `json:"outcome"`
	Available bool            `json:"available"`
	Verdict   advisor.Verdict `json:"verdict"`
	Error     string          `json:"error,omitempty"`
}

func (e AdvisorEvent) String() string {
	if !e.Available {
		return fmt.Sprintf("%s advisor unavailable: %s", e.Symbol, e.Error)
	}
	return fmt.Sprintf("%s advisor %s (%s %.0f%%)", e.Symbol, e.Outcome, e.Verdict.Action, e.Verdict.Confidence)
}

// OrderEvent wraps an execution event with its bot.
type OrderEvent struct {
	order.Event
}

func (e OrderEvent) String() string {
	s := fmt.Sprintf("%s %s", e.Symbol, e.Type)
	if e.Price > 0 {
		s += fmt.Sprintf(" @ %.6g", e.Price)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// TradeEvent is published when a round trip closes.
type TradeEvent struct {
	order.Trade
}

func (e TradeEvent) String() string {
	return fmt.Sprintf("%s %s closed (%s) pnl=%.4f", e.Symbol, e.Side, e.Reason, e.PnL)
}

// StatusEvent is published on lifecycle transitions.
type StatusEvent struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (e StatusEvent) String() string {
	if e.Reason == "" {
		return string(e.Status)
	}
	return string(e.Status) + ": " + e.Reason
}
