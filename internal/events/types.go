package events

import "time"

// Event enumerates topics published by the bot runtime.
type Event string

const (
	EventBotStatus     Event = "bot.status"
	EventSignal        Event = "bot.signal"
	EventRiskDecision  Event = "bot.risk"
	EventAdvisor       Event = "bot.advisor"
	EventOrder         Event = "bot.order"
	EventTrade         Event = "bot.trade"
	EventBotError      Event = "bot.error"
	EventBotUnhealthy  Event = "bot.unhealthy"
	EventConfigUpdated Event = "bot.config"
	EventPriceTick     Event = "price.tick"
)

// All lists every topic, used by stream consumers that want everything.
var All = []Event{
	EventBotStatus, EventSignal, EventRiskDecision, EventAdvisor, EventOrder,
	EventTrade, EventBotError, EventBotUnhealthy, EventConfigUpdated, EventPriceTick,
}

// Envelope wraps a payload with its topic and origin for fan-in consumers.
type Envelope struct {
	Topic   Event     `json:"topic"`
	BotID   string    `json:"bot_id,omitempty"`
	Account string    `json:"account_id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}
