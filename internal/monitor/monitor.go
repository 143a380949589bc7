package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"bot-core/internal/events"
)

// Monitor forwards bot error and health events to alert sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
}

// Start consumes events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{events.EventBotError, events.EventBotUnhealthy}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				msg := FormatAlert(env)
				for _, s := range m.Sinks {
					if err := s.Send(msg); err != nil {
						log.Printf("[MONITOR] alert sink failed: %v", err)
					}
				}
			}
		}
	}()
}

// FormatAlert renders an envelope as one line.
func FormatAlert(env events.Envelope) string {
	ts := env.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	who := env.BotID
	if who == "" {
		who = "system"
	}
	return fmt.Sprintf("[%s] %s %s: %v", ts.Format(time.RFC3339), env.Topic, who, env.Payload)
}
