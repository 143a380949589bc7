package events

import (
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignal, 1)

	bus.Publish(EventSignal, "one")
	bus.Publish(EventSignal, "dropped") // buffer full

	select {
	case msg := <-ch:
		if msg != "one" {
			t.Fatalf("msg=%v, expected one", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	bus.Publish(EventSignal, "after")
}

func TestSubscribeManyWrapsPayloads(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeMany([]Event{EventTrade, EventBotError}, 4)
	defer unsub()

	bus.Emit(EventTrade, "bot-1", "acct", 42)
	bus.Publish(EventBotError, "boom")

	got := map[Event]Envelope{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case env := <-ch:
			got[env.Topic] = env
		case <-timeout:
			t.Fatalf("received %d envelopes, expected 2", len(got))
		}
	}
	if got[EventTrade].BotID != "bot-1" || got[EventTrade].Payload != 42 {
		t.Fatalf("trade envelope=%+v", got[EventTrade])
	}
	if got[EventBotError].Payload != "boom" {
		t.Fatalf("error envelope=%+v", got[EventBotError])
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventSignal, 1)
	bus.Emit(EventSignal, "b", "a", 1)
}
