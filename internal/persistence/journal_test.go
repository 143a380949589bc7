package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bot-core/internal/events"
	"bot-core/pkg/db"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]db.BotEvent
	fail    bool
}

func (s *memStore) InsertEvents(_ context.Context, evs []db.BotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.batches = append(s.batches, append([]db.BotEvent(nil), evs...))
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestJournalFlushesOnSize(t *testing.T) {
	store := &memStore{}
	j := NewJournal(store, 3, time.Hour)
	defer j.Close()

	for i := 0; i < 7; i++ {
		j.Record(db.BotEvent{BotID: "b", UserID: "u", Kind: "bot.signal"})
	}
	if got := store.count(); got != 6 {
		t.Errorf("written=%d, expected 6", got)
	}
	if j.Pending() != 1 {
		t.Errorf("pending=%d, expected 1", j.Pending())
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := store.count(); got != 7 {
		t.Errorf("written after close=%d, expected 7", got)
	}
	if m := j.Metrics(); m.TotalBatches != 3 || m.TotalWrites != 7 {
		t.Errorf("metrics=%+v", m)
	}
}

func TestJournalRequeuesOnFailure(t *testing.T) {
	store := &memStore{fail: true}
	j := NewJournal(store, 100, time.Hour)
	defer j.Close()

	j.Record(db.BotEvent{BotID: "b", UserID: "u", Kind: "bot.order"})
	if err := j.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	if j.Pending() != 1 {
		t.Fatalf("pending=%d, expected the failed batch requeued", j.Pending())
	}
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.count() != 1 || j.Metrics().TotalErrors != 1 {
		t.Errorf("written=%d metrics=%+v", store.count(), j.Metrics())
	}
}

func TestJournalAttachPersistsBusEvents(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	bus := events.NewBus()
	j := NewJournal(database.Queries(), 50, time.Hour)
	j.Attach(bus)

	bus.Emit(events.EventSignal, "bot-1", "acct-1", map[string]any{"action": "long"})
	bus.Emit(events.EventBotError, "bot-1", "acct-1", errors.New("venue timeout"))
	bus.Emit(events.EventPriceTick, "bot-1", "acct-1", 101.5)
	bus.Emit(events.EventSignal, "", "", "no bot")

	time.Sleep(50 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	evs, err := database.Queries().GetEventsByBot(context.Background(), "acct-1", "bot-1", 10)
	if err != nil {
		t.Fatalf("GetEventsByBot failed: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events=%d, expected 2 (price ticks are not journaled)", len(evs))
	}
	kinds := map[string]string{}
	for _, e := range evs {
		kinds[e.Kind] = e.Message
	}
	if kinds["bot.error"] != "venue timeout" {
		t.Errorf("error message=%q", kinds["bot.error"])
	}
	if _, ok := kinds["bot.signal"]; !ok {
		t.Error("signal not journaled")
	}
}
