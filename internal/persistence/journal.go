// Package persistence batches the audit journal of every bot into sqlite.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bot-core/internal/events"
	"bot-core/pkg/db"
)

// EventStore is the write side used by the journal.
type EventStore interface {
	InsertEvents(ctx context.Context, events []db.BotEvent) error
}

// JournalMetrics provides statistics about batch operations.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	TotalDropped  uint64    `json:"total_dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// Journal buffers bot events and writes them in batches.
type Journal struct {
	store       EventStore
	buffer      []db.BotEvent
	mu          sync.Mutex
	maxSize     int
	maxPending  int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	unsub       func()
	closeOnce   sync.Once

	writes, batches, errors, dropped atomic.Uint64
	lastMu                           sync.Mutex
	lastSize                         int
	lastFlush                        time.Time
}

// journaled lists the bus topics kept in the audit trail.
var journaled = []events.Event{
	events.EventBotStatus, events.EventSignal, events.EventRiskDecision, events.EventAdvisor,
	events.EventOrder, events.EventTrade, events.EventBotError, events.EventBotUnhealthy,
	events.EventConfigUpdated,
}

// NewJournal creates a journal flushing every maxSize events or interval.
func NewJournal(store EventStore, maxSize int, interval time.Duration) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	j := &Journal{
		store:       store,
		buffer:      make([]db.BotEvent, 0, maxSize),
		maxSize:     maxSize,
		maxPending:  maxSize * 100,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	j.wg.Add(1)
	go j.backgroundFlush()
	return j
}

// Attach journals every bot topic published on bus until Close.
func (j *Journal) Attach(bus *events.Bus) {
	ch, unsub := bus.SubscribeMany(journaled, 1024)
	j.unsub = unsub
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for env := range ch {
			if env.BotID == "" {
				continue
			}
			j.Record(FromEnvelope(env))
		}
	}()
}

// FromEnvelope converts a bus envelope into a journal row.
func FromEnvelope(env events.Envelope) db.BotEvent {
	ev := db.BotEvent{
		BotID:     env.BotID,
		UserID:    env.Account,
		Kind:      string(env.Topic),
		CreatedAt: env.Time,
	}
	switch p := env.Payload.(type) {
	case string:
		ev.Message = p
	case error:
		ev.Message = p.Error()
	case fmt.Stringer:
		ev.Message = p.String()
	}
	if env.Payload != nil {
		if raw, err := json.Marshal(env.Payload); err == nil {
			ev.Payload = string(raw)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return ev
}

// Record adds one event to the batch. When the store is down and the buffer
// is full the oldest events are dropped.
func (j *Journal) Record(ev db.BotEvent) {
	j.mu.Lock()
	if len(j.buffer) >= j.maxPending {
		j.buffer = j.buffer[1:]
		j.dropped.Add(1)
	}
	j.buffer = append(j.buffer, ev)
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		_ = j.Flush()
	}
}

// Flush immediately writes all buffered events.
func (j *Journal) Flush() error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.buffer
	j.buffer = make([]db.BotEvent, 0, j.maxSize)
	j.mu.Unlock()

	j.writes.Add(uint64(len(batch)))
	j.batches.Add(1)
	j.lastMu.Lock()
	j.lastSize, j.lastFlush = len(batch), time.Now()
	j.lastMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.store.InsertEvents(ctx, batch); err != nil {
		j.errors.Add(1)
		log.Printf("[JOURNAL] flush of %d events failed, requeueing: %v", len(batch), err)
		j.requeue(batch)
		return err
	}
	return nil
}

func (j *Journal) requeue(batch []db.BotEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	merged := append(batch, j.buffer...)
	if over := len(merged) - j.maxPending; over > 0 {
		merged = merged[over:]
		j.dropped.Add(uint64(over))
	}
	j.buffer = merged
}

func (j *Journal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = j.Flush()
		case <-j.done:
			return
		}
	}
}

// Pending returns the number of buffered events.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Metrics returns the current counters.
func (j *Journal) Metrics() JournalMetrics {
	j.lastMu.Lock()
	defer j.lastMu.Unlock()
	return JournalMetrics{
		TotalWrites:   j.writes.Load(),
		TotalBatches:  j.batches.Load(),
		TotalErrors:   j.errors.Load(),
		TotalDropped:  j.dropped.Load(),
		LastBatchSize: j.lastSize,
		LastFlushTime: j.lastFlush,
	}
}

// Close detaches from the bus, stops the flusher and writes what is left.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		if j.unsub != nil {
			j.unsub()
		}
		close(j.done)
		j.wg.Wait()
		err = j.Flush()
	})
	return err
}
