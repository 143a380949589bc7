package risk

import (
	"sync"
	"time"
)

// Registry keeps one gate per bot so loss streaks, cooldowns and the equity
// peak survive a stop/start of the instance.
type Registry struct {
	mu       sync.RWMutex
	engines  map[string]*Engine // botID -> Engine
	lastSeen map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]*Engine),
		lastSeen: make(map[string]time.Time),
	}
}

// GetOrCreate returns the gate for botID. An existing gate adopts cfg.
func (r *Registry) GetOrCreate(botID string, cfg Config) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen[botID] = time.Now()
	if eng, ok := r.engines[botID]; ok {
		eng.SetConfig(cfg)
		return eng
	}
	eng := NewEngine(cfg)
	r.engines[botID] = eng
	return eng
}

// Get returns the gate for botID or nil. It never creates one.
func (r *Registry) Get(botID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[botID]; ok {
		r.lastSeen[botID] = time.Now()
		return eng
	}
	return nil
}

// Remove drops the gate for botID.
func (r *Registry) Remove(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, botID)
	delete(r.lastSeen, botID)
}

// Len returns the number of tracked gates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// AllMetrics returns gate metrics keyed by bot id.
func (r *Registry) AllMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics, len(r.engines))
	for id, eng := range r.engines {
		out[id] = eng.Metrics()
	}
	return out
}

// CleanupIdle removes gates untouched for longer than ttl, except those in keep.
func (r *Registry) CleanupIdle(ttl time.Duration, keep map[string]bool) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.lastSeen {
		if t.Before(cutoff) && !keep[id] {
			delete(r.engines, id)
			delete(r.lastSeen, id)
		}
	}
}
