package risk

import (
	"testing"
	"time"
)

// A restarted bot must get its previous gate back so the loss streak carries over.
func TestRegistryKeepsStateAcrossRestart(t *testing.T) {
	reg := NewRegistry()
	cfg := DefaultConfig()

	first := reg.GetOrCreate("bot-1", cfg)
	first.RecordTrade(TradeResult{Symbol: "BTCUSDT", PnL: -5})

	cfg.Sizing.Percent = 3
	second := reg.GetOrCreate("bot-1", cfg)
	if first != second {
		t.Fatalf("expected the same engine for bot-1")
	}
	if got := second.Metrics().ConsecutiveLosses; got != 1 {
		t.Fatalf("ConsecutiveLosses=%d, expected 1", got)
	}
	if got := second.Config().Sizing.Percent; got != 3 {
		t.Fatalf("Sizing.Percent=%v, expected 3", got)
	}
}

func TestRegistryCleanupIdle(t *testing.T) {
	reg := NewRegistry()
	reg.GetOrCreate("idle", DefaultConfig())
	reg.GetOrCreate("running", DefaultConfig())
	reg.GetOrCreate("fresh", DefaultConfig())

	reg.mu.Lock()
	reg.lastSeen["idle"] = time.Now().Add(-2 * time.Hour)
	reg.lastSeen["running"] = time.Now().Add(-2 * time.Hour)
	reg.mu.Unlock()

	reg.CleanupIdle(time.Hour, map[string]bool{"running": true})

	if got := reg.Len(); got != 2 {
		t.Fatalf("Len=%d, expected 2", got)
	}
	if reg.Get("idle") != nil {
		t.Fatalf("expected idle gate to be removed")
	}
	if reg.Get("running") == nil || reg.Get("fresh") == nil {
		t.Fatalf("expected running and fresh gates to remain")
	}
}

func TestRegistryGetMissingDoesNotCreate(t *testing.T) {
	reg := NewRegistry()
	if reg.Get("missing") != nil {
		t.Fatalf("expected nil for missing bot")
	}
	if got := reg.Len(); got != 0 {
		t.Fatalf("Len=%d, expected 0", got)
	}
}
