package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAX_BOTS_PER_ACCOUNT", "")
	t.Setenv("VENUE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBotsPerAccount != 3 {
		t.Fatalf("MaxBotsPerAccount=%d, expected 3", cfg.MaxBotsPerAccount)
	}
	if cfg.Venue != "paper" {
		t.Fatalf("Venue=%s, expected paper", cfg.Venue)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_BOTS_PER_ACCOUNT", "5")
	t.Setenv("HEALTH_INTERVAL", "45")
	t.Setenv("STALE_AFTER", "2m")
	t.Setenv("ADVISOR_MODE", "GRPC")
	t.Setenv("PAPER_SYMBOLS", " btcusdt, ,solusdt ")
	cfg, _ := Load()

	if cfg.MaxBotsPerAccount != 5 {
		t.Fatalf("MaxBotsPerAccount=%d, expected 5", cfg.MaxBotsPerAccount)
	}
	if cfg.HealthInterval != 45*time.Second {
		t.Fatalf("HealthInterval=%v, expected 45s", cfg.HealthInterval)
	}
	if cfg.StaleAfter != 2*time.Minute {
		t.Fatalf("StaleAfter=%v, expected 2m", cfg.StaleAfter)
	}
	if cfg.AdvisorMode != "grpc" {
		t.Fatalf("AdvisorMode=%s, expected grpc", cfg.AdvisorMode)
	}
	if len(cfg.PaperSymbols) != 2 || cfg.PaperSymbols[1] != "SOLUSDT" {
		t.Fatalf("PaperSymbols=%v", cfg.PaperSymbols)
	}
}
