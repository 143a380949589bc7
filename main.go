package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-core/internal/advisor"
	"bot-core/internal/api"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/monitor"
	"bot-core/internal/persistence"
	"bot-core/internal/reconciliation"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/config"
	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	"bot-core/pkg/exchanges/paper"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[BOOT] load config: %v", err)
	}
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("[BOOT] bot-core %s starting (venue=%s port=%s db=%s)", buildVersion, cfg.Venue, cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[BOOT] open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[BOOT] apply migrations: %v", err)
	}
	queries := database.Queries()

	// Audit journal: every bot event goes to sqlite in batches.
	journal := persistence.NewJournal(queries, cfg.JournalBatchSize, cfg.JournalFlushInterval)
	journal.Attach(bus)

	sysMetrics := monitor.NewSystemMetrics()
	alerts := &monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}
	alerts.Start(ctx)

	keyring, err := crypto.NewKeyringFromEnv()
	if err != nil {
		log.Printf("[BOOT] credential keyring unavailable, stored connections disabled: %v", err)
	}

	// Gateway pool. Paper accounts get their own simulated venue and feed.
	gwCfg := gateway.DefaultConfig()
	if cfg.Venue == gateway.ExchangePaper {
		gwCfg.DefaultExchange = gateway.ExchangePaper
	}
	factory := gateway.NewFactory(cfg.VenueRateLimit, gateway.PaperOptions{
		Venue: paper.Options{Equity: cfg.PaperEquity, FeeRate: cfg.PaperFeeRate},
		Feed: paper.Feed{
			Symbols:    cfg.PaperSymbols,
			Timeframe:  cfg.PaperTimeframe,
			StartPrice: cfg.PaperStartPx,
		},
		Backfill: 500,
	})
	gateways := gateway.NewManager(queries, keyring, factory, gwCfg)
	gateways.Start(ctx)

	adv, closeAdvisor := buildAdvisor(cfg)
	defer closeAdvisor()
	log.Printf("[BOOT] advisor: %s", adv.Name())

	prices := cache.NewPriceCache()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := prices.Cleanup(cfg.StaleAfter); n > 0 {
					log.Printf("[CACHE] dropped %d stale quotes", n)
				}
			}
		}
	}()

	mode := "live"
	if cfg.Venue == gateway.ExchangePaper {
		mode = "paper"
	}
	orch := engine.New(engine.Deps{
		Store:    queries,
		Gateways: gateways,
		Risks:    risk.NewRegistry(),
		Advisor:  adv,
		Bus:      bus,
		Prices:   prices,
		Metrics:  sysMetrics,
	}, engine.Config{
		MaxBotsPerAccount: cfg.MaxBotsPerAccount,
		HealthInterval:    cfg.HealthInterval,
		StaleAfter:        cfg.StaleAfter,
		ErrorThreshold:    cfg.ErrorThreshold,
		MaxCycleFailures:  cfg.MaxCycleFailures,
		CallTimeout:       cfg.CallTimeout,
		Meta: engine.SystemStatus{
			Mode:    mode,
			Venue:   cfg.Venue,
			Advisor: adv.Name(),
			Version: buildVersion,
		},
	})
	// Snapshots left RUNNING by a crash are cleared before anything starts;
	// the reconciler then restarts what is desired.
	if _, err := orch.Recover(ctx); err != nil {
		log.Printf("[BOOT] recovery skipped: %v", err)
	}
	orch.Start(ctx)

	syncStrategyFile(ctx, cfg, queries)

	recon := reconciliation.NewService(orch, queries, cfg.ReconcileInterval)
	recon.Start(ctx)

	server := api.NewServer(api.Options{
		Bus:         bus,
		DB:          database,
		Bots:        orch,
		Connections: gateways,
		Metrics:     sysMetrics,
		JWTSecret:   cfg.JWTSecret,
	})
	httpSrv := server.HTTPServer(":" + cfg.Port)
	go func() {
		log.Printf("[API] listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[API] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("[BOOT] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[API] shutdown: %v", err)
	}
	cancel()
	// Positions are left under their venue-side protective orders.
	orch.Shutdown(shutdownCtx, false)
	gateways.Stop()
	if err := journal.Close(); err != nil {
		log.Printf("[JOURNAL] final flush failed: %v", err)
	}
	log.Println("[BOOT] bye")
}

func buildAdvisor(cfg *config.Config) (*advisor.Service, func()) {
	switch cfg.AdvisorMode {
	case "http":
		return advisor.NewService(advisor.NewHTTPAdvisor(cfg.AdvisorURL, cfg.AdvisorAPIKey, cfg.AdvisorModel)), func() {}
	case "grpc":
		g, err := advisor.DialGRPC(cfg.AdvisorGRPCAddr)
		if err != nil {
			log.Printf("[BOOT] advisor unavailable, running technical-only: %v", err)
			return advisor.NewService(nil), func() {}
		}
		return advisor.NewService(g), func() { _ = g.Close() }
	default:
		return advisor.NewService(nil), func() {}
	}
}

// syncStrategyFile upserts the strategies of STRATEGY_FILE as bots of
// STRATEGY_ACCOUNT. Changed configs become new versions.
func syncStrategyFile(ctx context.Context, cfg *config.Config, store strategy.ConfigStore) {
	if cfg.StrategyFile == "" {
		return
	}
	if cfg.StrategyAccount == "" {
		log.Printf("[BOOT] STRATEGY_FILE set without STRATEGY_ACCOUNT; skipping sync")
		return
	}
	configs, err := strategy.LoadConfig(cfg.StrategyFile)
	if err != nil {
		log.Printf("[BOOT] load strategies from %s: %v", cfg.StrategyFile, err)
		return
	}
	if err := strategy.SyncConfigToDB(ctx, store, cfg.StrategyAccount, configs); err != nil {
		log.Printf("[BOOT] sync strategies: %v", err)
		return
	}
	log.Printf("[BOOT] %d strategies synced for account %s", len(configs), cfg.StrategyAccount)
}
