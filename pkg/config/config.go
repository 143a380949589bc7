package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot runtime.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Venue: "paper" or "bybit"
	Venue          string
	BybitTestnet   bool
	PaperEquity    float64
	PaperFeeRate   float64
	PaperSymbols   []string
	PaperStartPx   float64
	PaperTimeframe string
	VenueRateLimit float64 // REST calls per second per account

	// Strategies loaded at boot and synced into the database
	StrategyFile    string
	StrategyAccount string

	// Orchestrator
	MaxBotsPerAccount int
	HealthInterval    time.Duration
	StaleAfter        time.Duration
	ErrorThreshold    int
	ReconcileInterval time.Duration
	MaxCycleFailures  int
	CallTimeout       time.Duration

	// Advisor: "off", "http" or "grpc"
	AdvisorMode     string
	AdvisorURL      string
	AdvisorAPIKey   string
	AdvisorModel    string
	AdvisorGRPCAddr string
	AdvisorTimeout  time.Duration

	// Audit journal
	JournalBatchSize     int
	JournalFlushInterval time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/bots.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		Venue:                strings.ToLower(getEnv("VENUE", "paper")),
		BybitTestnet:         getEnv("BYBIT_TESTNET", "true") == "true",
		PaperEquity:          getEnvFloat("PAPER_EQUITY", 10000),
		PaperFeeRate:         getEnvFloat("PAPER_FEE_RATE", 0.0006),
		PaperSymbols:         splitAndTrim(getEnv("PAPER_SYMBOLS", "BTCUSDT,ETHUSDT")),
		PaperStartPx:         getEnvFloat("PAPER_START_PRICE", 100),
		PaperTimeframe:       getEnv("PAPER_TIMEFRAME", "1m"),
		VenueRateLimit:       getEnvFloat("VENUE_RATE_LIMIT", 10),
		StrategyFile:         getEnv("STRATEGY_FILE", ""),
		StrategyAccount:      getEnv("STRATEGY_ACCOUNT", ""),
		MaxBotsPerAccount:    getEnvInt("MAX_BOTS_PER_ACCOUNT", 3),
		HealthInterval:       getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		StaleAfter:           getEnvDuration("STALE_AFTER", 5*time.Minute),
		ErrorThreshold:       getEnvInt("ERROR_THRESHOLD", 5),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		MaxCycleFailures:     getEnvInt("MAX_CYCLE_FAILURES", 5),
		CallTimeout:          getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		AdvisorMode:          strings.ToLower(getEnv("ADVISOR_MODE", "off")),
		AdvisorURL:           os.Getenv("ADVISOR_URL"),
		AdvisorAPIKey:        os.Getenv("ADVISOR_API_KEY"),
		AdvisorModel:         getEnv("ADVISOR_MODEL", ""),
		AdvisorGRPCAddr:      getEnv("ADVISOR_GRPC_ADDR", "localhost:50051"),
		AdvisorTimeout:       getEnvDuration("ADVISOR_TIMEOUT", 10*time.Second),
		JournalBatchSize:     getEnvInt("JOURNAL_BATCH_SIZE", 100),
		JournalFlushInterval: getEnvDuration("JOURNAL_FLUSH_INTERVAL", time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
