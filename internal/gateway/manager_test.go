package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	exchange "bot-core/pkg/exchanges/common"
	"bot-core/pkg/exchanges/paper"
)

type recordingFactory struct {
	calls []crypto.Credentials
	types []string
}

func (f *recordingFactory) build(conn db.Connection, creds crypto.Credentials) (Venue, error) {
	f.calls = append(f.calls, creds)
	f.types = append(f.types, conn.ExchangeType)
	return paper.NewVenue(paper.Options{Equity: 100}), nil
}

func setup(t *testing.T, cfg Config) (*Manager, *recordingFactory, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	kr, err := crypto.NewKeyring(map[int][]byte{1: key})
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	f := &recordingFactory{}
	return NewManager(database.Queries(), kr, f.build, cfg), f, database
}

func TestAcquireOpensSealedCredentials(t *testing.T) {
	m, f, database := setup(t, DefaultConfig())
	ctx := context.Background()

	conn, err := m.AddConnection(ctx, "acct-1", ExchangeBybit, "main", crypto.Credentials{APIKey: "k", APISecret: "s"}, true)
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	stored, err := database.Queries().GetConnectionByID(ctx, "acct-1", conn.ID)
	if err != nil {
		t.Fatalf("GetConnectionByID failed: %v", err)
	}
	if stored.APIKeyEncrypted == "k" || crypto.ParseVersion(stored.APIKeyEncrypted) != 1 {
		t.Fatalf("api key stored unsealed: %q", stored.APIKeyEncrypted)
	}

	v1, key, err := m.Acquire(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if key != conn.ID {
		t.Errorf("key=%s, expected %s", key, conn.ID)
	}
	v2, _, err := m.Acquire(ctx, "acct-1", conn.ID)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if v1 != v2 {
		t.Error("expected the account's bots to share one gateway")
	}
	if len(f.calls) != 1 || f.calls[0].APIKey != "k" || f.calls[0].APISecret != "s" {
		t.Errorf("factory calls=%+v, expected one call with opened credentials", f.calls)
	}
}

func TestAcquireIsolatesAccounts(t *testing.T) {
	m, _, _ := setup(t, DefaultConfig())
	ctx := context.Background()

	conn, err := m.AddConnection(ctx, "acct-1", ExchangeBybit, "main", crypto.Credentials{APIKey: "k", APISecret: "s"}, false)
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if _, _, err := m.Acquire(ctx, "acct-1", conn.ID); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, _, err := m.Acquire(ctx, "acct-2", conn.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound for foreign account, got %v", err)
	}
	if _, _, err := m.Acquire(ctx, "", ""); !errors.Is(err, db.ErrAccountRequired) {
		t.Errorf("expected ErrAccountRequired, got %v", err)
	}
	if _, _, err := m.Acquire(ctx, "acct-3", ""); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound without default exchange, got %v", err)
	}
}

func TestDefaultExchange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultExchange = ExchangePaper
	m, f, _ := setup(t, cfg)

	if _, key, err := m.Acquire(context.Background(), "acct-9", ""); err != nil || key != "default:acct-9" {
		t.Fatalf("Acquire key=%s err=%v", key, err)
	}
	if len(f.types) != 1 || f.types[0] != ExchangePaper {
		t.Errorf("factory types=%v, expected [paper]", f.types)
	}
}

func TestEvictionSkipsPinned(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.DefaultExchange = ExchangePaper
	m, _, _ := setup(t, cfg)
	ctx := context.Background()

	_, key, err := m.Acquire(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, _, err := m.Acquire(ctx, "acct-2", ""); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull while pinned, got %v", err)
	}
	m.Release(key)
	if _, _, err := m.Acquire(ctx, "acct-2", ""); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if s := m.Stats(); s.TotalGateways != 1 || s.ByExchangeType[ExchangePaper] != 1 {
		t.Errorf("stats=%+v", s)
	}
}

func TestCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultExchange = ExchangePaper
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Hour
	m, _, _ := setup(t, cfg)
	ctx := context.Background()

	_, key, err := m.Acquire(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.RecordFailure(key)
	m.RecordFailure(key)
	if _, err := m.GetOrCreate(ctx, "acct-1", key); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Errorf("expected ErrGatewayUnhealthy, got %v", err)
	}
	if s := m.Stats(); s.UnhealthyCount != 1 {
		t.Errorf("UnhealthyCount=%d, expected 1", s.UnhealthyCount)
	}
	m.RecordSuccess(key)
	if _, err := m.GetOrCreate(ctx, "acct-1", key); err != nil {
		t.Errorf("expected recovery after success, got %v", err)
	}
}

func TestPaperFactory(t *testing.T) {
	f := NewFactory(10, PaperOptions{
		Venue:    paper.Options{Equity: 500},
		Feed:     paper.Feed{Symbols: []string{"BTCUSDT"}, Timeframe: "1m", Interval: time.Hour},
		Backfill: 60,
	})
	v, err := f(db.Connection{ExchangeType: "PAPER"}, crypto.Credentials{})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer closeVenue(v)

	hist, err := v.GetHistory(context.Background(), "BTCUSDT", "1m", time.Time{}, time.Time{})
	if err != nil || len(hist) != 60 {
		t.Fatalf("history len=%d err=%v, expected 60", len(hist), err)
	}
	info, err := v.(exchange.ExecutionGateway).GetAccountInfo(context.Background())
	if err != nil || info.Equity != 500 {
		t.Errorf("equity=%v err=%v", info, err)
	}

	if _, err := f(db.Connection{ExchangeType: ExchangeBybit}, crypto.Credentials{}); err == nil {
		t.Error("expected error for bybit without credentials")
	}
	if _, err := f(db.Connection{ExchangeType: "kraken"}, crypto.Credentials{}); err == nil {
		t.Error("expected error for unsupported exchange")
	}
}
