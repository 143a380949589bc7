package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("ListBotsByUser requires account", func(t *testing.T) {
		if _, err := q.ListBotsByUser(ctx, ""); err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})
	t.Run("GetTradesByUser requires account", func(t *testing.T) {
		if _, err := q.GetTradesByUser(ctx, "", 10); err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})
	t.Run("SaveTrade requires account", func(t *testing.T) {
		if err := q.SaveTrade(ctx, Trade{ID: "t"}); err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})
	t.Run("GetConnectionsByUser requires account", func(t *testing.T) {
		if _, err := q.GetConnectionsByUser(ctx, ""); err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})
}

func TestBotIsolationAndVersions(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if err := q.CreateBot(ctx, Bot{ID: "b1", UserID: "alice", Name: "ema", Symbol: "btcusdt", ConfigJSON: `{"v":1}`}); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if _, err := q.GetBot(ctx, "bob", "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bob sees alice's bot: %v", err)
	}
	b, err := q.GetBot(ctx, "alice", "b1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if b.Symbol != "BTCUSDT" || b.ConfigVersion != 1 || b.DesiredStatus != StatusStopped {
		t.Fatalf("bot=%+v", b)
	}

	v, err := q.UpdateBotConfig(ctx, "alice", "b1", `{"v":2}`, "nudge")
	if err != nil {
		t.Fatalf("UpdateBotConfig: %v", err)
	}
	if v != 2 {
		t.Fatalf("version=%d, expected 2", v)
	}
	if _, err := q.UpdateBotConfig(ctx, "bob", "b1", `{"v":3}`, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bob updated alice's bot: %v", err)
	}

	versions, err := q.ListConfigVersions(ctx, "alice", "b1")
	if err != nil {
		t.Fatalf("ListConfigVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || versions[0].Note != "nudge" || versions[1].ConfigJSON != `{"v":1}` {
		t.Fatalf("versions=%+v", versions)
	}
}

func TestUpsertBotConfig(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	v, err := q.UpsertBotConfig(ctx, "alice", "s1", "trend", "ETHUSDT", `{"a":1}`, true)
	if err != nil || v != 1 {
		t.Fatalf("first upsert: v=%d err=%v", v, err)
	}
	v, err = q.UpsertBotConfig(ctx, "alice", "s1", "trend", "ETHUSDT", `{"a":1}`, true)
	if err != nil || v != 1 {
		t.Fatalf("unchanged upsert: v=%d err=%v", v, err)
	}
	v, err = q.UpsertBotConfig(ctx, "alice", "s1", "trend", "ETHUSDT", `{"a":2}`, true)
	if err != nil || v != 2 {
		t.Fatalf("changed upsert: v=%d err=%v", v, err)
	}
	b, _ := q.GetBot(ctx, "alice", "s1")
	if b.DesiredStatus != StatusRunning {
		t.Fatalf("DesiredStatus=%s, expected RUNNING", b.DesiredStatus)
	}
}

func TestResetRunningBots(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.CreateBot(ctx, Bot{ID: id, UserID: "u", Name: id, Symbol: id + "USDT", ConfigJSON: "{}"}); err != nil {
			t.Fatalf("CreateBot: %v", err)
		}
	}
	_ = q.UpdateBotStatus(ctx, "a", StatusRunning, "")
	_ = q.UpdateBotStatus(ctx, "b", StatusPaused, "")
	_ = q.UpdateBotStatus(ctx, "c", StatusError, "boom")

	n, err := q.ResetRunningBots(ctx)
	if err != nil {
		t.Fatalf("ResetRunningBots: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset=%d, expected 2", n)
	}
	bots, _ := q.ListAllBots(ctx)
	for _, b := range bots {
		want := StatusStopped
		if b.ID == "c" {
			want = StatusError
		}
		if b.Status != want {
			t.Errorf("bot %s status=%s, expected %s", b.ID, b.Status, want)
		}
	}
}

func TestTradesAndEvents(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	opened := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"t1", "t2"} {
		err := q.SaveTrade(ctx, Trade{
			ID: id, BotID: "b1", UserID: "alice", Symbol: "BTCUSDT", Side: "long",
			Qty: 0.01, EntryPrice: 100, ExitPrice: 110, PnL: 0.1, Reason: "take_profit",
			OpenedAt: opened, ClosedAt: opened.Add(time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	trades, err := q.GetTradesByBot(ctx, "alice", "b1", 10)
	if err != nil {
		t.Fatalf("GetTradesByBot: %v", err)
	}
	if len(trades) != 2 || trades[0].ID != "t2" {
		t.Fatalf("trades=%+v", trades)
	}
	if !trades[0].OpenedAt.Equal(opened) {
		t.Fatalf("OpenedAt=%v, expected %v", trades[0].OpenedAt, opened)
	}
	if other, _ := q.GetTradesByUser(ctx, "bob", 10); len(other) != 0 {
		t.Fatalf("bob sees %d trades", len(other))
	}

	err = q.InsertEvents(ctx, []BotEvent{
		{BotID: "b1", UserID: "alice", Kind: "signal", Message: "long 83"},
		{BotID: "b1", UserID: "alice", Kind: "risk", Message: "notional too low"},
	})
	if err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	evs, err := q.GetEventsByBot(ctx, "alice", "b1", 10)
	if err != nil {
		t.Fatalf("GetEventsByBot: %v", err)
	}
	if len(evs) != 2 || evs[0].Kind != "risk" {
		t.Fatalf("events=%+v", evs)
	}
}

func TestConnections(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if err := q.CreateConnection(ctx, Connection{ID: "c1", UserID: "alice", ExchangeType: "bybit", Name: "main",
		APIKeyEncrypted: "ENC[v1]:x", APISecretEncrypted: "ENC[v1]:y", KeyVersion: 1, Testnet: true}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	c, err := q.GetConnectionByID(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetConnectionByID: %v", err)
	}
	if !c.Testnet || !c.IsActive {
		t.Fatalf("connection=%+v", c)
	}
	if _, err := q.GetConnectionByID(ctx, "bob", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := q.DeactivateConnection(ctx, "alice", "c1"); err != nil {
		t.Fatalf("DeactivateConnection: %v", err)
	}
	if list, _ := q.GetConnectionsByUser(ctx, "alice"); len(list) != 0 {
		t.Fatalf("active connections=%d, expected 0", len(list))
	}
}

func TestVerifySchema(t *testing.T) {
	database := newTestDB(t)
	checks, err := VerifySchema(database)
	if err != nil {
		t.Fatalf("VerifySchema: %v", err)
	}
	if len(checks) == 0 {
		t.Fatal("no checks reported")
	}
	for _, c := range checks {
		if !c.Present {
			t.Errorf("missing %s.%s", c.Table, c.Column)
		}
	}

	if _, err := database.DB.Exec(`DROP TABLE bot_events`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	checks, err = VerifySchema(database)
	if err != nil {
		t.Fatalf("VerifySchema: %v", err)
	}
	var missing []string
	for _, c := range checks {
		if !c.Present {
			missing = append(missing, c.Table+"."+c.Column)
		}
	}
	if len(missing) != 1 || missing[0] != "bot_events." {
		t.Fatalf("missing=%v", missing)
	}
}
