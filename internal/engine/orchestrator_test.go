package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-core/internal/bot"
	"bot-core/internal/errs"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/indicators"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/db"
	exchange "bot-core/pkg/exchanges/common"
	"bot-core/pkg/exchanges/paper"
)

// paperGateways hands the same paper venue to every account.
type paperGateways struct {
	mu       sync.Mutex
	venue    *paper.Venue
	acquired int
	released int
}

func (g *paperGateways) Acquire(context.Context, string, string) (gateway.Venue, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquired++
	return g.venue, "paper", nil
}

func (g *paperGateways) Release(string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
}

func (g *paperGateways) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquired, g.released
}

type fixture struct {
	orch  *Orchestrator
	store *db.UserQueries
	gws   *paperGateways
	bus   *events.Bus
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	venue := paper.NewVenue(paper.Options{Equity: 10000, FeeRate: 0.0006})
	feed := &paper.Feed{Venue: venue, Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, Timeframe: "1m", StartPrice: 100}
	feed.Backfill(80)

	cfg := Config{
		MaxBotsPerAccount: 2,
		HealthInterval:    time.Hour,
		CallTimeout:       time.Second,
		Retry:             exchange.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		store: database.Queries(),
		gws:   &paperGateways{venue: venue},
		bus:   events.NewBus(),
	}
	f.orch = New(Deps{Store: f.store, Gateways: f.gws, Risks: risk.NewRegistry(), Bus: f.bus}, cfg)
	t.Cleanup(func() { f.orch.Shutdown(context.Background(), false) })
	return f
}

func botConfig(id, symbol string) strategy.Config {
	return strategy.Config{
		ID:              id,
		Symbol:          symbol,
		Timeframe:       "1m",
		IntervalSeconds: 3600,
		Indicators: []indicators.Spec{
			{ID: "rsi", Type: indicators.TypeRSI, Params: map[string]float64{"period": 14}},
		},
		Conditions: []strategy.Condition{{
			ID:       "oversold",
			Source:   strategy.Source{Kind: strategy.SourceIndicator, Ref: "rsi"},
			Operator: strategy.OpLessThan,
			Compare:  strategy.Compare{Kind: strategy.CompareLiteral, Value: 5},
		}},
		EntryRules: []strategy.Rule{
			{ID: "dip", Side: strategy.SideLong, Groups: []strategy.Group{{Conditions: []string{"oversold"}}}},
		},
	}
}

func (f *fixture) create(t *testing.T, user, id, symbol string) {
	t.Helper()
	_, err := f.orch.CreateBot(context.Background(), user, "", botConfig(id, symbol))
	require.NoError(t, err)
}

func (f *fixture) persisted(t *testing.T, user, id string) *db.Bot {
	t.Helper()
	b, err := f.store.GetBot(context.Background(), user, id)
	require.NoError(t, err)
	return b
}

func TestStartBot_AccountLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	f.create(t, "alice", "a2", "ETHUSDT")
	f.create(t, "alice", "a3", "SOLUSDT")
	f.create(t, "bob", "b1", "SOLUSDT")

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a2"))

	err := f.orch.StartBot(ctx, "alice", "a3")
	assert.ErrorIs(t, err, ErrAccountLimit)
	assert.Len(t, f.orch.Running(), 2)
	a3 := f.persisted(t, "alice", "a3")
	assert.Equal(t, db.StatusStopped, a3.Status)
	assert.Equal(t, db.StatusStopped, a3.DesiredStatus)
	acquired, _ := f.gws.counts()
	assert.Equal(t, 2, acquired, "a rejected start must not touch the gateway pool")

	require.NoError(t, f.orch.StartBot(ctx, "bob", "b1"), "limits are per account")
	assert.Equal(t, 2, f.orch.GetSystemStatus(ctx).BotsByAccount["alice"])
}

func TestStartBot_SymbolConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	f.create(t, "alice", "a2", "btcusdt")

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	err := f.orch.StartBot(ctx, "alice", "a2")
	assert.ErrorIs(t, err, ErrSymbolConflict)

	running := f.orch.Running()
	require.Len(t, running, 1)
	assert.Equal(t, "a1", running[0].ID)
	assert.Equal(t, db.StatusStopped, f.persisted(t, "alice", "a2").Status)

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"), "starting a live bot is a no-op")
	assert.Len(t, f.orch.Running(), 1)
}

func TestStopBot_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	assert.Equal(t, db.StatusRunning, f.persisted(t, "alice", "a1").DesiredStatus)

	require.NoError(t, f.orch.StopBot(ctx, "alice", "a1", false))
	assert.Empty(t, f.orch.Running())
	b := f.persisted(t, "alice", "a1")
	assert.Equal(t, db.StatusStopped, b.Status)
	assert.Equal(t, db.StatusStopped, b.DesiredStatus)

	require.NoError(t, f.orch.StopBot(ctx, "alice", "a1", false))
	require.NoError(t, f.orch.StopBot(ctx, "alice", "a1", true))
	acquired, released := f.gws.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)

	assert.ErrorIs(t, f.orch.StopBot(ctx, "bob", "a1", false), ErrBotNotFound, "other accounts cannot see the bot")
	assert.ErrorIs(t, f.orch.PauseBot(ctx, "alice", "a1"), ErrNotRunning)
}

func TestPauseResume_PersistsDesiredState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))

	require.NoError(t, f.orch.PauseBot(ctx, "alice", "a1"))
	st, err := f.orch.GetStatus(ctx, "alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, string(bot.StatusPaused), st.Status)
	assert.Equal(t, db.StatusPaused, st.DesiredStatus)
	assert.True(t, st.Running)

	require.NoError(t, f.orch.ResumeBot(ctx, "alice", "a1"))
	st, err = f.orch.GetStatus(ctx, "alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, string(bot.StatusRunning), st.Status)
	require.NotNil(t, st.Runtime)
	assert.Equal(t, "BTCUSDT", st.Runtime.Symbol)
}

func TestRecover_ResetsGhostRunningBots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	f.create(t, "alice", "a2", "ETHUSDT")
	require.NoError(t, f.store.UpdateBotStatus(ctx, "a1", db.StatusRunning, ""))
	require.NoError(t, f.store.UpdateBotStatus(ctx, "a2", db.StatusPaused, ""))

	n, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, db.StatusStopped, f.persisted(t, "alice", "a1").Status)
	assert.Equal(t, db.StatusStopped, f.persisted(t, "alice", "a2").Status)
	assert.Empty(t, f.orch.Running())
}

func TestUpdateConfig_AppliesOnNextStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))

	cfg := botConfig("a1", "BTCUSDT")
	cfg.Conditions[0].Compare.Value = 10
	version, err := f.orch.UpdateConfig(ctx, "alice", "a1", cfg, "looser threshold")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	st, err := f.orch.GetStatus(ctx, "alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.ConfigVersion)
	assert.Equal(t, 1, st.Runtime.ConfigVersion, "the running instance keeps its version")

	require.NoError(t, f.orch.StopBot(ctx, "alice", "a1", false))
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	st, err = f.orch.GetStatus(ctx, "alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Runtime.ConfigVersion)

	_, err = f.orch.UpdateConfig(ctx, "alice", "a1", botConfig("a1", "ETHUSDT"), "")
	assert.True(t, errs.Is(err, errs.KindConfig))
	bad := botConfig("a1", "BTCUSDT")
	bad.Conditions[0].Operator = "sideways"
	_, err = f.orch.UpdateConfig(ctx, "alice", "a1", bad, "")
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestSelfStop_PersistsErrorAndReleasesGateway(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxCycleFailures = 1 })
	ctx := context.Background()
	f.create(t, "alice", "a1", "DOGEUSDT") // no history at the venue

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	require.Eventually(t, func() bool { return len(f.orch.Running()) == 0 }, 5*time.Second, 10*time.Millisecond)

	b := f.persisted(t, "alice", "a1")
	assert.Equal(t, db.StatusError, b.Status)
	assert.Contains(t, b.LastError, "no history")
	_, released := f.gws.counts()
	assert.Equal(t, 1, released)

	f.create(t, "alice", "a2", "BTCUSDT")
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a2"), "a failed sibling does not affect the account")
}

func TestCheckHealth_FlagsFailingBots(t *testing.T) {
	var flagged []HealthIssue
	f := newFixture(t, func(c *Config) {
		c.MaxCycleFailures = 10
		c.ErrorThreshold = 1
		c.OnUnhealthy = func(h HealthIssue) { flagged = append(flagged, h) }
	})
	ctx := context.Background()
	f.create(t, "alice", "a1", "DOGEUSDT")
	f.create(t, "alice", "a2", "BTCUSDT")
	unhealthy, unsub := f.bus.Subscribe(events.EventBotUnhealthy, 10)
	defer unsub()

	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a2"))
	require.Eventually(t, func() bool {
		st, err := f.orch.GetStatus(ctx, "alice", "a1")
		return err == nil && st.Runtime != nil && st.Runtime.RecentErrors >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := f.orch.GetStatus(ctx, "alice", "a2")
		return err == nil && st.Runtime != nil && st.Runtime.Cycles >= 1
	}, 5*time.Second, 10*time.Millisecond)

	issues := f.orch.CheckHealth()
	require.Len(t, issues, 1)
	assert.Equal(t, "a1", issues[0].BotID)
	assert.Equal(t, ReasonErrors, issues[0].Reason)
	assert.Len(t, flagged, 1)

	select {
	case msg := <-unhealthy:
		assert.Equal(t, "a1", msg.(events.Envelope).BotID)
	default:
		t.Fatal("no unhealthy event published")
	}
	assert.Len(t, f.orch.Running(), 2, "flagging does not stop the bot")
}

func TestDeleteBot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "alice", "a1", "BTCUSDT")
	require.NoError(t, f.orch.StartBot(ctx, "alice", "a1"))

	require.NoError(t, f.orch.DeleteBot(ctx, "alice", "a1"))
	assert.Empty(t, f.orch.Running())
	_, err := f.orch.GetStatus(ctx, "alice", "a1")
	assert.True(t, errors.Is(err, ErrBotNotFound))
	assert.ErrorIs(t, f.orch.DeleteBot(ctx, "alice", "a1"), ErrBotNotFound)
}
