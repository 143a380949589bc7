package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bot-core/internal/errs"
	"bot-core/internal/indicators"
	exchange "bot-core/pkg/exchanges/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(vals map[string]float64, close float64) Snapshot {
	return Snapshot{
		Candle:     exchange.Candle{Open: close, High: close, Low: close, Close: close, Volume: 10},
		Indicators: vals,
	}
}

func crossCondition() Condition {
	return Condition{
		ID:       "cross",
		Source:   Source{Kind: SourceIndicator, Ref: "fast"},
		Operator: OpCrossesAbove,
		Compare:  Compare{Kind: CompareIndicator, Ref: "slow"},
	}
}

func testConfig() Config {
	cfg := Config{
		ID:        "ema-cross",
		Symbol:    "btcusdt",
		Timeframe: "1m",
		Indicators: []indicators.Spec{
			{ID: "fast", Type: indicators.TypeEMA, Params: map[string]float64{"period": 20}},
			{ID: "slow", Type: indicators.TypeEMA, Params: map[string]float64{"period": 50}},
			{ID: "rsi", Type: indicators.TypeRSI, Params: map[string]float64{"period": 14}},
			{ID: "atr", Type: indicators.TypeATR, Params: map[string]float64{"period": 14}},
		},
		Conditions: []Condition{
			crossCondition(),
			{ID: "rsi_ok", Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpGreaterThan, Compare: Compare{Value: 50}},
		},
		EntryRules: []Rule{
			{ID: "long", Side: SideLong, Groups: []Group{{Conditions: []string{"cross", "rsi_ok"}}}},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestCrossesAbove_FiresOnlyOnFlip(t *testing.T) {
	ev := NewEvaluator(testConfig())
	c := crossCondition()
	hist := []Snapshot{
		snap(map[string]float64{"fast": 9, "slow": 10}, 100),
		snap(map[string]float64{"fast": 10, "slow": 10}, 100), // touching is still "not above"
		snap(map[string]float64{"fast": 11, "slow": 10}, 100),
		snap(map[string]float64{"fast": 12, "slow": 10}, 100),
	}

	assert.False(t, ev.Evaluate(c, hist[:1]).Passed, "first cycle has no previous value")
	assert.False(t, ev.Evaluate(c, hist[:2]).Passed)
	res := ev.Evaluate(c, hist[:3])
	assert.True(t, res.Passed, res.Reason)
	assert.False(t, ev.Evaluate(c, hist[:4]).Passed, "order persists but no new cross")
}

func TestCrossesBelow(t *testing.T) {
	ev := NewEvaluator(testConfig())
	c := crossCondition()
	c.Operator = OpCrossesBelow
	hist := []Snapshot{
		snap(map[string]float64{"fast": 11, "slow": 10}, 100),
		snap(map[string]float64{"fast": 9, "slow": 10}, 100),
	}
	assert.True(t, ev.Evaluate(c, hist).Passed)
}

func TestComparisonOperators(t *testing.T) {
	ev := NewEvaluator(testConfig())
	hist := []Snapshot{snap(map[string]float64{"rsi": 55, "atr": 2, "slow": 100}, 104)}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gt", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpGreaterThan, Compare: Compare{Kind: CompareLiteral, Value: 50}}, true},
		{"lt", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpLessThan, Compare: Compare{Kind: CompareLiteral, Value: 50}}, false},
		{"equals", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpEquals, Compare: Compare{Kind: CompareLiteral, Value: 55}}, true},
		{"equals epsilon", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpEquals, Compare: Compare{Kind: CompareLiteral, Value: 55.4}, Epsilon: 0.5}, true},
		{"between inclusive", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpBetween, Compare: Compare{Kind: CompareLiteral, Value: 40, Upper: 55}}, true},
		{"between outside", Condition{Source: Source{Kind: SourceIndicator, Ref: "rsi"}, Operator: OpBetween, Compare: Compare{Kind: CompareLiteral, Value: 60, Upper: 70}}, false},
		{"percent of indicator", Condition{Source: Source{Kind: SourcePrice, Ref: "close"}, Operator: OpGreaterThan, Compare: Compare{Kind: ComparePercent, Ref: "slow", Value: 3}}, true},
		{"atr multiple", Condition{Source: Source{Kind: SourcePrice, Ref: "close"}, Operator: OpGreaterThan, Compare: Compare{Kind: CompareATR, Ref: "slow", Value: 2.5}}, false},
		{"volume", Condition{Source: Source{Kind: SourceVolume}, Operator: OpGreaterThan, Compare: Compare{Kind: CompareLiteral, Value: 5}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cond.ID = tt.name
			res := ev.Evaluate(tt.cond, hist)
			assert.Equal(t, tt.want, res.Passed, res.Reason)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestPercentWithoutRefUsesPreviousSource(t *testing.T) {
	ev := NewEvaluator(testConfig())
	c := Condition{ID: "jump", Source: Source{Kind: SourcePrice, Ref: "close"}, Operator: OpGreaterThan,
		Compare: Compare{Kind: ComparePercent, Value: 1}}
	hist := []Snapshot{snap(nil, 100), snap(nil, 101.5)}
	assert.True(t, ev.Evaluate(c, hist).Passed)
	assert.False(t, ev.Evaluate(c, hist[:1]).Passed)
}

func TestMonotonicOperators(t *testing.T) {
	ev := NewEvaluator(testConfig())
	up := Condition{ID: "up", Source: Source{Kind: SourcePrice, Ref: "close"}, Operator: OpIncreasing, Lookback: 3}
	hist := []Snapshot{snap(nil, 5), snap(nil, 1), snap(nil, 2), snap(nil, 3)}
	assert.True(t, ev.Evaluate(up, hist).Passed)

	hist[2] = snap(nil, 3)
	assert.False(t, ev.Evaluate(up, hist).Passed, "equal values are not strictly increasing")

	down := up
	down.Operator = OpDecreasing
	assert.False(t, ev.Evaluate(down, hist[:2]).Passed, "short window")
}

func TestUnavailableSourceIsFalse(t *testing.T) {
	ev := NewEvaluator(testConfig())
	c := Condition{ID: "fund", Source: Source{Kind: SourceFunding}, Operator: OpLessThan, Compare: Compare{Kind: CompareLiteral, Value: 0.01}}
	res := ev.Evaluate(c, []Snapshot{snap(nil, 100)})
	assert.False(t, res.Passed)
	assert.Equal(t, "source unavailable", res.Reason)

	rate := 0.0001
	s := snap(nil, 100)
	s.Funding = &rate
	assert.True(t, ev.Evaluate(c, []Snapshot{s}).Passed)
}

func results(pairs ...any) map[string]ConditionResult {
	out := map[string]ConditionResult{}
	for i := 0; i < len(pairs); i += 3 {
		id := pairs[i].(string)
		out[id] = ConditionResult{ID: id, Passed: pairs[i+1].(bool), Weight: pairs[i+2].(float64), Reason: id}
	}
	return out
}

func TestRuleGroupLogicAndConfidence(t *testing.T) {
	cfg := Config{EntryRules: []Rule{{
		ID: "r", Side: SideLong, Logic: LogicAnd,
		Groups: []Group{
			{Conditions: []string{"a", "b"}, Logic: LogicAnd},
			{Conditions: []string{"c", "d", "e"}, Logic: LogicOr, MinConditionsMet: 2},
		},
	}}}
	re := NewRuleEngine(cfg)
	now := time.Now()

	sigs := re.EvaluateEntries(results("a", true, 2.0, "b", true, 1.0, "c", true, 1.0, "d", true, 1.0, "e", false, 1.0), now)
	require.Len(t, sigs, 1)
	assert.Equal(t, ActionLong, sigs[0].Action)
	assert.InDelta(t, 5.0/6.0*100, sigs[0].Confidence, 1e-9)

	sigs = re.EvaluateEntries(results("a", true, 1.0, "b", true, 1.0, "c", true, 1.0, "d", false, 1.0, "e", false, 1.0), now)
	assert.Empty(t, sigs, "OR group needs two passes")

	cfg.EntryRules[0].Logic = LogicOr
	re = NewRuleEngine(cfg)
	sigs = re.EvaluateEntries(results("a", true, 1.0, "b", true, 1.0, "c", true, 1.0, "d", false, 1.0, "e", false, 1.0), now)
	require.Len(t, sigs, 1)
	assert.InDelta(t, 60.0, sigs[0].Confidence, 1e-9)
}

func TestRulePriorityOneSignalPerSide(t *testing.T) {
	cfg := Config{EntryRules: []Rule{
		{ID: "late", Side: SideLong, Priority: 5, Logic: LogicAnd, Groups: []Group{{Conditions: []string{"a"}, Logic: LogicAnd}}},
		{ID: "early", Side: SideLong, Priority: 1, Logic: LogicAnd, Groups: []Group{{Conditions: []string{"a"}, Logic: LogicAnd}}},
		{ID: "short", Side: SideShort, Priority: 2, Logic: LogicAnd, Groups: []Group{{Conditions: []string{"b"}, Logic: LogicAnd}}},
	}}
	sigs := NewRuleEngine(cfg).EvaluateEntries(results("a", true, 1.0, "b", true, 1.0), time.Now())
	require.Len(t, sigs, 2)
	assert.Equal(t, "early", sigs[0].RuleID)
	assert.Equal(t, "short", sigs[1].RuleID)
}

func TestResolveEntry(t *testing.T) {
	long := Signal{RuleID: "l", Action: ActionLong, Confidence: 80}
	short := Signal{RuleID: "s", Action: ActionShort, Confidence: 60}

	got, ok := ResolveEntry([]Signal{long, short})
	require.True(t, ok)
	assert.Equal(t, "l", got.RuleID)

	short.Confidence = 80
	_, ok = ResolveEntry([]Signal{long, short})
	assert.False(t, ok, "tie emits nothing")
}

func TestExitRuleMatchesHeldSide(t *testing.T) {
	cfg := Config{ExitRules: []Rule{
		{ID: "exit_short", Side: SideShort, Logic: LogicAnd, Groups: []Group{{Conditions: []string{"a"}, Logic: LogicAnd}}},
		{ID: "exit_any", Side: SideAny, Priority: 1, Logic: LogicAnd, Groups: []Group{{Conditions: []string{"b"}, Logic: LogicAnd}}},
	}}
	re := NewRuleEngine(cfg)
	res := results("a", true, 1.0, "b", false, 1.0)

	_, ok := re.EvaluateExit(res, SideLong, time.Now())
	assert.False(t, ok)
	sig, ok := re.EvaluateExit(res, SideShort, time.Now())
	require.True(t, ok)
	assert.Equal(t, ActionClose, sig.Action)
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	require.NoError(t, Validate(testConfig()))

	cfg := testConfig()
	cfg.Conditions[1].Operator = "approximately"
	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Contains(t, err.Error(), "unknown operator")

	cfg = testConfig()
	cfg.Conditions[0].Compare.Kind = "fibonacci"
	assert.ErrorContains(t, Validate(cfg), "unknown compare kind")

	cfg = testConfig()
	cfg.EntryRules[0].Groups[0].Logic = "XOR"
	assert.ErrorContains(t, Validate(cfg), "unknown logic")

	cfg = testConfig()
	cfg.Symbol = "BTC/USDT"
	assert.ErrorContains(t, Validate(cfg), "invalid symbol")

	cfg = testConfig()
	cfg.EntryRules[0].Groups[0].Conditions = []string{"ghost"}
	assert.ErrorContains(t, Validate(cfg), "unknown condition")
}

func TestCadenceInterval(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 60*time.Second, cfg.Interval())
	cfg.Cadence = CadenceAggressive
	assert.Equal(t, 30*time.Second, cfg.Interval())
	cfg.Cadence = CadenceConservative
	assert.Equal(t, 300*time.Second, cfg.Interval())
	cfg.IntervalSeconds = 7
	assert.Equal(t, 7*time.Second, cfg.Interval())
}

const sampleYAML = `
strategies:
  - id: eth-momentum
    symbol: ethusdt
    timeframe: 15m
    cadence: aggressive
    indicators:
      - {id: ema_fast, type: ema, params: {period: 20}}
      - {id: ema_slow, type: ema, params: {period: 50}}
    conditions:
      - id: cross
        source: {kind: indicator, ref: ema_fast}
        operator: crosses_above
        compare: {kind: indicator, ref: ema_slow}
    entryRules:
      - id: go-long
        side: long
        groups:
          - conditions: [cross]
    risk:
      sizing: {method: fixed_percentage, percent: 5}
      minNotional: 10
    advisor:
      enabled: true
`

type memStore struct {
	saved map[string]string
}

func (m *memStore) UpsertBotConfig(_ context.Context, accountID, botID, _, _, configJSON string, _ bool) (int, error) {
	m.saved[accountID+"/"+botID] = configJSON
	return 1, nil
}

func TestLoadConfigAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	cfg := cfgs[0]
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 30*time.Second, cfg.Interval())
	assert.Equal(t, 5.0, cfg.Risk.Sizing.Percent)
	assert.Equal(t, 75.0, cfg.Advisor.MinConfidenceOverride)
	assert.Equal(t, LogicAnd, cfg.EntryRules[0].Logic)

	store := &memStore{saved: map[string]string{}}
	require.NoError(t, SyncConfigToDB(context.Background(), store, "acct", cfgs))
	raw, ok := store.saved["acct/eth-momentum"]
	require.True(t, ok)

	back, err := ParseJSON([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, cfg.Symbol, back.Symbol)
	assert.Len(t, back.Conditions, 1)
}

func TestLoadConfig_BundledExamples(t *testing.T) {
	cfgs, err := LoadConfig(filepath.Join("..", "..", "examples", "strategies.yaml"))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "BTCUSDT", cfgs[0].Symbol)
	assert.True(t, cfgs[0].AutoStart)
	assert.Equal(t, 5*time.Minute, cfgs[1].Interval())
	assert.True(t, cfgs[1].Advisor.Enabled)
}
