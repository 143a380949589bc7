package strategy

import (
	"time"

	"bot-core/internal/indicators"
	"bot-core/internal/risk"
	exchange "bot-core/pkg/exchanges/common"
)

// Cadence tiers.
const (
	CadenceAggressive   = "aggressive"
	CadenceModerate     = "moderate"
	CadenceConservative = "conservative"
)

var cadenceIntervals = map[string]time.Duration{
	CadenceAggressive:   30 * time.Second,
	CadenceModerate:     60 * time.Second,
	CadenceConservative: 300 * time.Second,
}

// Source kinds.
const (
	SourceIndicator = "indicator"
	SourcePrice     = "price"
	SourceVolume    = "volume"
	SourceOrderBook = "orderbook"
	SourceFunding   = "funding"
)

// Operators.
const (
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpEquals       = "equals"
	OpCrossesAbove = "crosses_above"
	OpCrossesBelow = "crosses_below"
	OpBetween      = "between"
	OpIncreasing   = "increasing"
	OpDecreasing   = "decreasing"
)

// Compare kinds.
const (
	CompareLiteral   = "literal"
	CompareIndicator = "indicator"
	ComparePercent   = "percent"
	CompareATR       = "atr"
)

// Logic values for groups and rules.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Rule sides. Exit rules may use SideAny.
const (
	SideLong  = "long"
	SideShort = "short"
	SideAny   = "any"
)

// Signal actions.
const (
	ActionLong  = "long"
	ActionShort = "short"
	ActionClose = "close"
)

// Config is one strategy definition. It is immutable for the lifetime of a run;
// edits produce a new Version applied on the next start.
type Config struct {
	ID                   string            `yaml:"id" json:"id"`
	Name                 string            `yaml:"name" json:"name"`
	Symbol               string            `yaml:"symbol" json:"symbol"`
	Timeframe            string            `yaml:"timeframe" json:"timeframe"`
	AdditionalTimeframes []string          `yaml:"additionalTimeframes,omitempty" json:"additionalTimeframes,omitempty"`
	Cadence              string            `yaml:"cadence" json:"cadence"`
	IntervalSeconds      int               `yaml:"intervalSeconds,omitempty" json:"intervalSeconds,omitempty"`
	HistoryLimit         int               `yaml:"historyLimit,omitempty" json:"historyLimit,omitempty"`
	Indicators           []indicators.Spec `yaml:"indicators" json:"indicators"`
	Conditions           []Condition       `yaml:"conditions" json:"conditions"`
	EntryRules           []Rule            `yaml:"entryRules" json:"entryRules"`
	ExitRules            []Rule            `yaml:"exitRules,omitempty" json:"exitRules,omitempty"`
	Risk                 risk.Config       `yaml:"risk" json:"risk"`
	Advisor              AdvisorConfig     `yaml:"advisor,omitempty" json:"advisor,omitempty"`
	AutoStart            bool              `yaml:"autoStart,omitempty" json:"autoStart,omitempty"`
	Version              int               `yaml:"-" json:"version,omitempty"`
}

// Interval is the analysis period derived from the cadence tier or the explicit override.
func (c Config) Interval() time.Duration {
	if c.IntervalSeconds > 0 {
		return time.Duration(c.IntervalSeconds) * time.Second
	}
	if d, ok := cadenceIntervals[c.Cadence]; ok {
		return d
	}
	return cadenceIntervals[CadenceModerate]
}

// Timeframes returns the primary timeframe followed by the additional ones.
func (c Config) Timeframes() []string {
	out := []string{c.Timeframe}
	for _, tf := range c.AdditionalTimeframes {
		if tf != c.Timeframe {
			out = append(out, tf)
		}
	}
	return out
}

// ConditionByID returns the condition with the given id.
func (c Config) ConditionByID(id string) (Condition, bool) {
	for _, cond := range c.Conditions {
		if cond.ID == id {
			return cond, true
		}
	}
	return Condition{}, false
}

// UsesSource reports whether any enabled condition reads the given source kind.
func (c Config) UsesSource(kind string) bool {
	for _, cond := range c.Conditions {
		if cond.IsEnabled() && cond.Source.Kind == kind {
			return true
		}
	}
	for _, s := range c.Indicators {
		if kind == SourceOrderBook && s.Type == indicators.TypeImbalance {
			return true
		}
	}
	return false
}

// AdvisorConfig controls optional advisor confirmation of entries.
type AdvisorConfig struct {
	Enabled               bool    `yaml:"enabled" json:"enabled"`
	MinConfidenceOverride float64 `yaml:"minConfidenceOverride,omitempty" json:"minConfidenceOverride,omitempty"`
	TimeoutSeconds        float64 `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// Timeout returns the advisor call budget.
func (a AdvisorConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.TimeoutSeconds * float64(time.Second))
}

// Source names where a condition reads its left-hand value.
type Source struct {
	Kind string `yaml:"kind" json:"kind"`
	// Ref is the indicator id, the price field (open|high|low|close|typical) or
	// the order-book metric (imbalance|spread_pct).
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// Compare is the right-hand side of a condition.
type Compare struct {
	Kind   string  `yaml:"kind" json:"kind"`
	Value  float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Ref    string  `yaml:"ref,omitempty" json:"ref,omitempty"`
	Upper  float64 `yaml:"upper,omitempty" json:"upper,omitempty"`
	ATRRef string  `yaml:"atrRef,omitempty" json:"atrRef,omitempty"`
}

// Condition is one atomic test.
type Condition struct {
	ID       string  `yaml:"id" json:"id"`
	Source   Source  `yaml:"source" json:"source"`
	Operator string  `yaml:"operator" json:"operator"`
	Compare  Compare `yaml:"compare" json:"compare"`
	Weight   float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Enabled  *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Lookback int     `yaml:"lookback,omitempty" json:"lookback,omitempty"`
	Epsilon  float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
}

// IsEnabled defaults to true.
func (c Condition) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// EffectiveWeight defaults to 1.
func (c Condition) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Group is a set of condition ids combined with AND or OR-with-minimum.
type Group struct {
	Conditions       []string `yaml:"conditions" json:"conditions"`
	Logic            string   `yaml:"logic" json:"logic"`
	MinConditionsMet int      `yaml:"minConditionsMet,omitempty" json:"minConditionsMet,omitempty"`
}

// Rule combines groups into an entry or exit decision.
type Rule struct {
	ID       string  `yaml:"id" json:"id"`
	Side     string  `yaml:"side" json:"side"`
	Groups   []Group `yaml:"groups" json:"groups"`
	Logic    string  `yaml:"logic" json:"logic"`
	Priority int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled  *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled defaults to true.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Snapshot is the evaluated state of one cycle.
type Snapshot struct {
	Time       time.Time
	Candle     exchange.Candle
	Indicators map[string]float64
	Book       *BookMetrics
	Funding    *float64
}

// BookMetrics are derived from an order-book snapshot.
type BookMetrics struct {
	Imbalance float64
	SpreadPct float64
}

// ConditionResult is the auditable outcome of one condition.
type ConditionResult struct {
	ID      string  `json:"id"`
	Passed  bool    `json:"passed"`
	Reason  string  `json:"reason"`
	Value   float64 `json:"value"`
	Compare float64 `json:"compare"`
	Weight  float64 `json:"weight"`
}

// Signal is a rule outcome.
type Signal struct {
	RuleID     string    `json:"rule_id"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons"`
	Time       time.Time `json:"time"`
}

// PositionSide maps an entry action to a position side.
func (s Signal) PositionSide() exchange.PositionSide {
	if s.Action == ActionShort {
		return exchange.PositionShort
	}
	return exchange.PositionLong
}
