package risk

import (
	"fmt"
	"time"

	exchange "bot-core/pkg/exchanges/common"
)

// Sizing methods.
const (
	SizingFixedPercentage    = "fixed_percentage"
	SizingKelly              = "kelly"
	SizingVolatilityAdjusted = "volatility_adjusted"
	SizingRiskParity         = "risk_parity"
)

// Stop-loss methods.
const (
	StopATR     = "atr"
	StopPercent = "percent"
	StopPrice   = "price"
)

// Take-profit methods.
const (
	TakeProfitNone       = "none"
	TakeProfitPercent    = "percent"
	TakeProfitRiskReward = "risk_reward"
)

// All percentages in Config are expressed in percent (2 = 2%).

// SizingConfig selects how much of equity one entry may use.
type SizingConfig struct {
	Method     string  `yaml:"method" json:"method"`
	Percent    float64 `yaml:"percent" json:"percent"`
	MinPercent float64 `yaml:"minPercent,omitempty" json:"minPercent,omitempty"`
	MaxPercent float64 `yaml:"maxPercent,omitempty" json:"maxPercent,omitempty"`

	KellyFraction  float64 `yaml:"kellyFraction,omitempty" json:"kellyFraction,omitempty"`
	KellyCapPct    float64 `yaml:"kellyCapPct,omitempty" json:"kellyCapPct,omitempty"`
	KellyMinTrades int     `yaml:"kellyMinTrades,omitempty" json:"kellyMinTrades,omitempty"`

	// TargetVolatility is the per-candle return stdev the base size is calibrated for.
	TargetVolatility float64 `yaml:"targetVolatility,omitempty" json:"targetVolatility,omitempty"`
	// RiskBudgetPct is split evenly across RiskParityAssets.
	RiskBudgetPct    float64 `yaml:"riskBudgetPct,omitempty" json:"riskBudgetPct,omitempty"`
	RiskParityAssets int     `yaml:"riskParityAssets,omitempty" json:"riskParityAssets,omitempty"`
}

// StopLossConfig describes where the protective stop goes.
type StopLossConfig struct {
	Method        string  `yaml:"method" json:"method"`
	Percent       float64 `yaml:"percent,omitempty" json:"percent,omitempty"`
	ATRMultiplier float64 `yaml:"atrMultiplier,omitempty" json:"atrMultiplier,omitempty"`
	Price         float64 `yaml:"price,omitempty" json:"price,omitempty"`
}

// TakeProfitConfig describes the resting target.
type TakeProfitConfig struct {
	Method     string  `yaml:"method" json:"method"`
	Percent    float64 `yaml:"percent,omitempty" json:"percent,omitempty"`
	RiskReward float64 `yaml:"riskReward,omitempty" json:"riskReward,omitempty"`
}

// TrailingConfig enables the trailing-stop ratchet.
type TrailingConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	TrailPct      float64 `yaml:"trailPct" json:"trailPct"`
	ActivationPct float64 `yaml:"activationPct,omitempty" json:"activationPct,omitempty"`
}

// LeverageConfig caps leverage and reduces it in volatile markets.
type LeverageConfig struct {
	Default float64 `yaml:"default" json:"default"`
	Max     float64 `yaml:"max" json:"max"`
	// HighVolatility is the per-candle return stdev above which leverage is multiplied by ReduceFactor.
	HighVolatility float64 `yaml:"highVolatility,omitempty" json:"highVolatility,omitempty"`
	ReduceFactor   float64 `yaml:"reduceFactor,omitempty" json:"reduceFactor,omitempty"`
}

// LimitsConfig holds protective limits; zero disables a limit.
type LimitsConfig struct {
	MaxOpenPositions     int     `yaml:"maxOpenPositions" json:"maxOpenPositions"`
	MaxDrawdownPct       float64 `yaml:"maxDrawdownPct" json:"maxDrawdownPct"`
	SoftDrawdownPct      float64 `yaml:"softDrawdownPct,omitempty" json:"softDrawdownPct,omitempty"`
	MaxDailyLossPct      float64 `yaml:"maxDailyLossPct,omitempty" json:"maxDailyLossPct,omitempty"`
	MaxDailyTrades       int     `yaml:"maxDailyTrades,omitempty" json:"maxDailyTrades,omitempty"`
	MaxConsecutiveLosses int     `yaml:"maxConsecutiveLosses,omitempty" json:"maxConsecutiveLosses,omitempty"`
	CooldownMinutes      float64 `yaml:"cooldownMinutes,omitempty" json:"cooldownMinutes,omitempty"`
}

// Config is the per-strategy risk configuration.
type Config struct {
	Sizing       SizingConfig     `yaml:"sizing" json:"sizing"`
	StopLoss     StopLossConfig   `yaml:"stopLoss" json:"stopLoss"`
	TakeProfit   TakeProfitConfig `yaml:"takeProfit" json:"takeProfit"`
	Trailing     TrailingConfig   `yaml:"trailing" json:"trailing"`
	Leverage     LeverageConfig   `yaml:"leverage" json:"leverage"`
	Limits       LimitsConfig     `yaml:"limits" json:"limits"`
	MinNotional  float64          `yaml:"minNotional" json:"minNotional"`
	SizeDecimals int              `yaml:"sizeDecimals,omitempty" json:"sizeDecimals,omitempty"`
	FeeRate      float64          `yaml:"feeRate,omitempty" json:"feeRate,omitempty"`
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		Sizing: SizingConfig{
			Method:         SizingFixedPercentage,
			Percent:        2,
			KellyFraction:  0.25,
			KellyCapPct:    10,
			KellyMinTrades: 20,
		},
		StopLoss:   StopLossConfig{Method: StopPercent, Percent: 2, ATRMultiplier: 2},
		TakeProfit: TakeProfitConfig{Method: TakeProfitRiskReward, RiskReward: 2},
		Trailing:   TrailingConfig{TrailPct: 1},
		Leverage:   LeverageConfig{Default: 1, Max: 5, HighVolatility: 0.03, ReduceFactor: 0.5},
		Limits: LimitsConfig{
			MaxOpenPositions:     1,
			MaxDrawdownPct:       20,
			SoftDrawdownPct:      10,
			MaxDailyLossPct:      5,
			MaxDailyTrades:       20,
			MaxConsecutiveLosses: 3,
			CooldownMinutes:      60,
		},
		MinNotional:  5,
		SizeDecimals: exchange.DefaultSizeDecimals,
		FeeRate:      0.00055,
	}
}

// Normalize fills structural fields left empty by a config file.
// Limits stay as given since zero means disabled.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Sizing.Method == "" {
		c.Sizing.Method = def.Sizing.Method
	}
	if c.Sizing.Percent == 0 {
		c.Sizing.Percent = def.Sizing.Percent
	}
	if c.Sizing.KellyFraction == 0 {
		c.Sizing.KellyFraction = def.Sizing.KellyFraction
	}
	if c.Sizing.KellyCapPct == 0 {
		c.Sizing.KellyCapPct = def.Sizing.KellyCapPct
	}
	if c.Sizing.KellyMinTrades == 0 {
		c.Sizing.KellyMinTrades = def.Sizing.KellyMinTrades
	}
	if c.StopLoss.Method == "" {
		c.StopLoss.Method = def.StopLoss.Method
	}
	if c.StopLoss.Percent == 0 {
		c.StopLoss.Percent = def.StopLoss.Percent
	}
	if c.StopLoss.ATRMultiplier == 0 {
		c.StopLoss.ATRMultiplier = def.StopLoss.ATRMultiplier
	}
	if c.TakeProfit.Method == "" {
		c.TakeProfit.Method = def.TakeProfit.Method
	}
	if c.TakeProfit.RiskReward == 0 {
		c.TakeProfit.RiskReward = def.TakeProfit.RiskReward
	}
	if c.Trailing.TrailPct == 0 {
		c.Trailing.TrailPct = def.Trailing.TrailPct
	}
	if c.Leverage.Default == 0 {
		c.Leverage.Default = def.Leverage.Default
	}
	if c.Leverage.Max == 0 {
		c.Leverage.Max = c.Leverage.Default
	}
	if c.Leverage.ReduceFactor == 0 {
		c.Leverage.ReduceFactor = def.Leverage.ReduceFactor
	}
	if c.Limits.MaxOpenPositions == 0 {
		c.Limits.MaxOpenPositions = 1
	}
	if c.SizeDecimals == 0 {
		c.SizeDecimals = def.SizeDecimals
	}
}

// Validate rejects unknown methods and out-of-range values.
func (c Config) Validate() error {
	switch c.Sizing.Method {
	case SizingFixedPercentage, SizingKelly, SizingVolatilityAdjusted, SizingRiskParity:
	default:
		return fmt.Errorf("unknown sizing method %q", c.Sizing.Method)
	}
	switch c.StopLoss.Method {
	case StopATR, StopPercent, StopPrice:
	default:
		return fmt.Errorf("unknown stop-loss method %q", c.StopLoss.Method)
	}
	switch c.TakeProfit.Method {
	case TakeProfitNone, TakeProfitPercent, TakeProfitRiskReward:
	default:
		return fmt.Errorf("unknown take-profit method %q", c.TakeProfit.Method)
	}
	if c.Sizing.Percent < 0 || c.Sizing.Percent > 100 {
		return fmt.Errorf("sizing percent %.2f out of range [0,100]", c.Sizing.Percent)
	}
	if c.StopLoss.Method == StopPrice && c.StopLoss.Price <= 0 {
		return fmt.Errorf("stop-loss method price requires a positive price")
	}
	if c.Trailing.Enabled && (c.Trailing.TrailPct <= 0 || c.Trailing.TrailPct >= 100) {
		return fmt.Errorf("trailing percent %.2f out of range (0,100)", c.Trailing.TrailPct)
	}
	if c.Leverage.Max < c.Leverage.Default {
		return fmt.Errorf("default leverage %.1f exceeds max %.1f", c.Leverage.Default, c.Leverage.Max)
	}
	if c.MinNotional < 0 {
		return fmt.Errorf("min notional must not be negative")
	}
	return nil
}

// SignalInput is a candidate entry presented to the gate.
type SignalInput struct {
	Symbol        string
	Side          exchange.PositionSide
	Price         float64
	Equity        float64
	ATR           float64
	Volatility    float64 // per-candle return stdev
	OpenPositions int
	Confidence    float64
}

// Decision is the gate outcome. A denial is a normal decision, not an error.
type Decision struct {
	Approved     bool    `json:"approved"`
	Reason       string  `json:"reason,omitempty"`
	Quantity     float64 `json:"quantity"`
	Notional     float64 `json:"notional"`
	SizeFraction float64 `json:"size_fraction"`
	Leverage     float64 `json:"leverage"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
}

// TradeResult is a realized round trip fed back into the gate.
type TradeResult struct {
	Symbol string
	PnL    float64 // net of fees
	Fee    float64
	Time   time.Time
}

// Metrics is a snapshot of gate state.
type Metrics struct {
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	Trades            int       `json:"trades"`
	Wins              int       `json:"wins"`
	WinRate           float64   `json:"win_rate"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	DailyTrades       int       `json:"daily_trades"`
	DailyPnL          float64   `json:"daily_pnl"`
	Approvals         uint64    `json:"approvals"`
	Denials           uint64    `json:"denials"`
}
