package risk

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	exchange "bot-core/pkg/exchanges/common"
)

// Engine gates candidate entries for one bot. It keeps the equity curve,
// trade statistics, loss streak and daily counters needed by the checks.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time

	equity     float64
	peakEquity float64

	trades  int
	wins    int
	sumWin  float64
	sumLoss float64

	lossStreak    int
	cooldownUntil time.Time

	day         string
	dailyTrades int
	dailyPnL    float64
	dayStartEq  float64

	approvals uint64
	denials   uint64
}

// NewEngine creates an in-memory gate.
func NewEngine(cfg Config) *Engine {
	cfg.Normalize()
	return &Engine{cfg: cfg, now: time.Now}
}

// Config returns a copy of the active config.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the config; accumulated state is kept.
func (e *Engine) SetConfig(cfg Config) {
	cfg.Normalize()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// UpdateEquity feeds the latest account equity into the drawdown tracker.
func (e *Engine) UpdateEquity(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDay()
	e.equity = equity
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	if e.dayStartEq == 0 {
		e.dayStartEq = equity
	}
}

// RecordTrade updates statistics, loss streak and daily counters.
func (e *Engine) RecordTrade(tr TradeResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDay()

	e.trades++
	e.dailyTrades++
	e.dailyPnL += tr.PnL
	if tr.PnL > 0 {
		e.wins++
		e.sumWin += tr.PnL
		e.lossStreak = 0
		return
	}
	e.sumLoss += -tr.PnL
	e.lossStreak++
	limit := e.cfg.Limits.MaxConsecutiveLosses
	if limit > 0 && e.lossStreak >= limit && e.cfg.Limits.CooldownMinutes > 0 {
		at := tr.Time
		if at.IsZero() {
			at = e.now()
		}
		e.cooldownUntil = at.Add(time.Duration(e.cfg.Limits.CooldownMinutes * float64(time.Minute)))
		log.Printf("[RISK] %s: %d consecutive losses, cooling down until %s",
			tr.Symbol, e.lossStreak, e.cooldownUntil.Format(time.RFC3339))
		e.lossStreak = 0
	}
}

// Evaluate runs every check for one candidate entry.
func (e *Engine) Evaluate(in SignalInput) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDay()

	dec := e.evaluate(in)
	if dec.Approved {
		e.approvals++
	} else {
		e.denials++
	}
	return dec
}

func (e *Engine) evaluate(in SignalInput) Decision {
	cfg := e.cfg
	now := e.now()

	if in.Side != exchange.PositionLong && in.Side != exchange.PositionShort {
		return deny("unknown side %q", in.Side)
	}
	if in.Price <= 0 {
		return deny("no price")
	}
	if in.Equity <= 0 {
		return deny("no equity")
	}
	if cfg.Limits.MaxOpenPositions > 0 && in.OpenPositions >= cfg.Limits.MaxOpenPositions {
		return deny("max open positions reached: %d", in.OpenPositions)
	}
	if now.Before(e.cooldownUntil) {
		return deny("cooldown active until %s", e.cooldownUntil.Format(time.RFC3339))
	}
	if cfg.Limits.MaxDailyTrades > 0 && e.dailyTrades >= cfg.Limits.MaxDailyTrades {
		return deny("daily trade limit reached: %d/%d", e.dailyTrades, cfg.Limits.MaxDailyTrades)
	}
	if cfg.Limits.MaxDailyLossPct > 0 && e.dailyPnL < 0 {
		base := e.dayStartEq
		if base <= 0 {
			base = in.Equity
		}
		if lossPct := -e.dailyPnL / base * 100; lossPct >= cfg.Limits.MaxDailyLossPct {
			return deny("daily loss limit reached: %.2f%%", lossPct)
		}
	}

	ddPct := e.drawdownPct(in.Equity)
	if cfg.Limits.MaxDrawdownPct > 0 && ddPct >= cfg.Limits.MaxDrawdownPct {
		return deny("max drawdown reached: %.2f%% >= %.2f%%", ddPct, cfg.Limits.MaxDrawdownPct)
	}

	fraction, reason := e.sizeFraction(in)
	if reason != "" {
		return deny("%s", reason)
	}
	fraction *= drawdownScale(ddPct, cfg.Limits)
	fraction = clamp(fraction, 0, 1)

	stop, err := stopPrice(cfg.StopLoss, in)
	if err != nil {
		return deny("%v", err)
	}
	target := takeProfitPrice(cfg.TakeProfit, in, stop)

	notional := fraction * in.Equity
	qty := exchange.FloorQty(notional/in.Price, cfg.SizeDecimals)
	notional = qty * in.Price
	if qty <= 0 || notional < cfg.MinNotional {
		return deny("notional too low: %.2f < %.2f", notional, cfg.MinNotional)
	}

	return Decision{
		Approved:     true,
		Quantity:     qty,
		Notional:     notional,
		SizeFraction: fraction,
		Leverage:     leverage(cfg.Leverage, in.Volatility),
		StopLoss:     exchange.RoundPrice(stop),
		TakeProfit:   exchange.RoundPrice(target),
	}
}

// sizeFraction returns the share of equity to commit, or a denial reason.
func (e *Engine) sizeFraction(in SignalInput) (float64, string) {
	s := e.cfg.Sizing
	base := s.Percent / 100
	var f float64
	switch s.Method {
	case SizingKelly:
		if e.trades < s.KellyMinTrades || e.sumLoss == 0 || e.wins == 0 {
			f = base
			break
		}
		p := float64(e.wins) / float64(e.trades)
		avgWin := e.sumWin / float64(e.wins)
		avgLoss := e.sumLoss / float64(e.trades-e.wins)
		b := avgWin / avgLoss
		k := p - (1-p)/b
		if k <= 0 {
			return 0, fmt.Sprintf("no statistical edge: kelly %.4f", k)
		}
		f = math.Min(s.KellyFraction*k, s.KellyCapPct/100)
	case SizingVolatilityAdjusted:
		f = base
		if in.Volatility > 0 && s.TargetVolatility > 0 {
			f = base * s.TargetVolatility / in.Volatility
		}
	case SizingRiskParity:
		assets := s.RiskParityAssets
		if assets <= 0 {
			assets = 1
		}
		budget := s.RiskBudgetPct / 100
		if budget <= 0 {
			budget = base
		}
		if in.Volatility <= 0 {
			f = budget / float64(assets)
			break
		}
		f = budget / float64(assets) / in.Volatility
	default:
		f = base
	}
	if s.MinPercent > 0 {
		f = math.Max(f, s.MinPercent/100)
	}
	if s.MaxPercent > 0 {
		f = math.Min(f, s.MaxPercent/100)
	}
	if s.Method == SizingKelly && s.KellyCapPct > 0 {
		f = math.Min(f, s.KellyCapPct/100)
	}
	return f, ""
}

// drawdownScale shrinks size linearly between the soft and hard thresholds.
func drawdownScale(ddPct float64, l LimitsConfig) float64 {
	soft, hard := l.SoftDrawdownPct, l.MaxDrawdownPct
	if soft <= 0 || ddPct <= soft {
		return 1
	}
	if hard <= soft {
		return 1
	}
	return clamp(1-(ddPct-soft)/(hard-soft), 0, 1)
}

func stopPrice(c StopLossConfig, in SignalInput) (float64, error) {
	sign := in.Side.Sign()
	var stop float64
	switch c.Method {
	case StopATR:
		if in.ATR <= 0 {
			// no ATR yet, fall back to the percent distance
			stop = in.Price * (1 - sign*c.Percent/100)
			break
		}
		stop = in.Price - sign*c.ATRMultiplier*in.ATR
	case StopPrice:
		stop = c.Price
	default:
		stop = in.Price * (1 - sign*c.Percent/100)
	}
	if stop <= 0 || (sign > 0 && stop >= in.Price) || (sign < 0 && stop <= in.Price) {
		return 0, fmt.Errorf("invalid stop %.6f for %s entry at %.6f", stop, in.Side, in.Price)
	}
	return stop, nil
}

// ProtectiveLevels derives the stop and target for a position held at price
// from the configured methods. A fixed stop price on the wrong side of price
// falls back to the percent distance.
func ProtectiveLevels(cfg Config, side exchange.PositionSide, price, atr float64) (float64, float64, error) {
	cfg.Normalize()
	in := SignalInput{Side: side, Price: price, ATR: atr}
	stop, err := stopPrice(cfg.StopLoss, in)
	if err != nil && cfg.StopLoss.Method == StopPrice {
		cfg.StopLoss.Method = StopPercent
		stop, err = stopPrice(cfg.StopLoss, in)
	}
	if err != nil {
		return 0, 0, err
	}
	return exchange.RoundPrice(stop), exchange.RoundPrice(takeProfitPrice(cfg.TakeProfit, in, stop)), nil
}

func takeProfitPrice(c TakeProfitConfig, in SignalInput, stop float64) float64 {
	sign := in.Side.Sign()
	switch c.Method {
	case TakeProfitPercent:
		return in.Price * (1 + sign*c.Percent/100)
	case TakeProfitRiskReward:
		return in.Price + sign*c.RiskReward*math.Abs(in.Price-stop)
	default:
		return 0
	}
}

func leverage(c LeverageConfig, volatility float64) float64 {
	lev := math.Min(c.Default, c.Max)
	if c.HighVolatility > 0 && volatility > c.HighVolatility {
		lev *= c.ReduceFactor
	}
	return math.Max(1, lev)
}

func (e *Engine) drawdownPct(equity float64) float64 {
	peak := math.Max(e.peakEquity, equity)
	if peak <= 0 {
		return 0
	}
	return (peak - equity) / peak * 100
}

func (e *Engine) rollDay() {
	today := e.now().UTC().Format("2006-01-02")
	if e.day == today {
		return
	}
	if e.day != "" {
		log.Printf("[RISK] daily counters reset. prev trades=%d pnl=%.2f", e.dailyTrades, e.dailyPnL)
	}
	e.day = today
	e.dailyTrades = 0
	e.dailyPnL = 0
	e.dayStartEq = e.equity
}

// Metrics returns a snapshot of the gate state.
func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := Metrics{
		Equity:            e.equity,
		PeakEquity:        e.peakEquity,
		DrawdownPct:       e.drawdownPct(e.equity),
		Trades:            e.trades,
		Wins:              e.wins,
		ConsecutiveLosses: e.lossStreak,
		CooldownUntil:     e.cooldownUntil,
		DailyTrades:       e.dailyTrades,
		DailyPnL:          e.dailyPnL,
		Approvals:         e.approvals,
		Denials:           e.denials,
	}
	if e.trades > 0 {
		m.WinRate = float64(e.wins) / float64(e.trades)
	}
	return m
}

func deny(format string, args ...any) Decision {
	return Decision{Approved: false, Reason: fmt.Sprintf(format, args...)}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
