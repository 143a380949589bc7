package indicators

import (
	"fmt"
	"sort"

	exchange "bot-core/pkg/exchanges/common"
)

// Indicator types understood by the engine.
const (
	TypeSMA         = "sma"
	TypeEMA         = "ema"
	TypeRSI         = "rsi"
	TypeATR         = "atr"
	TypeMACD        = "macd"
	TypeBollinger   = "bollinger"
	TypeStochastic  = "stochastic"
	TypeADX         = "adx"
	TypeZScore      = "zscore"
	TypeVWAP        = "vwap"
	TypeOBV         = "obv"
	TypeVolumeRatio = "volume_ratio"
	TypeImbalance   = "orderbook_imbalance"
)

// Spec configures one indicator instance of a strategy.
type Spec struct {
	ID        string             `yaml:"id" json:"id"`
	Type      string             `yaml:"type" json:"type"`
	Params    map[string]float64 `yaml:"params" json:"params"`
	Output    string             `yaml:"output,omitempty" json:"output,omitempty"` // macd: line|signal|histogram
	Timeframe string             `yaml:"timeframe,omitempty" json:"timeframe,omitempty"`
	Overlay   bool               `yaml:"overlay,omitempty" json:"overlay,omitempty"`
}

// Param returns a numeric parameter or def when it is missing or non-positive.
func (s Spec) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok && v > 0 {
		return v
	}
	return def
}

func (s Spec) period(def int) int {
	return int(s.Param("period", float64(def)))
}

// Input is the data an indicator pass reads from.
type Input struct {
	Primary string                       // primary timeframe
	Candles map[string][]exchange.Candle // by timeframe, oldest first
	Book    *exchange.OrderBook          // nil when no depth is available
}

func (in Input) series(tf string) []exchange.Candle {
	if tf == "" {
		tf = in.Primary
	}
	return in.Candles[tf]
}

// Func computes one indicator value. Implementations must be pure.
type Func func(s Spec, candles []exchange.Candle, book *exchange.OrderBook) float64

type entry struct {
	fn     Func
	warmup func(s Spec) int
}

// Engine dispatches indicator specs to their implementations.
type Engine struct {
	funcs map[string]entry
}

// NewEngine returns an engine with every built-in indicator registered.
func NewEngine() *Engine {
	e := &Engine{funcs: make(map[string]entry)}
	e.Register(TypeSMA, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return SMA(closes(c), s.period(20))
	}, func(s Spec) int { return s.period(20) })
	e.Register(TypeEMA, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return EMA(closes(c), s.period(20))
	}, func(s Spec) int { return s.period(20) })
	e.Register(TypeRSI, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return RSI(closes(c), s.period(14))
	}, func(s Spec) int { return s.period(14) + 1 })
	e.Register(TypeATR, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return ATR(c, s.period(14))
	}, func(s Spec) int { return s.period(14) + 1 })
	e.Register(TypeMACD, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		r := MACD(closes(c), int(s.Param("fast", 12)), int(s.Param("slow", 26)), int(s.Param("signal", 9)))
		switch s.Output {
		case "signal":
			return r.Signal
		case "histogram":
			return r.Histogram
		default:
			return r.MACD
		}
	}, func(s Spec) int { return int(s.Param("slow", 26) + s.Param("signal", 9)) })
	e.Register(TypeBollinger, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return BollingerPosition(closes(c), s.period(20), s.Param("stddev", 2))
	}, func(s Spec) int { return s.period(20) })
	e.Register(TypeStochastic, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return StochasticK(c, s.period(14))
	}, func(s Spec) int { return s.period(14) })
	e.Register(TypeADX, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return ADX(c, s.period(14))
	}, func(s Spec) int { return 2 * s.period(14) })
	e.Register(TypeZScore, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return ZScore(closes(c), s.period(20))
	}, func(s Spec) int { return s.period(20) })
	e.Register(TypeVWAP, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return VWAP(c, int(s.Param("period", 0)))
	}, func(s Spec) int { return 1 })
	e.Register(TypeOBV, func(_ Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return OBV(c)
	}, func(Spec) int { return 2 })
	e.Register(TypeVolumeRatio, func(s Spec, c []exchange.Candle, _ *exchange.OrderBook) float64 {
		return VolumeRatio(c, s.period(20))
	}, func(s Spec) int { return s.period(20) + 1 })
	e.Register(TypeImbalance, func(s Spec, _ []exchange.Candle, b *exchange.OrderBook) float64 {
		return OrderBookImbalance(b, int(s.Param("depth", 10)))
	}, func(Spec) int { return 0 })
	return e
}

// Register adds or replaces an indicator implementation.
func (e *Engine) Register(typ string, fn Func, warmup func(Spec) int) {
	e.funcs[typ] = entry{fn: fn, warmup: warmup}
}

// Supports reports whether typ is a registered indicator type.
func (e *Engine) Supports(typ string) bool {
	_, ok := e.funcs[typ]
	return ok
}

// Types lists registered indicator types in sorted order.
func (e *Engine) Types() []string {
	out := make([]string, 0, len(e.funcs))
	for k := range e.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate rejects specs with unknown types or duplicate ids.
func (e *Engine) Validate(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("indicator of type %q has no id", s.Type)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate indicator id %q", s.ID)
		}
		seen[s.ID] = true
		if !e.Supports(s.Type) {
			return fmt.Errorf("indicator %s: unknown type %q", s.ID, s.Type)
		}
		if s.Type == TypeMACD {
			switch s.Output {
			case "", "line", "signal", "histogram":
			default:
				return fmt.Errorf("indicator %s: unknown macd output %q", s.ID, s.Output)
			}
		}
	}
	return nil
}

// Warmup returns the number of primary candles needed before all specs leave their neutral fallback.
func (e *Engine) Warmup(specs []Spec) int {
	need := 0
	for _, s := range specs {
		ent, ok := e.funcs[s.Type]
		if !ok || ent.warmup == nil {
			continue
		}
		if w := ent.warmup(s); w > need {
			need = w
		}
	}
	return need
}

// Compute evaluates every spec against the input and returns values keyed by indicator id.
// Unknown types are skipped; Validate rejects them at load time.
func (e *Engine) Compute(specs []Spec, in Input) map[string]float64 {
	out := make(map[string]float64, len(specs))
	for _, s := range specs {
		ent, ok := e.funcs[s.Type]
		if !ok {
			continue
		}
		out[s.ID] = ent.fn(s, in.series(s.Timeframe), in.Book)
	}
	return out
}

func closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
