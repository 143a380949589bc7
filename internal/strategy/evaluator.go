package strategy

import (
	"fmt"
	"math"

	"bot-core/internal/indicators"
)

const defaultLookback = 3

// operand is a resolved left/right pair at one point in history.
type operand struct {
	src, cmp float64
}

type opFunc func(e *Evaluator, c Condition, hist []Snapshot) ConditionResult

// Evaluator evaluates conditions against the snapshot history of a bot.
// It holds no per-run state; history is passed in by the caller.
type Evaluator struct {
	atrID string // fallback ATR indicator for atr compares
	ops   map[string]opFunc
}

// NewEvaluator builds an evaluator for one config.
func NewEvaluator(cfg Config) *Evaluator {
	e := &Evaluator{}
	for _, s := range cfg.Indicators {
		if s.Type == indicators.TypeATR {
			e.atrID = s.ID
			break
		}
	}
	e.ops = map[string]opFunc{
		OpGreaterThan:  compareOp(">", func(s, c float64) bool { return s > c }),
		OpLessThan:     compareOp("<", func(s, c float64) bool { return s < c }),
		OpEquals:       equalsOp,
		OpCrossesAbove: crossOp(true),
		OpCrossesBelow: crossOp(false),
		OpBetween:      betweenOp,
		OpIncreasing:   monotonicOp(true),
		OpDecreasing:   monotonicOp(false),
	}
	return e
}

// KnownOperator reports whether op is supported.
func KnownOperator(op string) bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpEquals, OpCrossesAbove, OpCrossesBelow,
		OpBetween, OpIncreasing, OpDecreasing:
		return true
	}
	return false
}

// Evaluate runs one condition. hist is ordered oldest first; its last element is the current cycle.
func (e *Evaluator) Evaluate(c Condition, hist []Snapshot) ConditionResult {
	res := ConditionResult{ID: c.ID, Weight: c.EffectiveWeight()}
	if len(hist) == 0 {
		res.Reason = "no data"
		return res
	}
	op, ok := e.ops[c.Operator]
	if !ok {
		// rejected at load time; kept as a guard
		res.Reason = fmt.Sprintf("unknown operator %q", c.Operator)
		return res
	}
	out := op(e, c, hist)
	out.ID, out.Weight = c.ID, res.Weight
	return out
}

// EvaluateAll runs every enabled condition of cfg.
func (e *Evaluator) EvaluateAll(cfg Config, hist []Snapshot) map[string]ConditionResult {
	out := make(map[string]ConditionResult, len(cfg.Conditions))
	for _, c := range cfg.Conditions {
		if !c.IsEnabled() {
			continue
		}
		out[c.ID] = e.Evaluate(c, hist)
	}
	return out
}

// at resolves source and compare at history index i.
func (e *Evaluator) at(c Condition, hist []Snapshot, i int) (operand, string) {
	src, why := sourceValue(c.Source, hist[i])
	if why != "" {
		return operand{}, why
	}
	cmp, why := e.compareValue(c, hist, i)
	if why != "" {
		return operand{}, why
	}
	return operand{src: src, cmp: cmp}, ""
}

func sourceValue(s Source, snap Snapshot) (float64, string) {
	switch s.Kind {
	case SourceIndicator:
		v, ok := snap.Indicators[s.Ref]
		if !ok {
			return 0, fmt.Sprintf("indicator %s missing", s.Ref)
		}
		return v, ""
	case SourcePrice:
		c := snap.Candle
		switch s.Ref {
		case "open":
			return c.Open, ""
		case "high":
			return c.High, ""
		case "low":
			return c.Low, ""
		case "typical":
			return (c.High + c.Low + c.Close) / 3, ""
		default:
			return c.Close, ""
		}
	case SourceVolume:
		return snap.Candle.Volume, ""
	case SourceOrderBook:
		if snap.Book == nil {
			return 0, "source unavailable"
		}
		if s.Ref == "spread_pct" {
			return snap.Book.SpreadPct, ""
		}
		return snap.Book.Imbalance, ""
	case SourceFunding:
		if snap.Funding == nil {
			return 0, "source unavailable"
		}
		return *snap.Funding, ""
	}
	return 0, fmt.Sprintf("unknown source %q", s.Kind)
}

func (e *Evaluator) compareValue(c Condition, hist []Snapshot, i int) (float64, string) {
	cmp := c.Compare
	snap := hist[i]
	switch cmp.Kind {
	case CompareLiteral, "":
		return cmp.Value, ""
	case CompareIndicator:
		v, ok := snap.Indicators[cmp.Ref]
		if !ok {
			return 0, fmt.Sprintf("indicator %s missing", cmp.Ref)
		}
		return v, ""
	case ComparePercent:
		var base float64
		if cmp.Ref != "" {
			v, ok := snap.Indicators[cmp.Ref]
			if !ok {
				return 0, fmt.Sprintf("indicator %s missing", cmp.Ref)
			}
			base = v
		} else {
			if i == 0 {
				return 0, "no previous value"
			}
			v, why := sourceValue(c.Source, hist[i-1])
			if why != "" {
				return 0, why
			}
			base = v
		}
		return base * (1 + cmp.Value/100), ""
	case CompareATR:
		base := 0.0
		if cmp.Ref != "" {
			v, ok := snap.Indicators[cmp.Ref]
			if !ok {
				return 0, fmt.Sprintf("indicator %s missing", cmp.Ref)
			}
			base = v
		}
		atrID := cmp.ATRRef
		if atrID == "" {
			atrID = e.atrID
		}
		atr, ok := snap.Indicators[atrID]
		if !ok {
			return 0, "no atr indicator"
		}
		return base + cmp.Value*atr, ""
	}
	return 0, fmt.Sprintf("unknown compare kind %q", cmp.Kind)
}

func compareOp(sym string, pass func(s, c float64) bool) opFunc {
	return func(e *Evaluator, c Condition, hist []Snapshot) ConditionResult {
		cur, why := e.at(c, hist, len(hist)-1)
		if why != "" {
			return ConditionResult{Reason: why}
		}
		ok := pass(cur.src, cur.cmp)
		return ConditionResult{
			Passed:  ok,
			Value:   cur.src,
			Compare: cur.cmp,
			Reason:  describe(c, cur, sym, ok),
		}
	}
}

func equalsOp(e *Evaluator, c Condition, hist []Snapshot) ConditionResult {
	cur, why := e.at(c, hist, len(hist)-1)
	if why != "" {
		return ConditionResult{Reason: why}
	}
	eps := c.Epsilon
	if eps <= 0 {
		eps = 1e-9 * math.Max(1, math.Abs(cur.cmp))
	}
	ok := math.Abs(cur.src-cur.cmp) <= eps
	return ConditionResult{Passed: ok, Value: cur.src, Compare: cur.cmp, Reason: describe(c, cur, "==", ok)}
}

// crossOp fires only on the cycle where the order of source and compare flips.
func crossOp(above bool) opFunc {
	return func(e *Evaluator, c Condition, hist []Snapshot) ConditionResult {
		n := len(hist)
		cur, why := e.at(c, hist, n-1)
		if why != "" {
			return ConditionResult{Reason: why}
		}
		if n < 2 {
			return ConditionResult{Value: cur.src, Compare: cur.cmp, Reason: "no previous value"}
		}
		prev, why := e.at(c, hist, n-2)
		if why != "" {
			return ConditionResult{Value: cur.src, Compare: cur.cmp, Reason: "previous " + why}
		}
		var ok bool
		sym := "crossed above"
		if above {
			ok = prev.src <= prev.cmp && cur.src > cur.cmp
		} else {
			sym = "crossed below"
			ok = prev.src >= prev.cmp && cur.src < cur.cmp
		}
		reason := fmt.Sprintf("%s %.6g %s %.6g (prev %.6g vs %.6g)", label(c), cur.src, sym, cur.cmp, prev.src, prev.cmp)
		if !ok {
			reason = "no cross: " + reason
		}
		return ConditionResult{Passed: ok, Value: cur.src, Compare: cur.cmp, Reason: reason}
	}
}

func betweenOp(e *Evaluator, c Condition, hist []Snapshot) ConditionResult {
	cur, why := e.at(c, hist, len(hist)-1)
	if why != "" {
		return ConditionResult{Reason: why}
	}
	lo, hi := cur.cmp, c.Compare.Upper
	ok := cur.src >= lo && cur.src <= hi
	reason := fmt.Sprintf("%s %.6g in [%.6g, %.6g]", label(c), cur.src, lo, hi)
	if !ok {
		reason = fmt.Sprintf("%s %.6g outside [%.6g, %.6g]", label(c), cur.src, lo, hi)
	}
	return ConditionResult{Passed: ok, Value: cur.src, Compare: lo, Reason: reason}
}

// monotonicOp is strict over the last lookback source values.
func monotonicOp(up bool) opFunc {
	return func(e *Evaluator, c Condition, hist []Snapshot) ConditionResult {
		lookback := c.Lookback
		if lookback < 2 {
			lookback = defaultLookback
		}
		if len(hist) < lookback {
			return ConditionResult{Reason: fmt.Sprintf("need %d values, have %d", lookback, len(hist))}
		}
		window := hist[len(hist)-lookback:]
		vals := make([]float64, len(window))
		for i, s := range window {
			v, why := sourceValue(c.Source, s)
			if why != "" {
				return ConditionResult{Reason: why}
			}
			vals[i] = v
		}
		ok := true
		for i := 1; i < len(vals); i++ {
			if (up && vals[i] <= vals[i-1]) || (!up && vals[i] >= vals[i-1]) {
				ok = false
				break
			}
		}
		dir := "increasing"
		if !up {
			dir = "decreasing"
		}
		reason := fmt.Sprintf("%s %s over %d values", label(c), dir, lookback)
		if !ok {
			reason = fmt.Sprintf("%s not %s over %d values", label(c), dir, lookback)
		}
		last := vals[len(vals)-1]
		return ConditionResult{Passed: ok, Value: last, Compare: vals[0], Reason: reason}
	}
}

func label(c Condition) string {
	if c.Source.Ref != "" {
		return c.Source.Ref
	}
	return c.Source.Kind
}

func describe(c Condition, v operand, sym string, ok bool) string {
	verdict := "true"
	if !ok {
		verdict = "false"
	}
	return fmt.Sprintf("%s %.6g %s %.6g: %s", label(c), v.src, sym, v.cmp, verdict)
}
