package strategy

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

// RuleEngine combines condition results into entry and exit signals.
type RuleEngine struct {
	entries []Rule
	exits   []Rule
}

// NewRuleEngine orders the rules of cfg by ascending priority, keeping file order on ties.
func NewRuleEngine(cfg Config) *RuleEngine {
	return &RuleEngine{entries: byPriority(cfg.EntryRules), exits: byPriority(cfg.ExitRules)}
}

func byPriority(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsEnabled() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// EvaluateEntries returns at most one signal per side: the first satisfied rule of each side.
func (re *RuleEngine) EvaluateEntries(results map[string]ConditionResult, now time.Time) []Signal {
	var out []Signal
	seen := map[string]bool{}
	for _, r := range re.entries {
		if seen[r.Side] {
			continue
		}
		if sig, ok := evaluateRule(r, results, now); ok {
			sig.Action = r.Side
			out = append(out, sig)
			seen[r.Side] = true
		}
	}
	return out
}

// EvaluateExit returns a close signal from the first satisfied exit rule for the held side.
func (re *RuleEngine) EvaluateExit(results map[string]ConditionResult, held string, now time.Time) (Signal, bool) {
	for _, r := range re.exits {
		if r.Side != SideAny && r.Side != held {
			continue
		}
		if sig, ok := evaluateRule(r, results, now); ok {
			sig.Action = ActionClose
			return sig, true
		}
	}
	return Signal{}, false
}

// ResolveEntry picks one entry from the per-side signals. A long and a short
// with equal confidence cancel out.
func ResolveEntry(signals []Signal) (Signal, bool) {
	switch len(signals) {
	case 0:
		return Signal{}, false
	case 1:
		return signals[0], true
	}
	a, b := signals[0], signals[1]
	switch {
	case a.Confidence > b.Confidence:
		return a, true
	case b.Confidence > a.Confidence:
		return b, true
	}
	log.Printf("[RULES] conflicting signals: %s and %s at %.1f confidence", a.RuleID, b.RuleID, a.Confidence)
	return Signal{}, false
}

// evaluateRule applies group logic then rule logic. Confidence is the passed
// weight over the weight of every evaluated condition of the rule.
func evaluateRule(r Rule, results map[string]ConditionResult, now time.Time) (Signal, bool) {
	var (
		passedW, totalW float64
		reasons         []string
		counted         = map[string]bool{}
		groupsPassed    int
	)
	for _, g := range r.Groups {
		present, passed := 0, 0
		for _, id := range g.Conditions {
			res, ok := results[id]
			if !ok {
				continue
			}
			present++
			if !counted[id] {
				counted[id] = true
				totalW += res.Weight
				if res.Passed {
					passedW += res.Weight
				}
			}
			if res.Passed {
				passed++
				reasons = append(reasons, res.Reason)
			}
		}
		if groupSatisfied(g, present, passed) {
			groupsPassed++
		}
	}

	ok := false
	if len(r.Groups) > 0 {
		if r.Logic == LogicOr {
			ok = groupsPassed > 0
		} else {
			ok = groupsPassed == len(r.Groups)
		}
	}
	if !ok {
		return Signal{}, false
	}

	conf := 0.0
	if totalW > 0 {
		conf = math.Max(0, math.Min(100, passedW/totalW*100))
	}
	return Signal{
		RuleID:     r.ID,
		Confidence: conf,
		Reasons:    reasons,
		Time:       now,
	}, true
}

func groupSatisfied(g Group, present, passed int) bool {
	if present == 0 {
		return false
	}
	if g.Logic == LogicOr {
		need := g.MinConditionsMet
		if need < 1 {
			need = 1
		}
		return passed >= need
	}
	return passed == present
}

// Describe renders a one-line summary of a signal for logs.
func (s Signal) Describe() string {
	return fmt.Sprintf("%s via %s (confidence %.1f)", s.Action, s.RuleID, s.Confidence)
}
