package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"bot-core/internal/errs"
	"bot-core/internal/indicators"
	exchange "bot-core/pkg/exchanges/common"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,24}$`)

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads, normalizes and validates strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "LoadConfig", err)
	}

	for i := range file.Strategies {
		file.Strategies[i].Normalize()
		if err := Validate(file.Strategies[i]); err != nil {
			return nil, err
		}
	}
	return file.Strategies, nil
}

// ParseJSON decodes a config posted through the API.
func ParseJSON(data []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindConfig, "ParseJSON", err)
	}
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills safe defaults for missing optional fields.
func (c *Config) Normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Timeframe == "" {
		c.Timeframe = "5m"
	}
	if c.Cadence == "" {
		c.Cadence = CadenceModerate
	}
	for i := range c.Conditions {
		cond := &c.Conditions[i]
		if cond.Compare.Kind == "" {
			cond.Compare.Kind = CompareLiteral
		}
		if cond.Source.Kind == SourcePrice && cond.Source.Ref == "" {
			cond.Source.Ref = "close"
		}
	}
	normalizeRules(c.EntryRules)
	normalizeRules(c.ExitRules)
	c.Risk.Normalize()
	if c.Advisor.Enabled && c.Advisor.MinConfidenceOverride == 0 {
		c.Advisor.MinConfidenceOverride = 75
	}
}

func normalizeRules(rules []Rule) {
	for i := range rules {
		rules[i].Logic = strings.ToUpper(rules[i].Logic)
		if rules[i].Logic == "" {
			rules[i].Logic = LogicAnd
		}
		for j := range rules[i].Groups {
			g := &rules[i].Groups[j]
			g.Logic = strings.ToUpper(g.Logic)
			if g.Logic == "" {
				g.Logic = LogicAnd
			}
		}
	}
}

// Validate rejects configs the runtime cannot interpret. Unknown enum values
// are errors here rather than silent false results at evaluation time.
func Validate(c Config) error {
	fail := func(format string, args ...any) error {
		return errs.Config("Validate "+c.ID, format, args...)
	}
	if c.ID == "" {
		return fail("missing id")
	}
	if !symbolPattern.MatchString(c.Symbol) {
		return fail("invalid symbol %q", c.Symbol)
	}
	for _, tf := range c.Timeframes() {
		if !exchange.ValidTimeframe(tf) {
			return fail("unsupported timeframe %q", tf)
		}
	}
	if _, ok := cadenceIntervals[c.Cadence]; !ok {
		return fail("unknown cadence %q", c.Cadence)
	}
	if c.IntervalSeconds < 0 {
		return fail("negative intervalSeconds")
	}

	if err := indicators.NewEngine().Validate(c.Indicators); err != nil {
		return fail("%v", err)
	}
	specs := make(map[string]indicators.Spec, len(c.Indicators))
	for _, s := range c.Indicators {
		if s.Timeframe != "" && !contains(c.Timeframes(), s.Timeframe) {
			return fail("indicator %s uses timeframe %q not listed by the strategy", s.ID, s.Timeframe)
		}
		specs[s.ID] = s
	}

	conds := make(map[string]bool, len(c.Conditions))
	for _, cond := range c.Conditions {
		if cond.ID == "" {
			return fail("condition without id")
		}
		if conds[cond.ID] {
			return fail("duplicate condition id %q", cond.ID)
		}
		conds[cond.ID] = true
		if err := validateCondition(cond, specs); err != nil {
			return fail("condition %s: %v", cond.ID, err)
		}
	}

	if len(c.EntryRules) == 0 {
		return fail("no entry rules")
	}
	for _, r := range c.EntryRules {
		if r.Side != SideLong && r.Side != SideShort {
			return fail("entry rule %s: unknown side %q", r.ID, r.Side)
		}
		if err := validateRule(r, conds); err != nil {
			return fail("entry rule %s: %v", r.ID, err)
		}
	}
	for _, r := range c.ExitRules {
		if r.Side != SideLong && r.Side != SideShort && r.Side != SideAny {
			return fail("exit rule %s: unknown side %q", r.ID, r.Side)
		}
		if err := validateRule(r, conds); err != nil {
			return fail("exit rule %s: %v", r.ID, err)
		}
	}

	if err := c.Risk.Validate(); err != nil {
		return fail("risk: %v", err)
	}
	if c.Advisor.MinConfidenceOverride < 0 || c.Advisor.MinConfidenceOverride > 100 {
		return fail("advisor minConfidenceOverride out of range [0,100]")
	}
	return nil
}

func validateCondition(c Condition, specs map[string]indicators.Spec) error {
	switch c.Source.Kind {
	case SourceIndicator:
		if _, ok := specs[c.Source.Ref]; !ok {
			return fmt.Errorf("unknown indicator %q", c.Source.Ref)
		}
	case SourcePrice:
		switch c.Source.Ref {
		case "open", "high", "low", "close", "typical":
		default:
			return fmt.Errorf("unknown price field %q", c.Source.Ref)
		}
	case SourceOrderBook:
		switch c.Source.Ref {
		case "", "imbalance", "spread_pct":
		default:
			return fmt.Errorf("unknown order-book metric %q", c.Source.Ref)
		}
	case SourceVolume, SourceFunding:
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	if !KnownOperator(c.Operator) {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}

	switch c.Compare.Kind {
	case CompareLiteral:
	case CompareIndicator:
		if _, ok := specs[c.Compare.Ref]; !ok {
			return fmt.Errorf("unknown compare indicator %q", c.Compare.Ref)
		}
	case ComparePercent:
		if c.Compare.Ref != "" {
			if _, ok := specs[c.Compare.Ref]; !ok {
				return fmt.Errorf("unknown compare indicator %q", c.Compare.Ref)
			}
		}
	case CompareATR:
		if c.Compare.Ref != "" {
			if _, ok := specs[c.Compare.Ref]; !ok {
				return fmt.Errorf("unknown compare indicator %q", c.Compare.Ref)
			}
		}
		if c.Compare.ATRRef != "" {
			s, ok := specs[c.Compare.ATRRef]
			if !ok || s.Type != indicators.TypeATR {
				return fmt.Errorf("atrRef %q is not an atr indicator", c.Compare.ATRRef)
			}
		} else if !hasType(specs, indicators.TypeATR) {
			return fmt.Errorf("atr compare needs an atr indicator")
		}
	default:
		return fmt.Errorf("unknown compare kind %q", c.Compare.Kind)
	}

	if c.Operator == OpBetween && c.Compare.Upper < c.Compare.Value && c.Compare.Kind == CompareLiteral {
		return fmt.Errorf("between upper %.6g below lower %.6g", c.Compare.Upper, c.Compare.Value)
	}
	if c.Lookback < 0 || c.Epsilon < 0 || c.Weight < 0 {
		return fmt.Errorf("negative lookback, epsilon or weight")
	}
	return nil
}

func validateRule(r Rule, conds map[string]bool) error {
	if r.ID == "" {
		return fmt.Errorf("missing id")
	}
	if r.Logic != LogicAnd && r.Logic != LogicOr {
		return fmt.Errorf("unknown rule logic %q", r.Logic)
	}
	if len(r.Groups) == 0 {
		return fmt.Errorf("no condition groups")
	}
	for i, g := range r.Groups {
		if g.Logic != LogicAnd && g.Logic != LogicOr {
			return fmt.Errorf("group %d: unknown logic %q", i, g.Logic)
		}
		if len(g.Conditions) == 0 {
			return fmt.Errorf("group %d: no conditions", i)
		}
		if g.MinConditionsMet > len(g.Conditions) {
			return fmt.Errorf("group %d: minConditionsMet %d exceeds %d conditions", i, g.MinConditionsMet, len(g.Conditions))
		}
		for _, id := range g.Conditions {
			if !conds[id] {
				return fmt.Errorf("group %d: unknown condition %q", i, id)
			}
		}
	}
	return nil
}

func hasType(specs map[string]indicators.Spec, typ string) bool {
	for _, s := range specs {
		if s.Type == typ {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ConfigStore persists strategy configs as bots of an account.
type ConfigStore interface {
	UpsertBotConfig(ctx context.Context, accountID, botID, name, symbol, configJSON string, autoStart bool) (int, error)
}

// SyncConfigToDB upserts strategies from a file into the store. A changed
// config becomes a new version; running bots pick it up on restart.
func SyncConfigToDB(ctx context.Context, store ConfigStore, accountID string, configs []Config) error {
	for _, cfg := range configs {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal strategy %s: %w", cfg.ID, err)
		}
		if _, err := store.UpsertBotConfig(ctx, accountID, cfg.ID, cfg.Name, cfg.Symbol, string(raw), cfg.AutoStart); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", cfg.ID, err)
		}
	}
	return nil
}
