package rewrite

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// Rule is a single compiled rewrite. Capture groups in the pattern may be
// referenced from the replacement as $1 or ${name}.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Rules is an ordered rewrite list. Each rule's output feeds the next
// rule's input.
type Rules []Rule

// RulePair is the config-file form of a rule, prior to compilation.
type RulePair struct {
	InputPattern  string `mapstructure:"input_pattern"`
	OutputPattern string `mapstructure:"output_pattern"`
}

type rulesFile struct {
	Rewrites []RulePair `mapstructure:"rewrites"`
}

// Compile turns config pairs into rules, failing on the first pattern that
// does not compile.
func Compile(pairs []RulePair) (Rules, error) {
	rules := make(Rules, 0, len(pairs))
	for i, pair := range pairs {
		re, err := regexp.Compile(pair.InputPattern)
		if err != nil {
			return nil, fmt.Errorf("rewrite rule %d: compile %q: %w", i, pair.InputPattern, err)
		}
		rules = append(rules, Rule{Pattern: re, Replacement: pair.OutputPattern})
	}
	return rules, nil
}

// Load reads a rewrite-rules JSON file of the form
// {"rewrites": [{"input_pattern": "...", "output_pattern": "..."}, ...]}
// and compiles it. Rules apply in array order.
func Load(path string) (Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rewrite rules %s: %w", path, err)
	}

	var cfg rulesFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse rewrite rules %s: %w", path, err)
	}
	return Compile(cfg.Rewrites)
}

// Apply runs every rule in order against the SQL text and returns the
// result. Rewriting is pure; the input is never mutated.
func (rules Rules) Apply(sql string) string {
	for _, rule := range rules {
		sql = rule.Pattern.ReplaceAllString(sql, rule.Replacement)
	}
	return sql
}

// Prepend returns a rule list that applies head before rules.
func (rules Rules) Prepend(head Rules) Rules {
	merged := make(Rules, 0, len(head)+len(rules))
	merged = append(merged, head...)
	merged = append(merged, rules...)
	return merged
}
