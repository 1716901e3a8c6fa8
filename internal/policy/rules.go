package policy

import (
	"embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed rules/*.yaml
var defaultRulesFS embed.FS

// Category labels for sensitive-data rules. The taxonomy is fixed;
// overlay rules must use one of these values.
type Category string

const (
	CategoryOTPCode        Category = "otp_code"
	CategoryVerification   Category = "verification"
	CategoryRecoveryPhrase Category = "recovery_phrase"
	CategoryPasswordReset  Category = "password_reset"
	CategoryPrivateKey     Category = "private_key"
	CategoryBankAccount    Category = "bank_account"
	CategoryNationalID     Category = "national_id"
	CategoryCardNumber     Category = "card_number"
	CategoryAPICredential  Category = "api_credential"
)

var knownCategories = map[Category]bool{
	CategoryOTPCode:        true,
	CategoryVerification:   true,
	CategoryRecoveryPhrase: true,
	CategoryPasswordReset:  true,
	CategoryPrivateKey:     true,
	CategoryBankAccount:    true,
	CategoryNationalID:     true,
	CategoryCardNumber:     true,
	CategoryAPICredential:  true,
}

// RuleFile is the top-level YAML structure for a sensitive-data rule file.
type RuleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one named rule: a category plus one or more regex patterns.
type RuleConfig struct {
	Name     string          `yaml:"name"`
	Category Category        `yaml:"category"`
	Enabled  *bool           `yaml:"enabled,omitempty"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig is a single regex pattern within a rule.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// isEnabled returns true if the rule is enabled (defaults to true when nil).
func (r *RuleConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// compiledRule is the runtime form of a rule. Priority is the rule's
// position in the merged list; lower wins on overlapping matches.
type compiledRule struct {
	name     string
	category Category
	priority int
	patterns []*regexp.Regexp
}

// DefaultRules parses the embedded default rule set.
func DefaultRules() ([]RuleConfig, error) {
	data, err := defaultRulesFS.ReadFile("rules/default.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded rules: %w", err)
	}
	rf, err := ParseRuleFile(data)
	if err != nil {
		return nil, err
	}
	return rf.Rules, nil
}

// ParseRuleFile parses rule YAML bytes into a RuleFile.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule YAML: %w", err)
	}
	return &rf, nil
}

// LoadRuleFile reads and parses a rule YAML file from disk. Returns nil
// (not an error) if the file does not exist, so callers can treat a
// missing operator overlay as a no-op.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rule file %s: %w", path, err)
	}
	return ParseRuleFile(data)
}

// MergeRules layers overlay rules on top of the defaults. Overlay rules
// replace defaults by matching Name and keep the default's position so
// priority order is stable; new rules are appended.
func MergeRules(layers ...[]RuleConfig) []RuleConfig {
	index := make(map[string]int)
	var merged []RuleConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}

	return merged
}

// CompileRules converts merged rule configs into the compiled form used
// at scan time. Disabled rules are skipped; unknown categories and bad
// regexes are errors so misconfigured overlays fail at startup, not
// silently at request time.
func CompileRules(rules []RuleConfig) ([]compiledRule, error) {
	var compiled []compiledRule

	for _, rc := range rules {
		if !rc.isEnabled() {
			continue
		}
		if !knownCategories[rc.Category] {
			return nil, fmt.Errorf("rule %q: unknown category %q", rc.Name, rc.Category)
		}
		cr := compiledRule{
			name:     rc.Name,
			category: rc.Category,
			priority: len(compiled),
		}
		for _, p := range rc.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in rule %q: %w", p.Name, rc.Name, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		if len(cr.patterns) == 0 {
			return nil, fmt.Errorf("rule %q has no patterns", rc.Name)
		}
		compiled = append(compiled, cr)
	}

	return compiled, nil
}
