// Package policy filters sensitive data out of tool results before they
// reach response synthesis or the language model. One engine instance is
// shared by all surfaces; filtering redacts and records but never fails
// a request.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/policy")

// RedactionToken returns the fixed replacement for a matched span.
func RedactionToken(cat Category) string {
	return "[REDACTED:" + string(cat) + "]"
}

// Violation is one audit entry per sensitive-data match.
type Violation struct {
	Surface   string    `json:"surface"`
	Tool      string    `json:"tool"`
	Category  Category  `json:"category"`
	Rule      string    `json:"rule"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Auditor receives policy violations for durable recording. A nil
// auditor means violations are only logged.
type Auditor interface {
	RecordPolicyViolation(ctx context.Context, v Violation)
}

// Meta identifies the origin of the content being filtered.
type Meta struct {
	Surface string
	Tool    string
	UserID  string
}

// Engine scans arbitrary nested tool results against an ordered rule
// list. Construct once at startup and share across requests.
type Engine struct {
	rules     []compiledRule
	sanitizer *bluemonday.Policy
	auditor   Auditor
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	overlayFile string
	auditor     Auditor
}

// WithOverlayFile layers an operator rule file on top of the embedded
// defaults. A missing file is silently skipped.
func WithOverlayFile(path string) Option {
	return func(c *engineConfig) { c.overlayFile = path }
}

// WithAuditor sets the sink for violation records.
func WithAuditor(a Auditor) Option {
	return func(c *engineConfig) { c.auditor = a }
}

// NewEngine creates a policy engine from the embedded default rules plus
// any configured overlay.
func NewEngine(opts ...Option) (*Engine, error) {
	var cfg engineConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRules()
	if err != nil {
		return nil, fmt.Errorf("loading default rules: %w", err)
	}

	var overlay []RuleConfig
	if cfg.overlayFile != "" {
		rf, err := LoadRuleFile(cfg.overlayFile)
		if err != nil {
			return nil, fmt.Errorf("loading rule overlay: %w", err)
		}
		if rf != nil {
			overlay = rf.Rules
		}
	}

	compiled, err := CompileRules(MergeRules(defaults, overlay))
	if err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}

	return &Engine{
		rules:     compiled,
		sanitizer: bluemonday.StrictPolicy(),
		auditor:   cfg.auditor,
	}, nil
}

// MustNewEngine is like NewEngine but panics on error. The embedded
// defaults are expected to always compile.
func MustNewEngine(opts ...Option) *Engine {
	e, err := NewEngine(opts...)
	if err != nil {
		panic(fmt.Sprintf("policy.NewEngine: %v", err))
	}
	return e
}

// FilterValue deep-walks value (maps, slices, strings), redacts every
// sensitive span, and returns the filtered copy plus the violations
// recorded. Non-string leaves pass through unchanged.
func (e *Engine) FilterValue(ctx context.Context, meta Meta, value interface{}) (interface{}, []Violation) {
	ctx, span := tracer.Start(ctx, "policy.filter")
	defer span.End()

	var violations []Violation
	filtered := e.walk(ctx, meta, value, &violations)

	span.SetAttributes(
		attribute.String("policy.surface", meta.Surface),
		attribute.Int("policy.violation_count", len(violations)),
	)
	return filtered, violations
}

// FilterRecords filters a list of records whose primary content lives in
// primaryField. Records whose primary content is entirely sensitive are
// dropped; the rest are span-redacted in place. Returns the kept records,
// a summary note when anything was dropped ("" otherwise), and all
// violations.
func (e *Engine) FilterRecords(ctx context.Context, meta Meta, records []map[string]interface{}, primaryField string) ([]map[string]interface{}, string, []Violation) {
	ctx, span := tracer.Start(ctx, "policy.filter_records")
	defer span.End()

	var violations []Violation
	kept := make([]map[string]interface{}, 0, len(records))
	dropped := 0

	for _, rec := range records {
		primary, _ := rec[primaryField].(string)
		if primary != "" {
			scrubbed := e.sanitize(primary)
			redacted, matches := e.redact(scrubbed)
			if len(matches) > 0 && fullySensitive(scrubbed, matches) {
				dropped++
				for _, m := range matches {
					violations = append(violations, e.record(ctx, meta, m.rule, m.category))
				}
				continue
			}
			rec[primaryField] = redacted
			for _, m := range matches {
				violations = append(violations, e.record(ctx, meta, m.rule, m.category))
			}
		}

		// Remaining fields get the regular deep walk.
		for k, v := range rec {
			if k == primaryField {
				continue
			}
			rec[k] = e.walk(ctx, meta, v, &violations)
		}
		kept = append(kept, rec)
	}

	note := ""
	if dropped > 0 {
		note = fmt.Sprintf("%d item(s) filtered for %s", dropped, meta.Surface)
	}

	span.SetAttributes(
		attribute.Int("policy.records_dropped", dropped),
		attribute.Int("policy.violation_count", len(violations)),
	)
	return kept, note, violations
}

// walk recursively filters maps, slices, and strings.
func (e *Engine) walk(ctx context.Context, meta Meta, value interface{}, violations *[]Violation) interface{} {
	switch v := value.(type) {
	case string:
		redacted, matches := e.redact(e.sanitize(v))
		for _, m := range matches {
			*violations = append(*violations, e.record(ctx, meta, m.rule, m.category))
		}
		return redacted
	case map[string]interface{}:
		for k, child := range v {
			v[k] = e.walk(ctx, meta, child, violations)
		}
		return v
	case []interface{}:
		for i, child := range v {
			v[i] = e.walk(ctx, meta, child, violations)
		}
		return v
	case []map[string]interface{}:
		for _, child := range v {
			for k, gc := range child {
				child[k] = e.walk(ctx, meta, gc, violations)
			}
		}
		return v
	default:
		return value
	}
}

// sanitize strips HTML from tag-bearing leaves (mailbox bodies) so
// patterns match the visible text, not markup.
func (e *Engine) sanitize(s string) string {
	if strings.Contains(s, "<") && strings.Contains(s, ">") {
		return e.sanitizer.Sanitize(s)
	}
	return s
}

type match struct {
	start    int
	end      int
	category Category
	rule     string
	priority int
}

// redact evaluates all rules against text and replaces each matched span
// with the category's redaction token. Overlapping matches are merged;
// the higher-priority (earlier) rule's category labels the merged span.
func (e *Engine) redact(text string) (string, []match) {
	var matches []match
	for _, rule := range e.rules {
		for _, re := range rule.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				matches = append(matches, match{
					start:    loc[0],
					end:      loc[1],
					category: rule.category,
					rule:     rule.name,
					priority: rule.priority,
				})
			}
		}
	}
	if len(matches) == 0 {
		return text, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		lenI := matches[i].end - matches[i].start
		lenJ := matches[j].end - matches[j].start
		if lenI != lenJ {
			return lenI > lenJ
		}
		return matches[i].priority < matches[j].priority
	})

	var merged []match
	for _, m := range matches {
		if len(merged) == 0 {
			merged = append(merged, m)
			continue
		}
		last := &merged[len(merged)-1]
		if m.start < last.end {
			if m.priority < last.priority {
				last.category = m.category
				last.rule = m.rule
				last.priority = m.priority
			}
			if m.end > last.end {
				last.end = m.end
			}
		} else {
			merged = append(merged, m)
		}
	}

	result := []byte(text)
	for i := len(merged) - 1; i >= 0; i-- {
		m := merged[i]
		token := RedactionToken(m.category)
		result = append(result[:m.start], append([]byte(token), result[m.end:]...)...)
	}

	return string(result), merged
}

// fullySensitive reports whether the merged matches cover all non-space
// content of text, meaning the record carries nothing but sensitive data.
func fullySensitive(text string, merged []match) bool {
	covered := make([]bool, len(text))
	for _, m := range merged {
		for i := m.start; i < m.end && i < len(text); i++ {
			covered[i] = true
		}
	}
	for i, c := range text {
		if strings.ContainsRune(" \t\r\n.,;:!?-", c) {
			continue
		}
		if !covered[i] {
			return false
		}
	}
	return true
}

// record builds a violation, logs it, and forwards it to the auditor.
func (e *Engine) record(ctx context.Context, meta Meta, rule string, cat Category) Violation {
	v := Violation{
		Surface:   meta.Surface,
		Tool:      meta.Tool,
		Category:  cat,
		Rule:      rule,
		UserID:    meta.UserID,
		Timestamp: time.Now().UTC(),
	}
	log.Info().
		Str("surface", v.Surface).
		Str("tool", v.Tool).
		Str("category", string(v.Category)).
		Str("rule", v.Rule).
		Str("user_id", v.UserID).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("policy_redaction")
	if e.auditor != nil {
		e.auditor.RecordPolicyViolation(ctx, v)
	}
	return v
}
