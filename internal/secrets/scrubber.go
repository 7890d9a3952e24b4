package secrets

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Finding locates a redacted secret. The secret itself is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Result is the outcome of scrubbing one piece of content.
type Result struct {
	Scrubbed string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// RuleIDs returns the matched rule IDs, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber redacts secrets. A nil *Scrubber returns content unchanged.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// Option configures a Scrubber.
type Option func(*Scrubber) error

// WithAllowList skips matches that also match any of patterns.
func WithAllowList(patterns ...string) Option {
	return func(s *Scrubber) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list pattern %q: %w", p, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// WithRules replaces the built-in rules.
func WithRules(rules ...Rule) Option {
	return func(s *Scrubber) error {
		s.rules = s.rules[:0]
		return s.addRules(rules)
	}
}

// New compiles the default rules plus opts.
func New(opts ...Option) (*Scrubber, error) {
	s := &Scrubber{redaction: "[REDACTED:%s]"}
	if err := s.addRules(DefaultRules()); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustNew is New for the default rules, panicking on error.
func MustNew(opts ...Option) *Scrubber {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Scrubber) addRules(rules []Rule) error {
	for _, r := range rules {
		if r.ID == "" || r.Pattern == "" {
			return fmt.Errorf("rule %q: id and pattern are required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for i, kw := range r.Keywords {
			kws[i] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	return nil
}

type span struct {
	start, end int
	ruleID     string
}

// Scrub replaces every secret in content with [REDACTED:<rule>].
// Overlapping matches are merged and labelled with the first rule.
func (s *Scrubber) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	if s == nil || content == "" {
		return res
	}

	lower := strings.ToLower(content)
	var spans []span
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !containsAny(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{start: m[0], end: m[1], ruleID: r.id})
			res.Findings = append(res.Findings, Finding{
				RuleID: r.id,
				Line:   strings.Count(content[:m[0]], "\n") + 1,
				Start:  m[0],
				End:    m[1],
			})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.id]++
		}
	}
	if len(spans) == 0 {
		return res
	}

	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	var b strings.Builder
	pos := 0
	for _, sp := range merge(spans) {
		b.WriteString(content[pos:sp.start])
		fmt.Fprintf(&b, s.redaction, sp.ruleID)
		pos = sp.end
	}
	b.WriteString(content[pos:])
	res.Scrubbed = b.String()
	return res
}

// String is Scrub returning only the scrubbed text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// merge collapses overlapping spans in a start-sorted slice.
func merge(spans []span) []span {
	out := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.start <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		out = append(out, sp)
	}
	return out
}
