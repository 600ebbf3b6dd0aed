// Package rules defines compliance rules and versioned rulesets.
//
// A Ruleset is loaded wholesale and is read-only afterwards, so it can be
// shared across matcher workers without locking. A new version is a new
// Ruleset, never a patch to a running one.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Kind selects how a rule is evaluated.
type Kind string

const (
	KindLexical  Kind = "lexical"
	KindSemantic Kind = "semantic"
)

// Rule is one compliance check.
type Rule struct {
	ID              string
	Kind            Kind
	Category        string
	Severity        model.Severity
	Patterns        []string // regular expressions (lexical)
	Keywords        []string // literal phrases (lexical)
	Examples        []string // exemplar utterances (semantic)
	Sources         []string // corpus sources to search (semantic)
	Threshold       float64
	Weight          float64
	Message         string
	RewriteTemplate string
	Enabled         bool
	IgnoreNegation  bool

	regexps []*regexp.Regexp
	tmpl    *template.Template
}

// Regexps returns the compiled lexical matchers, patterns first, then keywords.
// Each runs against normalized text.
func (r *Rule) Regexps() []*regexp.Regexp {
	return r.regexps
}

// Suggestion renders the rewrite template for a match.
func (r *Rule) Suggestion(match string, groups map[string]string) (string, error) {
	if r.tmpl == nil {
		return "", fmt.Errorf("rule %s: no rewrite template", r.ID)
	}
	if groups == nil {
		groups = map[string]string{}
	}
	var sb strings.Builder
	err := r.tmpl.Execute(&sb, struct {
		Match  string
		Groups map[string]string
	}{match, groups})
	if err != nil {
		return "", fmt.Errorf("rule %s: render suggestion: %w", r.ID, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (r *Rule) compile() error {
	r.regexps = r.regexps[:0]
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
		r.regexps = append(r.regexps, re)
	}
	for _, kw := range r.Keywords {
		re, err := regexp.Compile(keywordExpr(kw))
		if err != nil {
			return fmt.Errorf("keyword %q: %w", kw, err)
		}
		r.regexps = append(r.regexps, re)
	}

	tmpl, err := template.New(r.ID).Parse(r.RewriteTemplate)
	if err != nil {
		return fmt.Errorf("rewrite template: %w", err)
	}
	r.tmpl = tmpl
	return nil
}

// keywordExpr turns a phrase into a whole-word, whitespace-tolerant expression.
func keywordExpr(kw string) string {
	norm := Normalize(strings.TrimSpace(kw)).Text
	words := strings.Fields(norm)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	expr := strings.Join(words, `\s+`)
	if isWordByte(norm[0]) {
		expr = `\b` + expr
	}
	if isWordByte(norm[len(norm)-1]) {
		expr += `\b`
	}
	return "(?i)" + expr
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// Ruleset is an immutable, versioned collection of rules sorted by id.
type Ruleset struct {
	Version string
	Rules   []*Rule
}

// Enabled returns the enabled rules in id order.
func (rs *Ruleset) Enabled() []*Rule {
	out := make([]*Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the rule with the given id.
func (rs *Ruleset) Get(id string) (*Rule, bool) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
