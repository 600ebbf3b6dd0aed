package matcher

import (
	"strings"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
)

const (
	negationWindow  = 4 // words before a match that can negate it
	negationPenalty = 0.4
)

var negationCues = map[string]bool{
	"no": true, "not": true, "never": true, "nor": true, "without": true,
	"can't": true, "cannot": true, "don't": true, "doesn't": true, "didn't": true,
	"won't": true, "isn't": true, "aren't": true, "wasn't": true, "shouldn't": true,
	"wouldn't": true, "nothing": true,
}

// matchLexical returns the first non-negated match of r in the window, or the
// first negated one with its confidence dampened when every match is negated.
func matchLexical(r *rules.Rule, w model.Window, norm rules.Normalized) *candidate {
	var fallback *candidate
	for _, re := range r.Regexps() {
		names := re.SubexpNames()
		for _, loc := range re.FindAllStringSubmatchIndex(norm.Text, -1) {
			if loc[1] == loc[0] {
				continue
			}
			start, end := norm.Source(loc[0], loc[1])
			c := &candidate{
				span:       w.Locate(start, end),
				confidence: r.Weight,
				groups:     groupValues(names, loc, w.Text, norm),
			}
			if r.IgnoreNegation || !negated(norm.Text[:loc[0]]) {
				return c
			}
			if fallback == nil {
				c.confidence *= negationPenalty
				fallback = c
			}
		}
	}
	return fallback
}

// groupValues maps named capture groups to their source text. Groups that did
// not participate map to "".
func groupValues(names []string, loc []int, src string, norm rules.Normalized) map[string]string {
	groups := make(map[string]string)
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		gs, ge := loc[2*i], loc[2*i+1]
		if gs < 0 || ge <= gs {
			groups[name] = ""
			continue
		}
		s, e := norm.Source(gs, ge)
		groups[name] = src[s:e]
	}
	return groups
}

// negated reports whether a negation cue appears in the last few words of prefix.
func negated(prefix string) bool {
	words := strings.Fields(prefix)
	if len(words) > negationWindow {
		words = words[len(words)-negationWindow:]
	}
	for _, w := range words {
		if negationCues[strings.Trim(w, `.,;:!?"()`)] {
			return true
		}
	}
	return false
}
