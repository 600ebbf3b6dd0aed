package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// DefaultRestricted lists phrases an alternative wording must never contain.
var DefaultRestricted = []string{
	"guaranteed return",
	"risk-free",
	"risk free",
	"can't lose",
	"cannot lose",
	"sure thing",
	"no risk",
}

// Heuristic is a deterministic quality check: it rejects suggestions that are
// empty, repeat the flagged wording or introduce restricted language, and
// softens findings in questions or quoted speech.
type Heuristic struct {
	Restricted []string
}

// NewHeuristic returns a heuristic reviewer with the default phrase list.
func NewHeuristic() *Heuristic {
	return &Heuristic{Restricted: DefaultRestricted}
}

func (h *Heuristic) Review(_ context.Context, f model.Finding, windowText string) (Outcome, error) {
	sugg := strings.ToLower(strings.TrimSpace(f.Suggestion))
	if sugg == "" {
		return Suppress(f, "empty suggestion"), nil
	}
	if flagged := strings.ToLower(strings.TrimSpace(f.Span.Text)); flagged != "" && strings.Contains(sugg, flagged) {
		return Suppress(f, "suggestion repeats the flagged wording"), nil
	}
	for _, p := range h.Restricted {
		if strings.Contains(sugg, p) {
			return Suppress(f, fmt.Sprintf("suggestion contains restricted phrase %q", p)), nil
		}
	}

	start, end := f.Span.Start, f.Span.End
	if start < 0 || end > len(windowText) || start > end {
		return Approve(f), nil
	}
	if isQuestion(windowText, end) {
		return Downgrade(f, f.Severity.Downgrade(), "flagged text is part of a question"), nil
	}
	if isQuoted(windowText, start) {
		return Downgrade(f, f.Severity.Downgrade(), "flagged text is quoted speech"), nil
	}
	return Approve(f), nil
}

// isQuestion reports whether the sentence containing offset end closes with '?'.
func isQuestion(text string, end int) bool {
	i := strings.IndexAny(text[end:], ".!?")
	return i >= 0 && text[end+i] == '?'
}

// isQuoted reports whether offset start sits inside an open double quote.
func isQuoted(text string, start int) bool {
	prefix := text[:start]
	n := strings.Count(prefix, `"`) + strings.Count(prefix, "“") + strings.Count(prefix, "”")
	return n%2 == 1
}
