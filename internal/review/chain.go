package review

import (
	"context"
	"strings"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Chain runs reviewers in order. The first suppression wins, downgrades
// accumulate to the lowest severity proposed, and any reviewer error fails
// the whole chain.
type Chain []Reviewer

func (c Chain) Review(ctx context.Context, f model.Finding, windowText string) (Outcome, error) {
	cur := f
	sev := f.Severity
	quality := 0
	var reasons []string

	for _, r := range c {
		out, err := r.Review(ctx, cur, windowText)
		if err != nil {
			return Outcome{}, err
		}
		if out.Finding.ID != "" {
			cur = out.Finding
		}
		if out.QualityScore > 0 {
			quality = out.QualityScore
		}
		switch out.Verdict {
		case Suppressed:
			out.Finding = cur
			return out, nil
		case Downgraded:
			if out.Severity < sev {
				sev = out.Severity
			}
		}
		if out.Reason != "" {
			reasons = append(reasons, out.Reason)
		}
	}

	out := Approve(cur)
	if sev < f.Severity {
		out = Downgrade(cur, sev, "")
	}
	out.Reason = strings.Join(reasons, "; ")
	out.QualityScore = quality
	return out, nil
}
