// Package arbitration picks which findings of a window are promoted to alerts.
package arbitration

import (
	"sort"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// promotion remembers a finding promoted by an earlier window.
type promotion struct {
	seq       uint64
	findingID string
	ruleID    string
	severity  model.Severity
}

// Arbiter resolves overlapping findings within a window and suppresses
// findings already promoted from an overlapping earlier window.
//
// Its dedup state is owned by a single worker; Arbiter is not safe for
// concurrent use.
type Arbiter struct {
	horizon uint64
	newest  uint64

	byRule map[string]promotion // rule id + span key
	bySpan map[string]promotion // span key, strongest promotion
}

// New creates an arbiter whose dedup set spans overlap+1 windows.
func New(overlap int) *Arbiter {
	if overlap < 0 {
		overlap = 0
	}
	return &Arbiter{
		horizon: uint64(overlap) + 1,
		byRule:  make(map[string]promotion),
		bySpan:  make(map[string]promotion),
	}
}

// Arbitrate returns the promoted findings of w ordered by span start, then
// rule id. findings must all belong to w.
func (a *Arbiter) Arbitrate(w model.Window, findings []model.Finding) []model.Finding {
	if w.Seq > a.newest {
		a.newest = w.Seq
	}
	a.evict()

	ranked := make([]model.Finding, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool { return Better(ranked[i], ranked[j]) })

	var kept []model.Finding
	for _, f := range ranked {
		if overlapsAny(f, kept) {
			continue
		}
		kept = append(kept, f)
	}

	var out []model.Finding
	for _, f := range kept {
		key := f.DedupKey()
		if p, ok := a.byRule[key]; ok {
			p.seq = max(p.seq, w.Seq)
			a.byRule[key] = p
			continue
		}

		spanKey := f.Span.Key()
		prev, seenSpan := a.bySpan[spanKey]
		if seenSpan && prev.ruleID != f.RuleID && prev.severity < f.Severity {
			f.Supersedes = prev.findingID
		}

		p := promotion{seq: w.Seq, findingID: f.ID, ruleID: f.RuleID, severity: f.Severity}
		a.byRule[key] = p
		if !seenSpan || f.Severity >= prev.severity {
			a.bySpan[spanKey] = p
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Span.Start != out[j].Span.Start {
			return out[i].Span.Start < out[j].Span.Start
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// Tracked returns the size of the dedup set.
func (a *Arbiter) Tracked() int {
	return len(a.byRule)
}

func (a *Arbiter) evict() {
	for k, p := range a.byRule {
		if p.seq+a.horizon < a.newest {
			delete(a.byRule, k)
		}
	}
	for k, p := range a.bySpan {
		if p.seq+a.horizon < a.newest {
			delete(a.bySpan, k)
		}
	}
}

// Better reports whether a takes precedence over b: higher severity, then
// higher confidence, then the lexicographically smaller rule id.
func Better(a, b model.Finding) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.RuleID < b.RuleID
}

func overlapsAny(f model.Finding, kept []model.Finding) bool {
	for _, k := range kept {
		if f.Span.Overlaps(k.Span) {
			return true
		}
	}
	return false
}
