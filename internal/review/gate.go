// Package review is the independent second check every finding passes
// before it becomes an alert.
//
// Reviewers see only the finding and the window text. They never see matcher
// internals beyond the finding's confidence.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// ErrReviewUnavailable marks a review that failed or did not answer in time.
var ErrReviewUnavailable = errors.New("review unavailable")

// Verdict is the reviewer's decision on a finding.
type Verdict int

const (
	Approved Verdict = iota
	Suppressed
	Downgraded
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case Suppressed:
		return "suppressed"
	case Downgraded:
		return "downgraded"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Outcome is the result of reviewing one finding.
type Outcome struct {
	Verdict      Verdict
	Finding      model.Finding  // may carry a refined suggestion
	Severity     model.Severity // severity to emit with
	Reason       string
	Unreviewed   bool
	QualityScore int
	Err          error // set when the review was unavailable
}

// Approve returns an approved outcome at the finding's own severity.
func Approve(f model.Finding) Outcome {
	return Outcome{Verdict: Approved, Finding: f, Severity: f.Severity}
}

// Suppress returns a suppressed outcome.
func Suppress(f model.Finding, reason string) Outcome {
	return Outcome{Verdict: Suppressed, Finding: f, Severity: f.Severity, Reason: reason}
}

// Downgrade returns an outcome lowering f to sev.
func Downgrade(f model.Finding, sev model.Severity, reason string) Outcome {
	return Outcome{Verdict: Downgraded, Finding: f, Severity: sev, Reason: reason}
}

// Reviewer makes the second-opinion decision on a finding.
type Reviewer interface {
	Review(ctx context.Context, f model.Finding, windowText string) (Outcome, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, f model.Finding, windowText string) (Outcome, error)

func (fn ReviewerFunc) Review(ctx context.Context, f model.Finding, windowText string) (Outcome, error) {
	return fn(ctx, f, windowText)
}

// Gate bounds a reviewer with a timeout and applies the fail-open policy:
// a finding whose review fails is downgraded one level and marked unreviewed,
// never dropped and never approved at full severity.
type Gate struct {
	reviewer Reviewer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGate wraps r. A nil reviewer approves everything.
func NewGate(r Reviewer, timeout time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{reviewer: r, timeout: timeout, logger: logger}
}

type result struct {
	out Outcome
	err error
}

// Review never returns an error; unavailability is folded into the outcome.
func (g *Gate) Review(ctx context.Context, f model.Finding, windowText string) Outcome {
	if g.reviewer == nil {
		return Approve(f)
	}

	rctx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("reviewer panic: %v", p)}
			}
		}()
		out, err := g.reviewer.Review(rctx, f, windowText)
		ch <- result{out, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-rctx.Done():
		res = result{err: rctx.Err()}
	}

	if res.err != nil {
		g.logger.Warn("review unavailable, failing open",
			"finding_id", f.ID,
			"rule", f.RuleID,
			"error", res.err,
		)
		return Outcome{
			Verdict:    Downgraded,
			Finding:    f,
			Severity:   f.Severity.Downgrade(),
			Reason:     "unreviewed: review unavailable",
			Unreviewed: true,
			Err:        fmt.Errorf("%w: %w", ErrReviewUnavailable, res.err),
		}
	}
	return normalize(f, res.out)
}

// normalize fills gaps a reviewer left and keeps the verdict consistent
// with the severity it reports.
func normalize(f model.Finding, out Outcome) Outcome {
	if out.Finding.ID == "" {
		out.Finding = f
	}
	switch out.Verdict {
	case Approved:
		out.Severity = f.Severity
	case Downgraded:
		if out.Severity >= f.Severity {
			out.Verdict = Approved
			out.Severity = f.Severity
		}
	}
	return out
}
