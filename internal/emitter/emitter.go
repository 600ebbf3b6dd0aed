// Package emitter turns reviewed findings into alerts, released in window order.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/review"
)

// maxTrackedAlerts bounds the finding -> alert id map used to resolve supersedes.
const maxTrackedAlerts = 4096

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock sets the source of emitted_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithIDFunc sets the alert id generator.
func WithIDFunc(fn func() string) Option {
	return func(e *Emitter) { e.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// Emitter holds a reorder buffer keyed by window sequence number and writes
// one alert per non-suppressed outcome, in window order. It is owned by a
// single worker and is not safe for concurrent use.
type Emitter struct {
	sessionID string
	sink      output.Sink
	horizon   int
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	next    uint64
	pending map[uint64][]review.Outcome

	alertIDs map[string]string // finding id -> alert id
	order    []string          // finding ids in insertion order

	skipped uint64
	late    uint64
}

// New creates an emitter for a session. At most horizon batches wait for a
// missing window before it is skipped.
func New(sessionID string, sink output.Sink, horizon int, opts ...Option) *Emitter {
	if horizon < 1 {
		horizon = 1
	}
	e := &Emitter{
		sessionID: sessionID,
		sink:      sink,
		horizon:   horizon,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
		next:      1,
		pending:   make(map[uint64][]review.Outcome),
		alertIDs:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit hands over the reviewed outcomes of window seq. Every window must be
// submitted, even with no outcomes, or it will eventually be skipped. It
// returns the alerts released by this call.
func (e *Emitter) Submit(ctx context.Context, seq uint64, outcomes []review.Outcome) ([]model.Alert, error) {
	if seq < e.next {
		e.late++
		e.logger.Warn("dropping batch for a window already skipped",
			"session", e.sessionID,
			"seq", seq,
			"next", e.next,
			"outcomes", len(outcomes),
		)
		return nil, nil
	}
	e.pending[seq] = outcomes

	var alerts []model.Alert
	var errs []error
	for {
		a, err := e.release(ctx)
		alerts = append(alerts, a...)
		if err != nil {
			errs = append(errs, err)
		}
		if len(e.pending) <= e.horizon {
			break
		}
		missing := e.next
		e.next = e.lowestPending()
		e.skipped += e.next - missing
		e.logger.Warn("skipping missing windows",
			"session", e.sessionID,
			"from", missing,
			"to", e.next-1,
		)
	}
	return alerts, errors.Join(errs...)
}

// Flush releases every waiting batch in sequence order, skipping gaps.
func (e *Emitter) Flush(ctx context.Context) ([]model.Alert, error) {
	var alerts []model.Alert
	var errs []error
	for len(e.pending) > 0 {
		if _, ok := e.pending[e.next]; !ok {
			missing := e.next
			e.next = e.lowestPending()
			e.skipped += e.next - missing
		}
		a, err := e.release(ctx)
		alerts = append(alerts, a...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return alerts, errors.Join(errs...)
}

// Skipped returns the number of window sequence numbers given up on.
func (e *Emitter) Skipped() uint64 { return e.skipped }

// Late returns the number of batches that arrived after their window was skipped.
func (e *Emitter) Late() uint64 { return e.late }

// Waiting returns the number of batches held in the reorder buffer.
func (e *Emitter) Waiting() int { return len(e.pending) }

func (e *Emitter) release(ctx context.Context) ([]model.Alert, error) {
	var alerts []model.Alert
	var errs []error
	for {
		outcomes, ok := e.pending[e.next]
		if !ok {
			break
		}
		delete(e.pending, e.next)
		e.next++

		for _, out := range outcomes {
			if out.Verdict == review.Suppressed {
				continue
			}
			a := e.alertFor(out)
			if err := e.sink.Write(ctx, a); err != nil {
				errs = append(errs, err)
				e.logger.Error("failed to write alert", "alert_id", a.ID, "rule", a.RuleID, "error", err)
			}
			alerts = append(alerts, a)
		}
	}
	return alerts, errors.Join(errs...)
}

func (e *Emitter) alertFor(out review.Outcome) model.Alert {
	f := out.Finding
	a := model.Alert{
		ID:         e.newID(),
		FindingID:  f.ID,
		SessionID:  e.sessionID,
		WindowID:   f.WindowID,
		WindowSeq:  f.WindowSeq,
		RuleID:     f.RuleID,
		Category:   f.Category,
		Severity:   out.Severity,
		Confidence: f.Confidence,
		Message:    f.Message,
		Suggestion: f.Suggestion,
		Excerpt:    f.Span.Text,
		StartSec:   f.Span.StartSec,
		EndSec:     f.Span.EndSec,
		Speaker:    f.Span.Speaker,
		EmittedAt:  e.now().UTC(),
		Unreviewed: out.Unreviewed,
		ReviewNote: out.Reason,
	}
	if f.Supersedes != "" {
		a.Supersedes = e.alertIDs[f.Supersedes]
	}
	e.track(f.ID, a.ID)
	return a
}

func (e *Emitter) track(findingID, alertID string) {
	e.alertIDs[findingID] = alertID
	e.order = append(e.order, findingID)
	if len(e.order) > maxTrackedAlerts {
		delete(e.alertIDs, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *Emitter) lowestPending() uint64 {
	keys := make([]uint64, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}
