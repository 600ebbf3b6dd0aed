// Package pipeline runs the annotator stages for one session: segment
// buffering, rule matching, arbitration, review and alert emission, each on
// its own workers and connected by bounded queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/aegis/internal/arbitration"
	"github.com/MikeSquared-Agency/aegis/internal/emitter"
	"github.com/MikeSquared-Agency/aegis/internal/matcher"
	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/review"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

var (
	// ErrBackpressure is returned by ingestion when the oldest queued window
	// had to be dropped to make room. The new window is still queued.
	ErrBackpressure = errors.New("backpressure: oldest queued window dropped")

	// ErrStopped is returned when ingesting into a stopped or drained pipeline.
	ErrStopped = errors.New("pipeline stopped")
)

const (
	defaultQueueDepth   = 8
	defaultMatchWorkers = 4
	stageBuffer         = 4
)

// Matcher evaluates the ruleset against one window.
type Matcher interface {
	Match(ctx context.Context, w model.Window) (matcher.Result, error)
}

// Reviewer decides on one finding. review.Gate implements it.
type Reviewer interface {
	Review(ctx context.Context, f model.Finding, windowText string) review.Outcome
}

// Config tunes a pipeline session.
type Config struct {
	Segment      segment.Config
	QueueDepth   int // windows waiting for a match worker
	MatchWorkers int
	Clock        func() time.Time // alert emitted_at source, time.Now when nil

	// OnDrop, if set, is called with each window dropped by backpressure.
	OnDrop func(model.Window)
	// Observe, if set, is called with every review outcome before emission.
	Observe func(review.Outcome)
}

type matched struct {
	window   model.Window
	findings []model.Finding
}

type reviewed struct {
	seq      uint64
	outcomes []review.Outcome
}

// Pipeline is one annotator session. Ingest, Boundary, Drain and Stop may be
// called from any goroutine.
//
// Windows are matched by a pool of workers and may finish in any order. The
// arbitration worker restores sequence order, since cross-window dedup
// depends on it. Reviews of different windows then run concurrently and the
// emitter's reorder buffer puts their batches back in order. At most horizon+1
// batches are between arbitration and release, so the emitter only skips a
// sequence number that can no longer arrive.
type Pipeline struct {
	sessionID string
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex // guards buf and stopped
	buf     *segment.Buffer
	stopped bool

	windows  *DropQueue[model.Window]
	matched  chan matched
	reviewed chan reviewed
	inflight chan struct{} // one slot per batch between arbitration and release, horizon+1 slots

	matcher Matcher
	arbiter *arbitration.Arbiter
	gate    Reviewer
	emitter *emitter.Emitter

	dropMu  sync.Mutex
	dropped map[uint64]bool // seqs of windows lost to backpressure

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stats counters
}

// New starts a session. sink receives every alert; it is not closed by the
// pipeline.
func New(sessionID string, cfg Config, m Matcher, gate Reviewer, sink output.Sink, logger *slog.Logger) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MatchWorkers <= 0 {
		cfg.MatchWorkers = defaultMatchWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", sessionID)
	horizon := max(cfg.Segment.Overlap, 0) + 1

	p := &Pipeline{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		buf:       segment.New(sessionID, cfg.Segment),
		matched:   make(chan matched, stageBuffer),
		reviewed:  make(chan reviewed, horizon+1),
		inflight:  make(chan struct{}, horizon+1),
		matcher:   m,
		arbiter:   arbitration.New(cfg.Segment.Overlap),
		gate:      gate,
		dropped:   make(map[uint64]bool),
		done:      make(chan struct{}),
	}
	p.windows = NewDropQueue(cfg.QueueDepth, p.markDropped)

	opts := []emitter.Option{emitter.WithLogger(logger)}
	if cfg.Clock != nil {
		opts = append(opts, emitter.WithClock(cfg.Clock))
	}
	p.emitter = emitter.New(sessionID, sink, horizon, opts...)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.start()
	return p
}

// SessionID returns the session this pipeline serves.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Ingest adds a segment. It never waits for matching. A stale segment returns
// an error wrapping segment.ErrStaleSegment; a full window queue returns
// ErrBackpressure after dropping the oldest queued window.
func (p *Pipeline) Ingest(seg model.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.stats.segments.Add(1)

	windows, err := p.buf.Ingest(seg)
	if err != nil {
		if errors.Is(err, segment.ErrStaleSegment) {
			p.stats.stale.Add(1)
		} else {
			p.stats.invalid.Add(1)
		}
		p.logger.Warn("segment rejected", "segment_id", seg.ID, "error", err)
		return err
	}
	return p.enqueue(windows)
}

// Boundary marks an utterance boundary, flushing pending segments into a window.
func (p *Pipeline) Boundary() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	return p.enqueue(p.buf.Boundary())
}

// enqueue pushes windows onto the match queue. Callers hold p.mu.
func (p *Pipeline) enqueue(windows []model.Window) error {
	var errs []error
	for _, w := range windows {
		p.stats.windows.Add(1)
		old, dropped, err := p.windows.Push(w)
		if err != nil {
			return fmt.Errorf("queue window %s: %w", w.ID, ErrStopped)
		}
		if dropped {
			p.logger.Warn("window queue full, dropped oldest window",
				"dropped_window", old.ID,
				"queued_window", w.ID,
				"depth", p.cfg.QueueDepth,
			)
			errs = append(errs, fmt.Errorf("%w: %s", ErrBackpressure, old.ID))
			if p.cfg.OnDrop != nil {
				p.cfg.OnDrop(old)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) markDropped(w model.Window) {
	p.stats.backpressure.Add(1)
	p.dropMu.Lock()
	p.dropped[w.Seq] = true
	p.dropMu.Unlock()
}

func (p *Pipeline) takeDropped(seq uint64) bool {
	p.dropMu.Lock()
	defer p.dropMu.Unlock()
	if !p.dropped[seq] {
		return false
	}
	delete(p.dropped, seq)
	return true
}

// Stop cancels every in-flight evaluation and waits for the workers to exit.
// Partial results are discarded; nothing further is emitted.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.windows.Close()
	<-p.done
}

// Drain flushes the segment buffer, lets every queued window run through to
// its alerts and waits for the workers to exit. If ctx ends first the session
// is stopped and the context error returned.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		if err := p.enqueue(p.buf.Flush()); err != nil {
			p.logger.Warn("drain flushed into a full queue", "error", err)
		}
		p.windows.Close()
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return fmt.Errorf("drain session %s: %w", p.sessionID, ctx.Err())
	}
}

// Done is closed once every worker has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) start() {
	var matchers sync.WaitGroup
	for range p.cfg.MatchWorkers {
		matchers.Add(1)
		go func() {
			defer matchers.Done()
			p.matchWorker()
		}()
	}
	go func() {
		matchers.Wait()
		close(p.matched)
	}()

	go func() {
		defer close(p.reviewed)
		p.arbitrationWorker()
	}()

	go func() {
		defer close(p.done)
		p.emitWorker()
	}()
}

func (p *Pipeline) matchWorker() {
	for {
		w, err := p.windows.Pop(p.ctx)
		if err != nil {
			return
		}
		res, err := p.matcher.Match(p.ctx, w)
		if err != nil {
			p.stats.cancelled.Add(1)
			p.logger.Debug("window evaluation discarded", "window", w.ID, "error", err)
			continue
		}
		p.stats.ruleFailures.Add(uint64(len(res.Failures)))
		p.stats.findings.Add(uint64(len(res.Findings)))

		select {
		case p.matched <- matched{window: w, findings: res.Findings}:
		case <-p.ctx.Done():
			return
		}
	}
}

// arbitrationWorker owns the arbiter's dedup set. It takes matched windows
// in sequence order and hands each to its own review goroutine.
func (p *Pipeline) arbitrationWorker() {
	var reviews sync.WaitGroup
	defer reviews.Wait()

	next := uint64(1)
	waiting := make(map[uint64]matched)
	advance := func() bool {
		for {
			if m, ok := waiting[next]; ok {
				delete(waiting, next)
				if !p.arbitrate(m, &reviews) {
					return false
				}
			} else if p.takeDropped(next) {
				if !p.forward(reviewed{seq: next}) {
					return false
				}
			} else {
				return true
			}
			next++
		}
	}

	for m := range p.matched {
		waiting[m.window.Seq] = m
		if !advance() {
			return
		}
	}
	if p.ctx.Err() != nil {
		return
	}

	// Whatever is still waiting sits behind a window that never completed.
	for len(waiting) > 0 {
		if !advance() {
			return
		}
		if len(waiting) > 0 {
			p.logger.Warn("window never completed matching", "seq", next)
			if !p.forward(reviewed{seq: next}) {
				return
			}
			next++
		}
	}
}

func (p *Pipeline) arbitrate(m matched, reviews *sync.WaitGroup) bool {
	promoted := p.arbiter.Arbitrate(m.window, m.findings)
	p.stats.promoted.Add(uint64(len(promoted)))

	select {
	case p.inflight <- struct{}{}:
	case <-p.ctx.Done():
		return false
	}
	reviews.Add(1)
	go func() {
		defer reviews.Done()
		outcomes, err := p.review(m.window, promoted)
		if err != nil {
			return
		}
		select {
		case p.reviewed <- reviewed{seq: m.window.Seq, outcomes: outcomes}:
		case <-p.ctx.Done():
		}
	}()
	return true
}

// forward hands a batch with no review work straight to the emitter.
func (p *Pipeline) forward(r reviewed) bool {
	select {
	case p.inflight <- struct{}{}:
	case <-p.ctx.Done():
		return false
	}
	select {
	case p.reviewed <- r:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// review runs the gate on every promoted finding of one window concurrently.
// Outcome order follows the promoted order.
func (p *Pipeline) review(w model.Window, promoted []model.Finding) ([]review.Outcome, error) {
	outcomes := make([]review.Outcome, len(promoted))
	var g errgroup.Group
	for i, f := range promoted {
		g.Go(func() error {
			outcomes[i] = p.gate.Review(p.ctx, f, w.Text)
			return nil
		})
	}
	g.Wait()
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}

	for _, out := range outcomes {
		switch out.Verdict {
		case review.Suppressed:
			p.stats.suppressed.Add(1)
			p.logger.Info("finding suppressed", "finding_id", out.Finding.ID, "rule", out.Finding.RuleID, "reason", out.Reason)
		case review.Downgraded:
			p.stats.downgraded.Add(1)
		}
		if out.Unreviewed {
			p.stats.unreviewed.Add(1)
		}
		if p.cfg.Observe != nil {
			p.cfg.Observe(out)
		}
	}
	return outcomes, nil
}

// emitWorker owns the emitter's reorder buffer. Each batch frees its
// in-flight slot once the emitter has released it.
func (p *Pipeline) emitWorker() {
	for r := range p.reviewed {
		if p.ctx.Err() != nil {
			<-p.inflight
			continue
		}
		before := p.emitter.Waiting()
		alerts, err := p.emitter.Submit(p.ctx, r.seq, r.outcomes)
		p.recordEmit(alerts, err)
		for range before + 1 - p.emitter.Waiting() {
			<-p.inflight
		}
	}
	if p.ctx.Err() != nil {
		return
	}
	alerts, err := p.emitter.Flush(p.ctx)
	p.recordEmit(alerts, err)
}

func (p *Pipeline) recordEmit(alerts []model.Alert, err error) {
	p.stats.alerts.Add(uint64(len(alerts)))
	if err != nil {
		p.stats.sinkErrors.Add(1)
	}
	p.stats.skipped.Store(p.emitter.Skipped())
	p.stats.late.Store(p.emitter.Late())
}
