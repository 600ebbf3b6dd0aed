package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/matcher"
	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/review"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seg(n int, text string) model.Segment {
	return model.Segment{
		ID:       fmt.Sprintf("seg-%d", n),
		StartSec: float64(n),
		EndSec:   float64(n) + 0.9,
		Text:     text,
	}
}

// oneSegmentWindows flushes a window per segment.
var oneSegmentWindows = segment.Config{SpanSeconds: 30, MaxSegments: 1}

// fakeMatcher flags every window with one high-severity finding covering the
// whole window text.
type fakeMatcher struct {
	delay   func(seq uint64) time.Duration
	block   chan struct{} // when set, Match waits for it or ctx
	started chan uint64

	mu   sync.Mutex
	seen []uint64
}

func (f *fakeMatcher) Match(ctx context.Context, w model.Window) (matcher.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, w.Seq)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- w.Seq
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return matcher.Result{}, ctx.Err()
		}
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(w.Seq)):
		case <-ctx.Done():
			return matcher.Result{}, ctx.Err()
		}
	}
	return matcher.Result{
		WindowID: w.ID,
		Findings: []model.Finding{{
			ID:         fmt.Sprintf("f-%d", w.Seq),
			WindowID:   w.ID,
			WindowSeq:  w.Seq,
			RuleID:     "guarantee-language",
			Category:   "guarantee_language",
			Severity:   model.SeverityHigh,
			Confidence: 1,
			Span:       w.Locate(0, len(w.Text)),
			Suggestion: "All investments carry risk.",
		}},
	}, nil
}

func (f *fakeMatcher) windows() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.seen...)
}

func approveAll() Reviewer {
	return review.NewGate(nil, 0, discardLogger())
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestPipeline_GuaranteeLanguageEndToEnd(t *testing.T) {
	rs, err := rules.Default()
	if err != nil {
		t.Fatal(err)
	}
	emb := retrieval.NewHashEmbedder(256)
	docs, err := retrieval.SampleDocuments()
	if err != nil {
		t.Fatal(err)
	}
	ix, err := retrieval.BuildIndex(context.Background(), emb, docs)
	if err != nil {
		t.Fatal(err)
	}
	m, err := matcher.New(context.Background(), rs, emb, ix, matcher.Config{ConfidenceFloor: 0.5}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	gate := review.NewGate(review.NewHeuristic(), time.Second, discardLogger())
	rec := &output.Recorder{}

	p := New("sess-e2e", Config{Segment: segment.Config{SpanSeconds: 8, MaxSegments: 12, Overlap: 2}}, m, gate, rec, discardLogger())
	s := seg(1, "guaranteed returns of 12% annually")
	s.EndOfUtterance = true
	if err := p.Ingest(s); err != nil {
		t.Fatal(err)
	}
	drain(t, p)

	alerts := rec.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d: %+v", len(alerts), alerts)
	}
	a := alerts[0]
	if a.Category != "guarantee_language" || a.Suggestion == "" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.Severity != model.SeverityHigh || a.Unreviewed {
		t.Errorf("expected an approved high alert, got %s unreviewed=%v", a.Severity, a.Unreviewed)
	}
	if st := p.Stats(); st.Alerts != 1 || st.Windows != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPipeline_AlertsFollowWindowOrder(t *testing.T) {
	const n = 12
	// Later windows finish first.
	m := &fakeMatcher{delay: func(seq uint64) time.Duration {
		return time.Duration(n-int(seq)) * 3 * time.Millisecond
	}}
	rec := &output.Recorder{}
	p := New("sess-order", Config{Segment: oneSegmentWindows, QueueDepth: n, MatchWorkers: 4}, m, approveAll(), rec, discardLogger())

	for i := 1; i <= n; i++ {
		if err := p.Ingest(seg(i, fmt.Sprintf("statement number %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	drain(t, p)

	alerts := rec.Alerts()
	if len(alerts) != n {
		t.Fatalf("expected %d alerts, got %d", n, len(alerts))
	}
	for i := 1; i < len(alerts); i++ {
		if alerts[i].WindowSeq <= alerts[i-1].WindowSeq {
			t.Fatalf("alert %d out of order: seq %d after %d", i, alerts[i].WindowSeq, alerts[i-1].WindowSeq)
		}
		if alerts[i].StartSec < alerts[i-1].StartSec {
			t.Fatalf("alert %d out of start order", i)
		}
	}
	if st := p.Stats(); st.SkippedWindows != 0 {
		t.Errorf("no window should be skipped, got %d", st.SkippedWindows)
	}
}

func TestPipeline_BackpressureDropsOldestQueued(t *testing.T) {
	m := &fakeMatcher{block: make(chan struct{}), started: make(chan uint64, 8)}
	rec := &output.Recorder{}
	p := New("sess-bp", Config{Segment: oneSegmentWindows, QueueDepth: 1, MatchWorkers: 1}, m, approveAll(), rec, discardLogger())

	// Window 1 is taken by the only worker and stays in flight.
	if err := p.Ingest(seg(1, "one")); err != nil {
		t.Fatal(err)
	}
	if got := <-m.started; got != 1 {
		t.Fatalf("worker started window %d", got)
	}

	// Window 2 fills the queue; window 3 pushes it out.
	if err := p.Ingest(seg(2, "two")); err != nil {
		t.Fatalf("second window should queue without backpressure: %v", err)
	}
	err := p.Ingest(seg(3, "three"))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	close(m.block)
	drain(t, p)

	if got := m.windows(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("matcher saw windows %v, want [1 3]", got)
	}
	var seqs []uint64
	for _, a := range rec.Alerts() {
		seqs = append(seqs, a.WindowSeq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 3 {
		t.Errorf("alerts for windows %v, want [1 3]", seqs)
	}
	st := p.Stats()
	if st.DroppedWindows != 1 {
		t.Errorf("dropped = %d, want 1", st.DroppedWindows)
	}
	if st.SkippedWindows != 0 {
		t.Errorf("a dropped window must not stall or skip the emitter, skipped = %d", st.SkippedWindows)
	}
}

func TestPipeline_ReviewTimeoutDowngradesEverything(t *testing.T) {
	hang := review.ReviewerFunc(func(ctx context.Context, f model.Finding, _ string) (review.Outcome, error) {
		<-ctx.Done()
		return review.Outcome{}, ctx.Err()
	})
	gate := review.NewGate(hang, 20*time.Millisecond, discardLogger())
	rec := &output.Recorder{}
	p := New("sess-timeout", Config{Segment: oneSegmentWindows}, &fakeMatcher{}, gate, rec, discardLogger())

	for i := 1; i <= 3; i++ {
		p.Ingest(seg(i, fmt.Sprintf("line %d", i)))
	}
	drain(t, p)

	alerts := rec.Alerts()
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	for _, a := range alerts {
		if !a.Unreviewed {
			t.Errorf("alert %s should be unreviewed", a.ID)
		}
		if a.Severity != model.SeverityMedium {
			t.Errorf("alert %s severity = %s, want medium (one below high)", a.ID, a.Severity)
		}
	}
	if st := p.Stats(); st.Unreviewed != 3 {
		t.Errorf("unreviewed = %d, want 3", st.Unreviewed)
	}
}

func TestPipeline_StopDiscardsInFlight(t *testing.T) {
	m := &fakeMatcher{block: make(chan struct{}), started: make(chan uint64, 8)}
	rec := &output.Recorder{}
	p := New("sess-stop", Config{Segment: oneSegmentWindows}, m, approveAll(), rec, discardLogger())

	p.Ingest(seg(1, "one"))
	<-m.started
	p.Stop()

	if len(rec.Alerts()) != 0 {
		t.Error("a stopped session must not emit partial results")
	}
	if st := p.Stats(); st.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", st.Cancelled)
	}
	if err := p.Ingest(seg(2, "two")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestPipeline_StaleSegment(t *testing.T) {
	p := New("sess-stale", Config{Segment: oneSegmentWindows}, &fakeMatcher{}, approveAll(), &output.Recorder{}, discardLogger())
	defer p.Stop()

	if err := p.Ingest(seg(5, "five")); err != nil {
		t.Fatal(err)
	}
	err := p.Ingest(seg(2, "two"))
	if !errors.Is(err, segment.ErrStaleSegment) {
		t.Fatalf("expected ErrStaleSegment, got %v", err)
	}
	if st := p.Stats(); st.StaleSegments != 1 {
		t.Errorf("stale = %d, want 1", st.StaleSegments)
	}
}

func TestPipeline_BoundaryFlushesPending(t *testing.T) {
	rec := &output.Recorder{}
	p := New("sess-boundary", Config{Segment: segment.Config{SpanSeconds: 60, MaxSegments: 10}}, &fakeMatcher{}, approveAll(), rec, discardLogger())

	p.Ingest(seg(1, "first half"))
	p.Ingest(seg(2, "second half"))
	if err := p.Boundary(); err != nil {
		t.Fatal(err)
	}
	drain(t, p)

	alerts := rec.Alerts()
	if len(alerts) != 1 || alerts[0].Excerpt != "first half second half" {
		t.Errorf("expected one alert over the joined window, got %+v", alerts)
	}
}

func TestDropQueue(t *testing.T) {
	var evicted []int
	q := NewDropQueue(2, func(v int) { evicted = append(evicted, v) })

	for _, v := range []int{1, 2} {
		if _, dropped, err := q.Push(v); dropped || err != nil {
			t.Fatalf("push %d: dropped=%v err=%v", v, dropped, err)
		}
	}
	old, dropped, err := q.Push(3)
	if err != nil || !dropped || old != 1 {
		t.Fatalf("push 3 should evict 1, got old=%d dropped=%v err=%v", old, dropped, err)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("onDrop saw %v", evicted)
	}

	ctx := context.Background()
	for _, want := range []int{2, 3} {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop = %d, %v; want %d", got, err, want)
		}
	}

	q.Close()
	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("pop on closed empty queue: %v", err)
	}
	if _, _, err := q.Push(4); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("push on closed queue: %v", err)
	}
}

func TestDropQueue_PopWaits(t *testing.T) {
	q := NewDropQueue[string](1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on empty queue, got %v", err)
	}

	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		got <- v
	}()
	time.Sleep(5 * time.Millisecond)
	q.Push("w1")

	select {
	case v := <-got:
		if v != "w1" {
			t.Errorf("pop = %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}
