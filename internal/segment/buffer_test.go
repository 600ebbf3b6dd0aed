package segment

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

func seg(id string, start, end float64, text string) model.Segment {
	return model.Segment{ID: id, StartSec: start, EndSec: end, Text: text}
}

func ingestAll(t *testing.T, b *Buffer, segs ...model.Segment) []model.Window {
	t.Helper()
	var out []model.Window
	for _, s := range segs {
		ws, err := b.Ingest(s)
		if err != nil {
			t.Fatalf("ingest %s: %v", s.ID, err)
		}
		out = append(out, ws...)
	}
	return out
}

func TestIngest_FlushesOnSpan(t *testing.T) {
	b := New("s", Config{SpanSeconds: 5, MaxSegments: 100, Overlap: 0})

	ws := ingestAll(t, b,
		seg("a", 0, 2, "one"),
		seg("b", 2, 4, "two"),
	)
	if len(ws) != 0 {
		t.Fatalf("expected no window before span is reached, got %d", len(ws))
	}

	ws = ingestAll(t, b, seg("c", 4, 6, "three"))
	if len(ws) != 1 {
		t.Fatalf("expected 1 window, got %d", len(ws))
	}
	if ws[0].Text != "one two three" {
		t.Errorf("unexpected window text %q", ws[0].Text)
	}
	if ws[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", ws[0].Seq)
	}
}

func TestIngest_FlushesOnCount(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 3, Overlap: 0})

	var segs []model.Segment
	for i := range 7 {
		segs = append(segs, seg(fmt.Sprintf("s%d", i), float64(i), float64(i)+0.5, "x"))
	}
	ws := ingestAll(t, b, segs...)
	if len(ws) != 2 {
		t.Fatalf("expected 2 windows for 7 segments at 3 per window, got %d", len(ws))
	}
	for _, w := range ws {
		if len(w.Segments) != 3 {
			t.Errorf("window %s: expected 3 segments, got %d", w.ID, len(w.Segments))
		}
	}
	if b.Pending() != 1 {
		t.Errorf("expected 1 pending segment, got %d", b.Pending())
	}
}

func TestIngest_EndOfUtteranceFlushes(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 100})
	s := seg("a", 0, 1, "hello")
	s.EndOfUtterance = true

	ws := ingestAll(t, b, s)
	if len(ws) != 1 {
		t.Fatalf("expected boundary flag to flush, got %d windows", len(ws))
	}
}

func TestIngest_OverlapTail(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 3, Overlap: 1})

	ws := ingestAll(t, b,
		seg("a", 0, 1, "a"),
		seg("b", 1, 2, "b"),
		seg("c", 2, 3, "c"),
		seg("d", 3, 4, "d"),
		seg("e", 4, 5, "e"),
	)
	if len(ws) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(ws))
	}
	if ws[1].Segments[0].ID != "c" {
		t.Errorf("second window should start with carried segment c, got %s", ws[1].Segments[0].ID)
	}
	if ws[1].Overlap != 1 {
		t.Errorf("expected overlap 1, got %d", ws[1].Overlap)
	}
}

func TestBoundary_NoWindowWithoutNewSegments(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 2, Overlap: 1})

	ws := ingestAll(t, b, seg("a", 0, 1, "a"), seg("b", 1, 2, "b"))
	if len(ws) != 1 {
		t.Fatalf("expected 1 window, got %d", len(ws))
	}
	if got := b.Boundary(); len(got) != 0 {
		t.Errorf("tail alone must not produce a window, got %d", len(got))
	}
}

func TestIngest_DuplicateIsNoop(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 2})

	ingestAll(t, b, seg("a", 0, 1, "a"))
	ws := ingestAll(t, b, seg("a", 0, 1, "a"))
	if len(ws) != 0 {
		t.Fatalf("duplicate produced %d windows", len(ws))
	}
	if b.Pending() != 1 {
		t.Errorf("expected 1 pending segment, got %d", b.Pending())
	}

	ws = ingestAll(t, b, seg("b", 1, 2, "b"))
	if len(ws) != 1 || len(ws[0].Segments) != 2 {
		t.Fatalf("expected one 2-segment window, got %+v", ws)
	}
	// Re-sent after its window flushed, still known.
	if ws := ingestAll(t, b, seg("b", 1, 2, "b")); len(ws) != 0 {
		t.Errorf("re-sent tail segment produced %d windows", len(ws))
	}

	// "a" falls behind the horizon once the next window starts after it.
	ingestAll(t, b, seg("c", 2, 3, "c"), seg("d", 3, 4, "d"))
	if _, ok := b.seen["a"]; ok {
		t.Fatal("expected a to be evicted from the horizon")
	}
	if ws, err := b.Ingest(seg("a", 0, 1, "a")); err != nil || len(ws) != 0 {
		t.Errorf("evicted duplicate = (%d windows, %v), want a no-op", len(ws), err)
	}
	// A new id at the same start is still stale.
	if _, err := b.Ingest(seg("late", 0, 1, "late")); !errors.Is(err, ErrStaleSegment) {
		t.Errorf("expected ErrStaleSegment for a new late segment, got %v", err)
	}
}

func TestIngest_EvictedDuplicatesAreBounded(t *testing.T) {
	b := New("s", Config{MaxSegments: 1})
	for i := 0; i < evictedIDs+2; i++ {
		ingestAll(t, b, seg(fmt.Sprintf("s%d", i), float64(i), float64(i)+1, "x"))
	}
	if len(b.evicted) != evictedIDs || len(b.evictOrder) != evictedIDs {
		t.Fatalf("evicted set grew to %d/%d", len(b.evicted), len(b.evictOrder))
	}
	// The oldest id aged out and is treated as a late segment again.
	if _, err := b.Ingest(seg("s0", 0, 1, "x")); !errors.Is(err, ErrStaleSegment) {
		t.Errorf("expected ErrStaleSegment for an aged-out id, got %v", err)
	}
	if ws, err := b.Ingest(seg("s5", 5, 6, "x")); err != nil || len(ws) != 0 {
		t.Errorf("recent evicted duplicate = (%d windows, %v), want a no-op", len(ws), err)
	}
}

func TestIngest_RejectsStale(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 2})
	ingestAll(t, b, seg("a", 10, 11, "a"), seg("b", 11, 12, "b"))

	_, err := b.Ingest(seg("old", 5, 6, "late"))
	if !errors.Is(err, ErrStaleSegment) {
		t.Fatalf("expected ErrStaleSegment, got %v", err)
	}
}

func TestIngest_JitterInsertedInOrder(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 3, Overlap: 1})
	ingestAll(t, b,
		seg("a", 0, 1, "a"),
		seg("b", 1, 2, "b"),
		seg("c", 3, 4, "c"),
	)

	// Within the horizon of the last window, but earlier than pending "d".
	ws := ingestAll(t, b, seg("d", 5, 6, "d"), seg("late", 2, 3, "late"))
	if len(ws) != 1 {
		t.Fatalf("expected 1 window, got %d", len(ws))
	}
	var ids []string
	for _, s := range ws[0].Segments {
		ids = append(ids, s.ID)
	}
	want := []string{"late", "c", "d"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("segments = %v, want %v", ids, want)
	}
}

func TestIngest_InvalidSegment(t *testing.T) {
	b := New("s", Config{SpanSeconds: 10, MaxSegments: 2})
	if _, err := b.Ingest(model.Segment{ID: "", StartSec: 0, EndSec: 1}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := b.Ingest(seg("x", 2, 1, "backwards")); err == nil {
		t.Error("expected error for end before start")
	}
}

func TestFlush_EmitsRemainder(t *testing.T) {
	b := New("s", Config{SpanSeconds: 1000, MaxSegments: 10, Overlap: 2})
	ingestAll(t, b, seg("a", 0, 1, "a"), seg("b", 1, 2, "b"))

	ws := b.Flush()
	if len(ws) != 1 || len(ws[0].Segments) != 2 {
		t.Fatalf("expected remainder window, got %+v", ws)
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", b.Pending())
	}
	if ws := b.Flush(); len(ws) != 0 {
		t.Errorf("second flush produced %d windows", len(ws))
	}
}

func TestConfig_OverlapClampedBelowMax(t *testing.T) {
	c := Config{MaxSegments: 2, Overlap: 5}.normalized()
	if c.Overlap != 1 {
		t.Errorf("expected overlap clamped to 1, got %d", c.Overlap)
	}
}
