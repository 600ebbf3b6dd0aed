// Package segment accumulates transcript segments into bounded, overlapping
// analysis windows.
package segment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// ErrStaleSegment is returned when a segment starts before the last flushed window.
var ErrStaleSegment = errors.New("stale segment")

// evictedIDs bounds how many ids behind the horizon are still recognised as duplicates.
const evictedIDs = 1024

// Config bounds the windows a Buffer produces.
type Config struct {
	SpanSeconds float64 // flush once pending segments cover this much time
	MaxSegments int     // flush once this many segments are pending
	Overlap     int     // trailing segments carried into the next window
}

func (c Config) normalized() Config {
	if c.MaxSegments < 1 {
		c.MaxSegments = 1
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.MaxSegments {
		c.Overlap = c.MaxSegments - 1
	}
	return c
}

// Buffer is a sliding queue of segments ordered by start time.
// It is not safe for concurrent use.
type Buffer struct {
	cfg       Config
	sessionID string
	seq       uint64

	pending []model.Segment
	emitted map[string]bool    // pending ids that were already part of a window
	seen    map[string]float64 // id -> start, evicted once behind the horizon

	evicted    map[string]struct{} // ids dropped from seen, oldest first in evictOrder
	evictOrder []string

	flushed   bool
	lastStart float64
}

// New creates a buffer for one session.
func New(sessionID string, cfg Config) *Buffer {
	return &Buffer{
		cfg:       cfg.normalized(),
		sessionID: sessionID,
		emitted:   make(map[string]bool),
		seen:      make(map[string]float64),
		evicted:   make(map[string]struct{}),
	}
}

// Ingest adds a segment and returns any windows it completes.
// Re-ingesting a known id is a no-op, including ids already behind the
// horizon as long as they are among the last evictedIDs evicted.
func (b *Buffer) Ingest(seg model.Segment) ([]model.Window, error) {
	if err := seg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if b.known(seg.ID) {
		return nil, nil
	}
	if b.flushed && seg.StartSec < b.lastStart {
		return nil, fmt.Errorf("segment %s starts at %.3fs, window horizon is %.3fs: %w",
			seg.ID, seg.StartSec, b.lastStart, ErrStaleSegment)
	}

	b.insert(seg)
	b.seen[seg.ID] = seg.StartSec

	if seg.EndOfUtterance || b.full() {
		if w, ok := b.flush(); ok {
			return []model.Window{w}, nil
		}
	}
	return nil, nil
}

// Boundary flushes pending segments as an utterance boundary.
func (b *Buffer) Boundary() []model.Window {
	if w, ok := b.flush(); ok {
		return []model.Window{w}
	}
	return nil
}

// Flush emits whatever is pending at end of stream and clears the tail.
func (b *Buffer) Flush() []model.Window {
	out := b.Boundary()
	b.pending = nil
	clear(b.emitted)
	return out
}

// Pending returns the number of segments waiting in the queue, tail included.
func (b *Buffer) Pending() int {
	return len(b.pending)
}

// insert places seg in start order. Equal starts keep arrival order.
func (b *Buffer) insert(seg model.Segment) {
	i := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].StartSec > seg.StartSec
	})
	b.pending = append(b.pending, model.Segment{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = seg
}

func (b *Buffer) full() bool {
	if len(b.pending) >= b.cfg.MaxSegments {
		return true
	}
	if b.cfg.SpanSeconds <= 0 || len(b.pending) == 0 {
		return false
	}
	end := b.pending[0].EndSec
	for _, s := range b.pending[1:] {
		if s.EndSec > end {
			end = s.EndSec
		}
	}
	return end-b.pending[0].StartSec >= b.cfg.SpanSeconds
}

func (b *Buffer) flush() (model.Window, bool) {
	carried := 0
	for _, s := range b.pending {
		if b.emitted[s.ID] {
			carried++
		}
	}
	if carried == len(b.pending) {
		return model.Window{}, false
	}

	b.seq++
	w := model.NewWindow(b.sessionID, b.seq, b.pending, carried)
	b.flushed = true
	b.lastStart = w.StartSec

	keep := min(b.cfg.Overlap, len(b.pending))
	tail := make([]model.Segment, keep)
	copy(tail, b.pending[len(b.pending)-keep:])
	b.pending = tail

	clear(b.emitted)
	for _, s := range tail {
		b.emitted[s.ID] = true
	}
	for id, start := range b.seen {
		if start < b.lastStart {
			delete(b.seen, id)
			b.evict(id)
		}
	}
	return w, true
}

func (b *Buffer) known(id string) bool {
	if _, ok := b.seen[id]; ok {
		return true
	}
	_, ok := b.evicted[id]
	return ok
}

func (b *Buffer) evict(id string) {
	b.evicted[id] = struct{}{}
	b.evictOrder = append(b.evictOrder, id)
	if len(b.evictOrder) > evictedIDs {
		delete(b.evicted, b.evictOrder[0])
		b.evictOrder = b.evictOrder[1:]
	}
}
