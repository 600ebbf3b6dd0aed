// Package model holds the immutable records exchanged between annotator stages.
package model

import (
	"fmt"
	"strings"
)

// Segment is a timestamped unit of transcribed speech.
type Segment struct {
	ID             string  `json:"id"`
	StartSec       float64 `json:"start_sec"`
	EndSec         float64 `json:"end_sec"`
	Text           string  `json:"text"`
	Speaker        string  `json:"speaker,omitempty"`
	EndOfUtterance bool    `json:"end_of_utterance,omitempty"`
}

// Validate reports whether the segment can enter the buffer.
func (s Segment) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("segment id is required")
	}
	if s.EndSec < s.StartSec {
		return fmt.Errorf("segment %s ends (%.3f) before it starts (%.3f)", s.ID, s.EndSec, s.StartSec)
	}
	return nil
}

// Window is a bounded run of consecutive segments analysed together.
// Segments are copied in, so a window never references buffer memory.
type Window struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Segments  []Segment `json:"segments"`
	Text      string    `json:"text"`
	StartSec  float64   `json:"start_sec"`
	EndSec    float64   `json:"end_sec"`
	Overlap   int       `json:"overlap"` // leading segments carried over from the previous window

	offsets []int
}

// NewWindow builds a window over a copy of segs.
func NewWindow(sessionID string, seq uint64, segs []Segment, overlap int) Window {
	w := Window{
		ID:        fmt.Sprintf("%s-w%06d", sessionID, seq),
		Seq:       seq,
		SessionID: sessionID,
		Segments:  make([]Segment, len(segs)),
		Overlap:   overlap,
		offsets:   make([]int, len(segs)),
	}
	copy(w.Segments, segs)

	var sb strings.Builder
	for i, s := range w.Segments {
		if i > 0 {
			sb.WriteByte(' ')
		}
		w.offsets[i] = sb.Len()
		sb.WriteString(s.Text)
	}
	w.Text = sb.String()

	if len(w.Segments) > 0 {
		w.StartSec = w.Segments[0].StartSec
		w.EndSec = w.Segments[0].EndSec
		for _, s := range w.Segments[1:] {
			if s.EndSec > w.EndSec {
				w.EndSec = s.EndSec
			}
		}
	}
	return w
}

// segmentAt returns the index of the segment containing byte offset pos.
// Offsets that land on a joining space resolve to the following segment.
func (w Window) segmentAt(pos int) int {
	offs := w.offsets
	if len(offs) != len(w.Segments) {
		offs = computeOffsets(w.Segments)
	}
	idx := 0
	for i, off := range offs {
		if off > pos {
			break
		}
		idx = i
	}
	return idx
}

func (w Window) offsetOf(i int) int {
	if len(w.offsets) == len(w.Segments) {
		return w.offsets[i]
	}
	return computeOffsets(w.Segments)[i]
}

func computeOffsets(segs []Segment) []int {
	offs := make([]int, len(segs))
	pos := 0
	for i, s := range segs {
		offs[i] = pos
		pos += len(s.Text) + 1
	}
	return offs
}

// Locate maps a byte range of the window text to a Span.
func (w Window) Locate(start, end int) Span {
	if start < 0 {
		start = 0
	}
	if end > len(w.Text) {
		end = len(w.Text)
	}
	if end < start {
		end = start
	}
	sp := Span{Start: start, End: end, Text: w.Text[start:end]}
	if len(w.Segments) == 0 {
		return sp
	}

	si := w.segmentAt(start)
	ei := si
	if end > start {
		ei = w.segmentAt(end - 1)
	}
	sp.StartSegment = w.Segments[si].ID
	sp.StartOffset = clampOffset(start-w.offsetOf(si), len(w.Segments[si].Text))
	sp.EndSegment = w.Segments[ei].ID
	sp.EndOffset = clampOffset(end-w.offsetOf(ei), len(w.Segments[ei].Text))
	sp.StartSec = w.Segments[si].StartSec
	sp.EndSec = w.Segments[ei].EndSec
	sp.Speaker = w.Segments[si].Speaker
	return sp
}

func clampOffset(off, max int) int {
	if off < 0 {
		return 0
	}
	if off > max {
		return max
	}
	return off
}

// Span is a matched range of window text. Segment-relative endpoints make
// the span comparable across overlapping windows.
type Span struct {
	Start        int     `json:"start"`
	End          int     `json:"end"`
	Text         string  `json:"text"`
	StartSegment string  `json:"start_segment"`
	StartOffset  int     `json:"start_offset"`
	EndSegment   string  `json:"end_segment"`
	EndOffset    int     `json:"end_offset"`
	StartSec     float64 `json:"start_sec"`
	EndSec       float64 `json:"end_sec"`
	Speaker      string  `json:"speaker,omitempty"`
}

// Key identifies the span independently of the window it was found in.
func (s Span) Key() string {
	return fmt.Sprintf("%s:%d-%s:%d", s.StartSegment, s.StartOffset, s.EndSegment, s.EndOffset)
}

// Overlaps reports whether two spans of the same window share any bytes.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}
