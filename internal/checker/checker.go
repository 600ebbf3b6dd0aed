// Package checker runs a whole transcript through a fresh annotator session
// and returns the alerts it produced.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

// wordsPerSecond paces synthetic timestamps for plain-text transcripts.
const wordsPerSecond = 2.5

// Result is the outcome of one check.
type Result struct {
	SessionID string        `json:"session_id"`
	Segments  int           `json:"segments"`
	Rejected  []Rejection   `json:"rejected,omitempty"`
	Alerts    []model.Alert `json:"alerts"`
}

// Rejection names a segment that did not enter the session.
type Rejection struct {
	SegmentID string `json:"segment_id"`
	Reason    string `json:"reason"`
}

type Checker struct {
	matcher pipeline.Matcher
	gate    pipeline.Reviewer
	cfg     pipeline.Config
	logger  *slog.Logger
}

func New(m pipeline.Matcher, gate pipeline.Reviewer, cfg pipeline.Config, logger *slog.Logger) *Checker {
	return &Checker{matcher: m, gate: gate, cfg: cfg, logger: logger}
}

// Check feeds segs to a new session, drains it and collects every alert.
// The window queue is sized to hold the whole transcript, so nothing is
// dropped for backpressure.
func (c *Checker) Check(ctx context.Context, sessionID string, segs []model.Segment) (Result, error) {
	cfg := c.cfg
	if cfg.QueueDepth < len(segs)+1 {
		cfg.QueueDepth = len(segs) + 1
	}

	rec := &output.Recorder{}
	p := pipeline.New(sessionID, cfg, c.matcher, c.gate, rec, c.logger)

	res := Result{SessionID: sessionID, Segments: len(segs)}
	for _, seg := range segs {
		err := p.Ingest(seg)
		switch {
		case err == nil:
		case errors.Is(err, segment.ErrStaleSegment):
			res.Rejected = append(res.Rejected, Rejection{SegmentID: seg.ID, Reason: "stale"})
		case errors.Is(err, pipeline.ErrBackpressure):
			c.logger.Warn("window dropped during check", "segment_id", seg.ID)
		default:
			res.Rejected = append(res.Rejected, Rejection{SegmentID: seg.ID, Reason: err.Error()})
		}
	}

	if err := p.Drain(ctx); err != nil {
		return res, fmt.Errorf("check %s: %w", sessionID, err)
	}
	res.Alerts = rec.Alerts()
	return res, nil
}

// SegmentText splits a plain transcript into one segment per sentence with
// timestamps paced at a steady speaking rate. A blank line ends an utterance.
func SegmentText(text string) []model.Segment {
	var segs []model.Segment
	t := 0.0
	for pi, para := range strings.Split(text, "\n\n") {
		sents := retrieval.Sentences(para)
		for si, s := range sents {
			words := len(strings.Fields(s.Text))
			if words == 0 {
				continue
			}
			dur := float64(words) / wordsPerSecond
			segs = append(segs, model.Segment{
				ID:             fmt.Sprintf("p%d-s%d", pi+1, si+1),
				StartSec:       t,
				EndSec:         t + dur,
				Text:           s.Text,
				EndOfUtterance: si == len(sents)-1,
			})
			t += dur
		}
	}
	return segs
}
