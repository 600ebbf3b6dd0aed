package pipeline

import "sync/atomic"

type counters struct {
	segments     atomic.Uint64
	stale        atomic.Uint64
	invalid      atomic.Uint64
	windows      atomic.Uint64
	backpressure atomic.Uint64
	cancelled    atomic.Uint64
	ruleFailures atomic.Uint64
	findings     atomic.Uint64
	promoted     atomic.Uint64
	suppressed   atomic.Uint64
	downgraded   atomic.Uint64
	unreviewed   atomic.Uint64
	alerts       atomic.Uint64
	sinkErrors   atomic.Uint64
	skipped      atomic.Uint64
	late         atomic.Uint64
}

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	Segments        uint64 `json:"segments"`
	StaleSegments   uint64 `json:"stale_segments"`
	InvalidSegments uint64 `json:"invalid_segments"`
	Windows         uint64 `json:"windows"`
	DroppedWindows  uint64 `json:"dropped_windows"`
	Cancelled       uint64 `json:"cancelled_windows"`
	RuleFailures    uint64 `json:"rule_failures"`
	Findings        uint64 `json:"findings"`
	Promoted        uint64 `json:"promoted"`
	Suppressed      uint64 `json:"suppressed"`
	Downgraded      uint64 `json:"downgraded"`
	Unreviewed      uint64 `json:"unreviewed"`
	Alerts          uint64 `json:"alerts"`
	SinkErrors      uint64 `json:"sink_errors"`
	SkippedWindows  uint64 `json:"skipped_windows"`
	LateBatches     uint64 `json:"late_batches"`
	QueuedWindows   int    `json:"queued_windows"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	c := &p.stats
	return Stats{
		Segments:        c.segments.Load(),
		StaleSegments:   c.stale.Load(),
		InvalidSegments: c.invalid.Load(),
		Windows:         c.windows.Load(),
		DroppedWindows:  c.backpressure.Load(),
		Cancelled:       c.cancelled.Load(),
		RuleFailures:    c.ruleFailures.Load(),
		Findings:        c.findings.Load(),
		Promoted:        c.promoted.Load(),
		Suppressed:      c.suppressed.Load(),
		Downgraded:      c.downgraded.Load(),
		Unreviewed:      c.unreviewed.Load(),
		Alerts:          c.alerts.Load(),
		SinkErrors:      c.sinkErrors.Load(),
		SkippedWindows:  c.skipped.Load(),
		LateBatches:     c.late.Load(),
		QueuedWindows:   p.windows.Len(),
	}
}
