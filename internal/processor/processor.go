package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aegis/internal/hermes"
	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/review"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/trust"
)

var (
	// ErrNotStarted is returned by session calls made before Start.
	ErrNotStarted = errors.New("processor not started")
	// ErrShutdown is returned by every session call after Shutdown.
	ErrShutdown = errors.New("processor shut down")
)

const reloadDrainTimeout = 10 * time.Second

// Publisher is the message-bus call the processor needs. *hermes.Client implements it.
type Publisher interface {
	Publish(subject string, data any) error
}

// MatcherFactory builds a matcher for a freshly loaded ruleset. Errors
// wrapping rules.ErrLoad reject the ruleset.
type MatcherFactory func(ctx context.Context, rs *rules.Ruleset) (pipeline.Matcher, error)

// AlertPoster resolves Slack messages back to the alerts they carry. *slack.Poster implements it.
type AlertPoster interface {
	Tracked(ts string) (model.Alert, bool)
	Take(ts string) (model.Alert, bool)
	PostThread(ctx context.Context, threadTS, text string) error
}

// FeedbackStore persists reviewer feedback on alerts. *store.Store implements it.
type FeedbackStore interface {
	UpdateAlertFeedback(ctx context.Context, alertID, status, note string) error
}

// Options wires a Processor. Rules, Matchers, Gate and Sink are required.
type Options struct {
	Rules    rules.Loader
	Matchers MatcherFactory
	Gate     pipeline.Reviewer
	Sink     output.Sink
	Pipeline pipeline.Config

	Hermes   Publisher
	Slack    AlertPoster
	Feedback FeedbackStore
	Trust    *trust.Tracker

	NewSessionID func() string
}

// Processor owns the active ruleset and the running annotator session.
type Processor struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	ruleset   *rules.Ruleset
	matcher   pipeline.Matcher
	session   *pipeline.Pipeline
	startedAt time.Time
	sessions  uint64
	reloads   uint64
	closed    bool

	draining sync.WaitGroup // sessions replaced by Reload that are still draining
}

// Status describes the running session.
type Status struct {
	SessionID      string         `json:"session_id"`
	RulesetVersion string         `json:"ruleset_version"`
	Rules          int            `json:"rules"`
	EnabledRules   int            `json:"enabled_rules"`
	StartedAt      time.Time      `json:"started_at"`
	Sessions       uint64         `json:"sessions_started"`
	Reloads        uint64         `json:"reloads"`
	Stats          pipeline.Stats `json:"stats"`
	Trust          []trust.Record `json:"trust,omitempty"`
}

func New(opts Options, logger *slog.Logger) *Processor {
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	p := &Processor{opts: opts, logger: logger}
	p.opts.Pipeline.OnDrop = p.publishBackpressure
	p.opts.Pipeline.Observe = p.observeOutcome
	return p
}

// Start loads the ruleset and opens the first session. A ruleset that cannot
// be loaded is fatal: the returned error wraps rules.ErrLoad.
func (p *Processor) Start(ctx context.Context, sessionID string) error {
	rs, m, err := p.load(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	p.ruleset, p.matcher = rs, m
	p.open(sessionID)
	return nil
}

// Reset discards the running session, in-flight windows included, and opens
// a new one with the same ruleset.
func (p *Processor) Reset(sessionID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	if p.matcher == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	old := p.session
	p.open(sessionID)
	p.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return nil
}

// Reload loads the ruleset again and restarts the session on it. Windows
// already queued finish under the old rules while new segments go to the new
// session. If loading fails the running session is kept and the error
// returned.
func (p *Processor) Reload(ctx context.Context) error {
	rs, m, err := p.load(ctx)
	if err != nil {
		p.logger.Error("ruleset reload failed, keeping current ruleset", "error", err)
		return fmt.Errorf("reload: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	old := p.session
	sessionID := ""
	if old != nil {
		sessionID = old.SessionID()
		p.draining.Add(1)
	}
	fromVersion := ""
	if p.ruleset != nil {
		fromVersion = p.ruleset.Version
	}
	p.ruleset, p.matcher = rs, m
	p.reloads++
	p.open(sessionID)
	p.mu.Unlock()

	p.logger.Info("ruleset reloaded", "from_version", fromVersion, "to_version", rs.Version, "rules", len(rs.Rules))
	if old == nil {
		return nil
	}
	defer p.draining.Done()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadDrainTimeout)
	defer cancel()
	if err := old.Drain(dctx); err != nil {
		p.logger.Warn("previous session did not drain after reload", "error", err)
	}
	return nil
}

// Ingest feeds one segment to the running session.
func (p *Processor) Ingest(seg model.Segment) error {
	s, err := p.current()
	if err != nil {
		return err
	}
	return s.Ingest(seg)
}

// Boundary marks an utterance boundary on the running session.
func (p *Processor) Boundary() error {
	s, err := p.current()
	if err != nil {
		return err
	}
	return s.Boundary()
}

// Status reports the running session and its counters.
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		StartedAt: p.startedAt,
		Sessions:  p.sessions,
		Reloads:   p.reloads,
	}
	if p.ruleset != nil {
		st.RulesetVersion = p.ruleset.Version
		st.Rules = len(p.ruleset.Rules)
		st.EnabledRules = len(p.ruleset.Enabled())
	}
	if p.session != nil {
		st.SessionID = p.session.SessionID()
		st.Stats = p.session.Stats()
	}
	if p.opts.Trust != nil {
		st.Trust = p.opts.Trust.Snapshot()
	}
	return st
}

// Shutdown drains the running session and any session a reload replaced.
// Every later session call returns ErrShutdown.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	s := p.session
	p.session = nil
	p.mu.Unlock()

	var err error
	if s != nil {
		err = s.Drain(ctx)
	}

	drained := make(chan struct{})
	go func() {
		p.draining.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("wait for reload drain: %w", ctx.Err()))
	}
	return err
}

// HandleSegment is the NATS handler for swarm.aegis.transcript.segment.
// A segment naming a different session starts that session.
func (p *Processor) HandleSegment(subject string, data []byte) {
	var msg segmentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Error("failed to parse segment", "error", err)
		return
	}

	if msg.SessionID != "" && msg.SessionID != p.sessionID() {
		p.logger.Info("segment for a new session, resetting", "session_id", msg.SessionID)
		if err := p.Reset(msg.SessionID); err != nil {
			if errors.Is(err, ErrShutdown) {
				p.logger.Debug("segment dropped after shutdown", "segment_id", msg.ID)
				return
			}
			p.logger.Error("failed to open session", "session_id", msg.SessionID, "error", err)
			return
		}
	}

	if err := p.Ingest(msg.Segment); err != nil && !errors.Is(err, pipeline.ErrBackpressure) {
		p.logger.Debug("segment not ingested", "segment_id", msg.ID, "error", err)
	}
}

// HandleControl is the NATS handler for swarm.aegis.session.control.
func (p *Processor) HandleControl(subject string, data []byte) {
	var msg hermes.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Error("failed to parse control message", "error", err)
		return
	}

	var err error
	switch msg.Command {
	case hermes.ControlBoundary:
		err = p.Boundary()
	case hermes.ControlReset:
		err = p.Reset(msg.SessionID)
	case hermes.ControlReload:
		err = p.Reload(context.Background())
	default:
		p.logger.Warn("unknown control command", "command", msg.Command)
		return
	}
	if err != nil && !errors.Is(err, pipeline.ErrBackpressure) {
		p.logger.Error("control command failed", "command", msg.Command, "error", err)
		return
	}
	p.logger.Info("control command applied", "command", msg.Command)
}

type segmentMessage struct {
	SessionID string `json:"session_id,omitempty"`
	model.Segment
}

func (p *Processor) load(ctx context.Context) (*rules.Ruleset, pipeline.Matcher, error) {
	rs, err := p.opts.Rules.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	m, err := p.opts.Matchers(ctx, rs)
	if err != nil {
		return nil, nil, err
	}
	return rs, m, nil
}

// open starts a session on the current matcher. Callers hold p.mu.
func (p *Processor) open(sessionID string) {
	if sessionID == "" {
		sessionID = p.opts.NewSessionID()
	}
	p.session = pipeline.New(sessionID, p.opts.Pipeline, p.matcher, p.opts.Gate, p.opts.Sink, p.logger)
	p.startedAt = time.Now().UTC()
	p.sessions++
	p.logger.Info("session started", "session_id", sessionID, "ruleset_version", p.ruleset.Version)
}

func (p *Processor) current() (*pipeline.Pipeline, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if p.session == nil {
		return nil, ErrNotStarted
	}
	return p.session, nil
}

func (p *Processor) sessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return ""
	}
	return p.session.SessionID()
}

func (p *Processor) publishBackpressure(w model.Window) {
	if p.opts.Hermes == nil {
		return
	}
	if err := p.opts.Hermes.Publish(hermes.SubjectBackpressure, hermes.BackpressureSignal{
		SessionID:     w.SessionID,
		DroppedWindow: w.ID,
		QueueDepth:    p.opts.Pipeline.QueueDepth,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		p.logger.Error("failed to publish backpressure signal", "error", err)
	}
}

// observeOutcome feeds automated review verdicts into the rule trust scores.
// Unreviewed outcomes carry no verdict and are ignored.
func (p *Processor) observeOutcome(out review.Outcome) {
	if p.opts.Trust == nil || out.Unreviewed {
		return
	}
	source := trust.SourceHeuristic
	if out.QualityScore > 0 {
		source = trust.SourceGuardian
	}
	p.opts.Trust.Observe(context.Background(), out.Finding.RuleID, out.Finding.Severity, out.Verdict != review.Suppressed, source)
}
