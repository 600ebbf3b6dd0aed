// Package matcher evaluates a ruleset against analysis windows.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
)

const (
	defaultSemanticTimeout = 800 * time.Millisecond
	defaultWorkers         = 4
)

// Config tunes rule evaluation.
type Config struct {
	ConfidenceFloor float64       // findings below max(rule threshold, floor) are dropped
	SemanticTimeout time.Duration // per semantic rule, embedding wait included
	Workers         int           // rules evaluated concurrently per window
}

// RuleFailure records a rule that could not be evaluated for a window.
// It never fails the window.
type RuleFailure struct {
	RuleID string
	Err    error
}

func (f RuleFailure) Error() string {
	return fmt.Sprintf("rule %s: %v", f.RuleID, f.Err)
}

func (f RuleFailure) Unwrap() error {
	return f.Err
}

// Result is the outcome of matching one window.
type Result struct {
	WindowID string
	Findings []model.Finding // sorted by rule id
	Failures []RuleFailure
}

// Matcher runs enabled rules against windows. It is safe for concurrent use.
type Matcher struct {
	rules     []*rules.Rule
	cfg       Config
	emb       retrieval.Embedder
	corpus    retrieval.Searcher
	exemplars map[string][][]float32
	logger    *slog.Logger
}

// New prepares a matcher for rs. Exemplars of semantic rules are embedded
// up front; a failure to do so is a ruleset load error.
func New(ctx context.Context, rs *rules.Ruleset, emb retrieval.Embedder, corpus retrieval.Searcher, cfg Config, logger *slog.Logger) (*Matcher, error) {
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = defaultSemanticTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Matcher{
		rules:     rs.Enabled(),
		cfg:       cfg,
		emb:       emb,
		corpus:    corpus,
		exemplars: make(map[string][][]float32),
		logger:    logger,
	}

	for _, r := range m.rules {
		if r.Kind != rules.KindSemantic {
			continue
		}
		if emb == nil {
			return nil, fmt.Errorf("%w: rule %s: semantic rule without an embedder", rules.ErrLoad, r.ID)
		}
		if len(r.Examples) == 0 {
			if corpus == nil {
				return nil, fmt.Errorf("%w: rule %s: no examples and no corpus", rules.ErrLoad, r.ID)
			}
			continue
		}
		vecs, err := emb.Embed(ctx, r.Examples)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: embed examples: %w", rules.ErrLoad, r.ID, err)
		}
		m.exemplars[r.ID] = vecs
	}
	return m, nil
}

// Rules returns the number of enabled rules.
func (m *Matcher) Rules() int {
	return len(m.rules)
}

// Match evaluates every enabled rule against w. Rules run in parallel; each
// yields at most one finding. A cancelled ctx discards all partial results.
func (m *Matcher) Match(ctx context.Context, w model.Window) (Result, error) {
	found := make([]*model.Finding, len(m.rules))
	failed := make([]error, len(m.rules))

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	norm := rules.Normalize(w.Text)
	sents := newSentenceCache(wctx, m.emb, w.Text)

	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	for i, r := range m.rules {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			f, err := m.evaluate(ctx, r, w, norm, sents)
			if err != nil {
				failed[i] = err
				return nil
			}
			found[i] = f
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("match window %s: %w", w.ID, err)
	}

	res := Result{WindowID: w.ID}
	for i, r := range m.rules {
		if failed[i] != nil {
			res.Failures = append(res.Failures, RuleFailure{RuleID: r.ID, Err: failed[i]})
			m.logger.Warn("rule evaluation failed", "rule", r.ID, "window", w.ID, "error", failed[i])
			continue
		}
		if found[i] != nil {
			res.Findings = append(res.Findings, *found[i])
		}
	}
	return res, nil
}

func (m *Matcher) evaluate(ctx context.Context, r *rules.Rule, w model.Window, norm rules.Normalized, sents *sentenceCache) (f *model.Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("rule panicked", "rule", r.ID, "panic", p, "stack", string(debug.Stack()))
			f, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	var c *candidate
	switch r.Kind {
	case rules.KindLexical:
		c = matchLexical(r, w, norm)
	case rules.KindSemantic:
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SemanticTimeout)
		defer cancel()
		c, err = m.matchSemantic(sctx, r, w, sents)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported kind %q", r.Kind)
	}
	if c == nil {
		return nil, nil
	}

	if c.confidence < max(r.Threshold, m.cfg.ConfidenceFloor) {
		return nil, nil
	}

	suggestion, err := r.Suggestion(c.span.Text, c.groups)
	if err != nil {
		return nil, err
	}

	return &model.Finding{
		ID:         uuid.NewString(),
		WindowID:   w.ID,
		WindowSeq:  w.Seq,
		RuleID:     r.ID,
		Category:   r.Category,
		Severity:   r.Severity,
		Confidence: c.confidence,
		Span:       c.span,
		Suggestion: suggestion,
		Message:    r.Message,
		Reference:  c.ref,
	}, nil
}

// candidate is a rule hit before thresholding.
type candidate struct {
	span       model.Span
	confidence float64
	groups     map[string]string
	ref        *model.Reference
}
