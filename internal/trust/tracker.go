package trust

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Record is the running reliability of one rule.
type Record struct {
	RuleID           string    `json:"rule_id"`
	Score            float64   `json:"score"`
	Total            int       `json:"total"`
	Correct          int       `json:"correct"`
	CriticalFailures int       `json:"critical_failures"`
	LastSignalAt     time.Time `json:"last_signal_at"`
}

// Persister stores records. The postgres store implements it.
type Persister interface {
	UpsertRuleTrust(ctx context.Context, rec Record) error
}

// Tracker keeps per-rule records in memory and writes each update through to
// an optional Persister. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	persist Persister
	now     func() time.Time
	logger  *slog.Logger
}

func NewTracker(persist Persister, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records: make(map[string]*Record),
		persist: persist,
		now:     time.Now,
		logger:  logger,
	}
}

// Seed replaces the in-memory state with previously stored records. Records
// carrying a LastSignalAt decay from that time on.
func (t *Tracker) Seed(recs []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.records)
	for _, r := range recs {
		r := r
		t.records[r.RuleID] = &r
	}
}

// Observe applies one signal for ruleID and returns the updated record.
// Persistence failures are logged; the in-memory score still moves.
func (t *Tracker) Observe(ctx context.Context, ruleID string, severity model.Severity, correct bool, source string) Record {
	t.mu.Lock()
	rec, ok := t.records[ruleID]
	if !ok {
		rec = &Record{RuleID: ruleID, Score: InitialScore}
		t.records[ruleID] = rec
	}
	now := t.now().UTC()
	rec.Score = UpdateScoreFromSource(t.decay(*rec, now).Score, severity, correct, source)
	if !correct && source == SourceHuman && severity == model.SeverityCritical {
		rec.Score = CriticalFailureDrop(rec.Score)
		rec.CriticalFailures++
	}
	rec.Total++
	if correct {
		rec.Correct++
	}
	rec.LastSignalAt = now
	out := *rec
	t.mu.Unlock()

	if t.persist != nil {
		if err := t.persist.UpsertRuleTrust(ctx, out); err != nil {
			t.logger.Error("failed to persist rule trust", "rule", ruleID, "error", err)
		}
	}
	return out
}

// Get returns the record for ruleID, its score decayed to now.
func (t *Tracker) Get(ruleID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[ruleID]
	if !ok {
		return Record{}, false
	}
	return t.decay(*rec, t.now().UTC()), true
}

// Snapshot returns every record with decayed scores, sorted by rule id.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, t.decay(*r, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// decay pulls rec.Score towards InitialScore for each whole day since its
// last signal. Records that never saw a signal are left alone.
func (t *Tracker) decay(rec Record, now time.Time) Record {
	if rec.LastSignalAt.IsZero() {
		return rec
	}
	days := int(now.Sub(rec.LastSignalAt) / (24 * time.Hour))
	if days > 0 {
		rec.Score = DecayScore(rec.Score, DecayRate, days)
	}
	return rec
}
