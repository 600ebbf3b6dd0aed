// Package journal keeps a local SQLite record of emitted alerts, so a
// single-node deployment can serve alert history and feedback without Postgres.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	findingId TEXT NOT NULL,
	sessionId TEXT NOT NULL,
	windowId TEXT NOT NULL,
	windowSeq INTEGER NOT NULL,
	ruleId TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	confidence REAL NOT NULL,
	message TEXT NOT NULL,
	suggestion TEXT NOT NULL,
	excerpt TEXT NOT NULL,
	startSec REAL NOT NULL,
	endSec REAL NOT NULL,
	speaker TEXT NOT NULL DEFAULT '',
	unreviewed INTEGER NOT NULL DEFAULT 0,
	reviewNote TEXT NOT NULL DEFAULT '',
	supersedes TEXT NOT NULL DEFAULT '',
	emittedAt REAL NOT NULL,
	feedbackStatus TEXT NOT NULL DEFAULT 'pending',
	feedbackNote TEXT NOT NULL DEFAULT '',
	feedbackAt REAL
);
CREATE INDEX IF NOT EXISTS alerts_session ON alerts (sessionId, emittedAt);
`

// Journal is an append-only alert log in SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Write implements output.Sink. Rewriting an existing alert id is a no-op.
func (j *Journal) Write(ctx context.Context, a model.Alert) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (id, findingId, sessionId, windowId, windowSeq, ruleId, category, severity,
			confidence, message, suggestion, excerpt, startSec, endSec, speaker, unreviewed, reviewNote,
			supersedes, emittedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FindingID, a.SessionID, a.WindowID, int64(a.WindowSeq), a.RuleID, a.Category, a.Severity.String(),
		a.Confidence, a.Message, a.Suggestion, a.Excerpt, a.StartSec, a.EndSec, a.Speaker, a.Unreviewed, a.ReviewNote,
		a.Supersedes, unixFromTime(a.EmittedAt),
	)
	if err != nil {
		return fmt.Errorf("journal alert %s: %w", a.ID, err)
	}
	return nil
}

// ListAlerts returns a session's most recent alerts in emission order. An
// empty sessionID lists across sessions.
func (j *Journal) ListAlerts(ctx context.Context, sessionID string, limit int) ([]model.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, findingId, sessionId, windowId, windowSeq, ruleId, category, severity, confidence,
			message, suggestion, excerpt, startSec, endSec, speaker, unreviewed, reviewNote, supersedes,
			emittedAt, feedbackStatus, feedbackNote, feedbackAt
		FROM (
			SELECT * FROM alerts
			WHERE ? = '' OR sessionId = ?
			ORDER BY emittedAt DESC, windowSeq DESC
			LIMIT ?
		)
		ORDER BY emittedAt ASC, windowSeq ASC
	`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		var (
			r          model.AlertRecord
			seq        int64
			severity   string
			emittedAt  float64
			feedbackAt sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.FindingID, &r.SessionID, &r.WindowID, &seq, &r.RuleID, &r.Category, &severity,
			&r.Confidence, &r.Message, &r.Suggestion, &r.Excerpt, &r.StartSec, &r.EndSec, &r.Speaker, &r.Unreviewed,
			&r.ReviewNote, &r.Supersedes, &emittedAt, &r.FeedbackStatus, &r.FeedbackNote, &feedbackAt); err != nil {
			return nil, fmt.Errorf("scan journal alert: %w", err)
		}
		r.WindowSeq = uint64(seq)
		if r.Severity, err = model.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("journal alert %s: %w", r.ID, err)
		}
		r.EmittedAt = timeFromUnix(emittedAt)
		if feedbackAt.Valid {
			t := timeFromUnix(feedbackAt.Float64)
			r.FeedbackAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAlertFeedback records a human verdict on an alert.
func (j *Journal) UpdateAlertFeedback(ctx context.Context, alertID, status, note string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE alerts SET feedbackStatus = ?, feedbackNote = ?, feedbackAt = ?
		WHERE id = ?`,
		status, note, unixFromTime(time.Now()), alertID,
	)
	if err != nil {
		return fmt.Errorf("update journal feedback: %w", err)
	}
	return nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
