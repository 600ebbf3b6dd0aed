package store

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// WriteAlert inserts an alert. Alerts are append-only; rewriting an existing
// id is a no-op.
func (s *Store) WriteAlert(ctx context.Context, a model.Alert) error {
	var supersedes *string
	if a.Supersedes != "" {
		supersedes = &a.Supersedes
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, finding_id, session_id, window_id, window_seq, rule_id, category, severity,
			confidence, message, suggestion, excerpt, start_sec, end_sec, speaker, unreviewed, review_note,
			supersedes, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.FindingID, a.SessionID, a.WindowID, int64(a.WindowSeq), a.RuleID, a.Category, a.Severity.String(),
		a.Confidence, a.Message, a.Suggestion, a.Excerpt, a.StartSec, a.EndSec, a.Speaker, a.Unreviewed, a.ReviewNote,
		supersedes, a.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// ListAlerts returns a session's alerts in emission order. An empty
// sessionID lists the most recent alerts across sessions.
func (s *Store) ListAlerts(ctx context.Context, sessionID string, limit int) ([]model.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, finding_id, session_id, window_id, window_seq, rule_id, category, severity, confidence,
			message, suggestion, excerpt, start_sec, end_sec, speaker, unreviewed, review_note,
			COALESCE(supersedes, ''), emitted_at, feedback_status, feedback_note, feedback_at
		FROM (
			SELECT * FROM alerts
			WHERE $1 = '' OR session_id = $1
			ORDER BY emitted_at DESC, window_seq DESC
			LIMIT $2
		) recent
		ORDER BY emitted_at, window_seq`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		var (
			r        model.AlertRecord
			seq      int64
			severity string
		)
		if err := rows.Scan(&r.ID, &r.FindingID, &r.SessionID, &r.WindowID, &seq, &r.RuleID, &r.Category, &severity,
			&r.Confidence, &r.Message, &r.Suggestion, &r.Excerpt, &r.StartSec, &r.EndSec, &r.Speaker, &r.Unreviewed,
			&r.ReviewNote, &r.Supersedes, &r.EmittedAt, &r.FeedbackStatus, &r.FeedbackNote, &r.FeedbackAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		r.WindowSeq = uint64(seq)
		if r.Severity, err = model.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("alert %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAlertFeedback records a human verdict on an alert.
func (s *Store) UpdateAlertFeedback(ctx context.Context, alertID, status, note string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET feedback_status = $1, feedback_note = $2, feedback_at = now()
		WHERE id = $3`,
		status, note, alertID,
	)
	if err != nil {
		return fmt.Errorf("update alert feedback: %w", err)
	}
	return nil
}

// AlertSink writes alerts to the alerts table.
type AlertSink struct {
	store *Store
}

func (s *Store) AlertSink() *AlertSink {
	return &AlertSink{store: s}
}

func (a *AlertSink) Write(ctx context.Context, alert model.Alert) error {
	return a.store.WriteAlert(ctx, alert)
}

func (a *AlertSink) Close() error { return nil }
