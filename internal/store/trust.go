package store

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/aegis/internal/trust"
)

// UpsertRuleTrust creates or updates the trust record of a rule.
func (s *Store) UpsertRuleTrust(ctx context.Context, rec trust.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_trust (rule_id, trust_score, total_signals, correct_signals, critical_failures, last_signal_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (rule_id)
		DO UPDATE SET
			trust_score = $2,
			total_signals = $3,
			correct_signals = $4,
			critical_failures = $5,
			last_signal_at = $6,
			updated_at = now()`,
		rec.RuleID, rec.Score, rec.Total, rec.Correct, rec.CriticalFailures, rec.LastSignalAt,
	)
	if err != nil {
		return fmt.Errorf("upsert rule trust: %w", err)
	}
	return nil
}

// ListRuleTrust returns every stored trust record.
func (s *Store) ListRuleTrust(ctx context.Context) ([]trust.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, trust_score, total_signals, correct_signals, critical_failures, COALESCE(last_signal_at, updated_at)
		FROM rule_trust ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("query rule trust: %w", err)
	}
	defer rows.Close()

	var out []trust.Record
	for rows.Next() {
		var r trust.Record
		if err := rows.Scan(&r.RuleID, &r.Score, &r.Total, &r.Correct, &r.CriticalFailures, &r.LastSignalAt); err != nil {
			return nil, fmt.Errorf("scan rule trust: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
