package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
)

// ErrNoRuleset is returned when no active ruleset version exists.
var ErrNoRuleset = errors.New("no active ruleset")

// RuleStore loads rulesets from the rule_sets and rules tables. It
// implements rules.Loader. With Version set that version is loaded,
// otherwise the active one.
type RuleStore struct {
	store   *Store
	Version string
}

func (s *Store) RuleStore(version string) *RuleStore {
	return &RuleStore{store: s, Version: version}
}

func (r *RuleStore) Load(ctx context.Context) (*rules.Ruleset, error) {
	version := r.Version
	if version == "" {
		err := r.store.pool.QueryRow(ctx, `
			SELECT version FROM rule_sets WHERE active ORDER BY created_at DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", rules.ErrLoad, ErrNoRuleset)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: query active version: %w", rules.ErrLoad, err)
		}
	}

	rows, err := r.store.pool.Query(ctx, `
		SELECT id, kind, category, severity, patterns, keywords, examples, sources, threshold, weight,
			message, rewrite_template, enabled, ignore_negation
		FROM rules WHERE version = $1 ORDER BY id`,
		version,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query rules: %w", rules.ErrLoad, err)
	}
	defer rows.Close()

	var list []rules.Rule
	for rows.Next() {
		var (
			rule     rules.Rule
			kind     string
			severity string
		)
		if err := rows.Scan(&rule.ID, &kind, &rule.Category, &severity, &rule.Patterns, &rule.Keywords,
			&rule.Examples, &rule.Sources, &rule.Threshold, &rule.Weight, &rule.Message, &rule.RewriteTemplate,
			&rule.Enabled, &rule.IgnoreNegation); err != nil {
			return nil, fmt.Errorf("%w: scan rule: %w", rules.ErrLoad, err)
		}
		rule.Kind = rules.Kind(kind)
		if rule.Severity, err = model.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %w", rules.ErrLoad, rule.ID, err)
		}
		list = append(list, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read rules: %w", rules.ErrLoad, err)
	}
	return rules.Build(version, list)
}

// SaveRuleset stores rs as a new version and, when activate is set, makes it
// the only active version. Existing versions are never modified.
func (s *Store) SaveRuleset(ctx context.Context, rs *rules.Ruleset, activate bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if activate {
		if _, err := tx.Exec(ctx, `UPDATE rule_sets SET active = false WHERE active`); err != nil {
			return fmt.Errorf("deactivate rulesets: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO rule_sets (version, active, created_at) VALUES ($1, $2, now())`,
		rs.Version, activate,
	); err != nil {
		return fmt.Errorf("insert ruleset %s: %w", rs.Version, err)
	}

	for _, r := range rs.Rules {
		_, err := tx.Exec(ctx, `
			INSERT INTO rules (version, id, kind, category, severity, patterns, keywords, examples, sources,
				threshold, weight, message, rewrite_template, enabled, ignore_negation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			rs.Version, r.ID, string(r.Kind), r.Category, r.Severity.String(), nonNil(r.Patterns), nonNil(r.Keywords),
			nonNil(r.Examples), nonNil(r.Sources), r.Threshold, r.Weight, r.Message, r.RewriteTemplate,
			r.Enabled, r.IgnoreNegation,
		)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
