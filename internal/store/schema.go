package store

import (
	"context"
	"fmt"
)

// schema creates every table aegis writes to. Statements are idempotent.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS alerts (
	id              text PRIMARY KEY,
	finding_id      text NOT NULL,
	session_id      text NOT NULL,
	window_id       text NOT NULL,
	window_seq      bigint NOT NULL,
	rule_id         text NOT NULL,
	category        text NOT NULL,
	severity        text NOT NULL,
	confidence      double precision NOT NULL,
	message         text NOT NULL DEFAULT '',
	suggestion      text NOT NULL DEFAULT '',
	excerpt         text NOT NULL DEFAULT '',
	start_sec       double precision NOT NULL,
	end_sec         double precision NOT NULL,
	speaker         text NOT NULL DEFAULT '',
	unreviewed      boolean NOT NULL DEFAULT false,
	review_note     text NOT NULL DEFAULT '',
	supersedes      text,
	emitted_at      timestamptz NOT NULL,
	feedback_status text NOT NULL DEFAULT 'pending',
	feedback_note   text NOT NULL DEFAULT '',
	feedback_at     timestamptz
);
CREATE INDEX IF NOT EXISTS alerts_session_idx ON alerts (session_id, window_seq);

CREATE TABLE IF NOT EXISTS rule_sets (
	version    text PRIMARY KEY,
	active     boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rules (
	version          text NOT NULL REFERENCES rule_sets (version) ON DELETE CASCADE,
	id               text NOT NULL,
	kind             text NOT NULL,
	category         text NOT NULL,
	severity         text NOT NULL,
	patterns         text[] NOT NULL DEFAULT '{}',
	keywords         text[] NOT NULL DEFAULT '{}',
	examples         text[] NOT NULL DEFAULT '{}',
	sources          text[] NOT NULL DEFAULT '{}',
	threshold        double precision NOT NULL DEFAULT 0,
	weight           double precision NOT NULL DEFAULT 1,
	message          text NOT NULL DEFAULT '',
	rewrite_template text NOT NULL,
	enabled          boolean NOT NULL DEFAULT true,
	ignore_negation  boolean NOT NULL DEFAULT false,
	PRIMARY KEY (version, id)
);

CREATE TABLE IF NOT EXISTS corpus_chunks (
	id          text PRIMARY KEY,
	source      text NOT NULL,
	chunk_index integer NOT NULL,
	content     text NOT NULL,
	embedding   vector NOT NULL
);
CREATE INDEX IF NOT EXISTS corpus_chunks_source_idx ON corpus_chunks (source);

CREATE TABLE IF NOT EXISTS rule_trust (
	rule_id           text PRIMARY KEY,
	trust_score       double precision NOT NULL,
	total_signals     integer NOT NULL,
	correct_signals   integer NOT NULL,
	critical_failures integer NOT NULL,
	last_signal_at    timestamptz,
	updated_at        timestamptz NOT NULL DEFAULT now()
);
`

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
