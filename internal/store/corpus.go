package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
)

// SaveChunks upserts embedded reference chunks.
func (s *Store) SaveChunks(ctx context.Context, chunks []retrieval.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("save chunks: %d chunks, %d vectors", len(chunks), len(vectors))
	}
	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(`
			INSERT INTO corpus_chunks (id, source, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4, $5::vector)
			ON CONFLICT (id) DO UPDATE SET content = $4, embedding = $5::vector`,
			c.ID, c.Source, c.Index, c.Text, pgVector(vectors[i]),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}
	return nil
}

// CountChunks returns how many chunks the corpus holds.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM corpus_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Corpus searches corpus_chunks by cosine distance. It implements
// retrieval.Searcher.
type Corpus struct {
	store *Store
}

func (s *Store) Corpus() *Corpus {
	return &Corpus{store: s}
}

func (c *Corpus) Search(ctx context.Context, vec []float32, k int, sources []string) ([]retrieval.Hit, error) {
	if k <= 0 {
		k = retrieval.DefaultTopK
	}
	rows, err := c.store.pool.Query(ctx, `
		SELECT id, source, chunk_index, content, 1 - (embedding <=> $1::vector) AS score
		FROM corpus_chunks
		WHERE cardinality($3::text[]) = 0 OR source = ANY($3::text[])
		ORDER BY embedding <=> $1::vector
		LIMIT $2`,
		pgVector(vec), k, nonNil(sources),
	)
	if err != nil {
		return nil, fmt.Errorf("search corpus: %w", err)
	}
	defer rows.Close()

	var hits []retrieval.Hit
	for rows.Next() {
		var h retrieval.Hit
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.Source, &h.Chunk.Index, &h.Chunk.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
