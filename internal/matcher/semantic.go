package matcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
)

// sentenceCache embeds a window's sentences once and shares the vectors
// between every semantic rule evaluated for that window.
type sentenceCache struct {
	ctx  context.Context
	emb  retrieval.Embedder
	text string

	once  sync.Once
	done  chan struct{}
	sents []retrieval.Sentence
	vecs  [][]float32
	err   error
}

func newSentenceCache(ctx context.Context, emb retrieval.Embedder, text string) *sentenceCache {
	return &sentenceCache{ctx: ctx, emb: emb, text: text, done: make(chan struct{})}
}

// get waits for the shared embedding or for ctx, whichever comes first.
func (c *sentenceCache) get(ctx context.Context) ([]retrieval.Sentence, [][]float32, error) {
	c.once.Do(func() { go c.load() })
	select {
	case <-c.done:
		return c.sents, c.vecs, c.err
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for sentence embeddings: %w", ctx.Err())
	}
}

func (c *sentenceCache) load() {
	defer close(c.done)
	c.sents = retrieval.Sentences(c.text)
	if len(c.sents) == 0 {
		return
	}
	texts := make([]string, len(c.sents))
	for i, s := range c.sents {
		texts[i] = s.Text
	}
	vecs, err := c.emb.Embed(c.ctx, texts)
	if err != nil {
		c.err = fmt.Errorf("embed window sentences: %w", err)
		return
	}
	if len(vecs) != len(texts) {
		c.err = fmt.Errorf("embed window sentences: got %d vectors for %d sentences", len(vecs), len(texts))
		return
	}
	c.vecs = vecs
}

// matchSemantic scores each window sentence against the rule's exemplars, or
// against the corpus when the rule has none, and keeps the best sentence.
func (m *Matcher) matchSemantic(ctx context.Context, r *rules.Rule, w model.Window, cache *sentenceCache) (*candidate, error) {
	sents, vecs, err := cache.get(ctx)
	if err != nil {
		return nil, err
	}
	if len(sents) == 0 {
		return nil, nil
	}

	best, bestIdx := -1.0, -1
	var bestHit *retrieval.Hit
	exemplars := m.exemplars[r.ID]
	for i, v := range vecs {
		if len(exemplars) > 0 {
			for _, ex := range exemplars {
				if s := retrieval.Cosine(v, ex); s > best {
					best, bestIdx = s, i
				}
			}
			continue
		}
		hits, err := m.corpus.Search(ctx, v, 1, r.Sources)
		if err != nil {
			return nil, fmt.Errorf("search corpus: %w", err)
		}
		if len(hits) > 0 && hits[0].Score > best {
			best, bestIdx = hits[0].Score, i
			h := hits[0]
			bestHit = &h
		}
	}
	if bestIdx < 0 {
		return nil, nil
	}

	if bestHit == nil && m.corpus != nil {
		hits, err := m.corpus.Search(ctx, vecs[bestIdx], 1, r.Sources)
		if err != nil {
			return nil, fmt.Errorf("search corpus: %w", err)
		}
		if len(hits) > 0 {
			bestHit = &hits[0]
		}
	}

	c := &candidate{
		span:       w.Locate(sents[bestIdx].Start, sents[bestIdx].End),
		confidence: clamp01(best * r.Weight),
	}
	if bestHit != nil {
		c.ref = &model.Reference{
			Source: bestHit.Chunk.Source,
			Chunk:  bestHit.Chunk.ID,
			Text:   bestHit.Chunk.Text,
			Score:  bestHit.Score,
		}
	}
	return c, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
