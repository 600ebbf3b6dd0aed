package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/aegis/internal/anthropic"
	"github.com/MikeSquared-Agency/aegis/internal/api"
	"github.com/MikeSquared-Agency/aegis/internal/config"
	"github.com/MikeSquared-Agency/aegis/internal/hermes"
	"github.com/MikeSquared-Agency/aegis/internal/journal"
	"github.com/MikeSquared-Agency/aegis/internal/matcher"
	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/output"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/processor"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/review"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/slack"
	"github.com/MikeSquared-Agency/aegis/internal/store"
)

const hashEmbeddingDim = 512

func newEmbedder(cfg config.Config, logger *slog.Logger) retrieval.Embedder {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, semantic rules use the local hash embedder")
		return retrieval.NewHashEmbedder(hashEmbeddingDim)
	}
	logger.Info("openai embedder ready", "model", cfg.EmbeddingModel)
	return retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
}

// newCorpus indexes the reference documents. With a database the chunks are
// stored in pgvector once and searched there; otherwise the index stays in
// memory.
func newCorpus(ctx context.Context, cfg config.Config, emb retrieval.Embedder, db *store.Store, logger *slog.Logger) (retrieval.Searcher, error) {
	if db != nil {
		n, err := db.CountChunks(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			logger.Info("using stored reference corpus", "chunks", n)
			return db.Corpus(), nil
		}
	}

	docs, err := corpusDocuments(cfg)
	if err != nil {
		return nil, err
	}
	idx, err := retrieval.BuildIndex(ctx, emb, docs)
	if err != nil {
		return nil, fmt.Errorf("index corpus: %w", err)
	}
	logger.Info("reference corpus indexed", "documents", len(docs), "chunks", idx.Len())

	if db == nil {
		return idx, nil
	}
	chunks, vecs := idx.Chunks()
	if err := db.SaveChunks(ctx, chunks, vecs); err != nil {
		return nil, err
	}
	logger.Info("reference corpus stored", "chunks", len(chunks))
	return db.Corpus(), nil
}

func corpusDocuments(cfg config.Config) ([]retrieval.Document, error) {
	if cfg.CorpusDir == "" {
		return retrieval.SampleDocuments()
	}
	return retrieval.LoadDir(cfg.CorpusDir)
}

// newRuleLoader picks the ruleset source. A postgres source with no active
// ruleset is seeded from the file ruleset.
func newRuleLoader(ctx context.Context, cfg config.Config, db *store.Store, logger *slog.Logger) (rules.Loader, error) {
	file := rules.FileLoader{Path: cfg.RulesPath}
	if cfg.RulesSource != config.RulesFromPostgres {
		return file, nil
	}

	rs := db.RuleStore(cfg.RulesVersion)
	_, err := rs.Load(ctx)
	if err == nil || !errors.Is(err, store.ErrNoRuleset) || cfg.RulesVersion != "" {
		return rs, nil
	}

	seed, err := file.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.SaveRuleset(ctx, seed, true); err != nil {
		return nil, fmt.Errorf("seed ruleset: %w", err)
	}
	logger.Info("seeded postgres ruleset", "version", seed.Version, "rules", len(seed.Rules))
	return rs, nil
}

func newMatcherFactory(cfg config.Config, emb retrieval.Embedder, corpus retrieval.Searcher, logger *slog.Logger) processor.MatcherFactory {
	mcfg := matcher.Config{
		ConfidenceFloor: cfg.RuleConfidenceFloor,
		SemanticTimeout: cfg.SemanticTimeout,
		Workers:         cfg.MatchWorkers,
	}
	return func(ctx context.Context, rs *rules.Ruleset) (pipeline.Matcher, error) {
		return matcher.New(ctx, rs, emb, corpus, mcfg, logger)
	}
}

// newGate chains the heuristic reviewer with the guardian model when an
// Anthropic key is configured.
func newGate(cfg config.Config, logger *slog.Logger) *review.Gate {
	chain := review.Chain{review.NewHeuristic()}
	if cfg.AnthropicAPIKey != "" {
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.ReviewModel)
		chain = append(chain, review.NewGuardian(llm, logger))
		logger.Info("guardian review ready", "model", llm.Model())
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set, findings are reviewed by heuristics only")
	}
	return review.NewGate(chain, cfg.ReviewTimeout, logger)
}

// newSinks fans alerts out to every configured destination. The Slack queue
// is returned separately so its drops can be reported; it is nil without a poster.
func newSinks(cfg config.Config, hermesClient *hermes.Client, db *store.Store, jrnl *journal.Journal, poster *slack.Poster, hub *api.Hub, logger *slog.Logger) (*output.Multi, *output.Async) {
	sinks := output.NewMulti(hub)
	if hermesClient != nil {
		sinks.Add(output.NewPublishSink(hermesClient, hermes.SubjectAlert))
	}
	if db != nil {
		sinks.Add(db.AlertSink())
	}
	if jrnl != nil {
		sinks.Add(jrnl)
	}
	if poster != nil {
		minSev, err := model.ParseSeverity(cfg.SlackMinSeverity)
		if err != nil {
			minSev = model.SeverityHigh
		}
		queue := output.NewAsync(output.MinSeverity{Min: minSev, Next: poster},
			output.WithDropOnFull(),
			output.WithOnError(func(err error) {
				logger.Warn("failed to post alert to slack", "error", err)
			}),
		)
		sinks.Add(queue)
		return sinks, queue
	}
	return sinks, nil
}
