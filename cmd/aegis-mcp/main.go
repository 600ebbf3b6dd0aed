// Command aegis-mcp serves the compliance annotator as an MCP tool over stdio.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/MikeSquared-Agency/aegis/internal/anthropic"
	"github.com/MikeSquared-Agency/aegis/internal/checker"
	"github.com/MikeSquared-Agency/aegis/internal/config"
	"github.com/MikeSquared-Agency/aegis/internal/logging"
	"github.com/MikeSquared-Agency/aegis/internal/matcher"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/retrieval"
	"github.com/MikeSquared-Agency/aegis/internal/review"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

const version = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	cfg := config.Load()
	// stdout carries the MCP protocol.
	logger := logging.Setup(cfg.LogLevel, os.Stderr)

	ctx := context.Background()
	c, err := newChecker(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start checker", "error", err)
		os.Exit(1)
	}

	if err := server.ServeStdio(checker.NewMCPServer(c, version)); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}

func newChecker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*checker.Checker, error) {
	rs, err := rules.FileLoader{Path: cfg.RulesPath}.Load(ctx)
	if err != nil {
		return nil, err
	}

	var emb retrieval.Embedder = retrieval.NewHashEmbedder(512)
	if cfg.OpenAIAPIKey != "" {
		emb = retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	}

	docs, err := retrieval.SampleDocuments()
	if cfg.CorpusDir != "" {
		docs, err = retrieval.LoadDir(cfg.CorpusDir)
	}
	if err != nil {
		return nil, err
	}
	idx, err := retrieval.BuildIndex(ctx, emb, docs)
	if err != nil {
		return nil, err
	}

	m, err := matcher.New(ctx, rs, emb, idx, matcher.Config{
		ConfidenceFloor: cfg.RuleConfidenceFloor,
		SemanticTimeout: cfg.SemanticTimeout,
		Workers:         cfg.MatchWorkers,
	}, logger)
	if err != nil {
		return nil, err
	}

	chain := review.Chain{review.NewHeuristic()}
	if cfg.AnthropicAPIKey != "" {
		chain = append(chain, review.NewGuardian(anthropic.NewClient(cfg.AnthropicAPIKey, cfg.ReviewModel), logger))
	}

	logger.Info("checker ready", "ruleset_version", rs.Version, "rules", len(rs.Rules), "chunks", idx.Len())
	return checker.New(m, review.NewGate(chain, cfg.ReviewTimeout, logger), pipeline.Config{
		Segment: segment.Config{
			SpanSeconds: cfg.WindowSpanSeconds,
			MaxSegments: cfg.WindowMaxSegments,
			Overlap:     cfg.WindowOverlapSegments,
		},
		MatchWorkers: cfg.MatchWorkers,
	}, logger), nil
}
