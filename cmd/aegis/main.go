package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/aegis/internal/api"
	"github.com/MikeSquared-Agency/aegis/internal/config"
	"github.com/MikeSquared-Agency/aegis/internal/hermes"
	"github.com/MikeSquared-Agency/aegis/internal/journal"
	"github.com/MikeSquared-Agency/aegis/internal/logging"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/processor"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
	"github.com/MikeSquared-Agency/aegis/internal/slack"
	"github.com/MikeSquared-Agency/aegis/internal/store"
	"github.com/MikeSquared-Agency/aegis/internal/trust"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("aegis starting", "port", cfg.Port, "rules_source", cfg.RulesSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database (optional unless rules come from postgres)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected")
	} else {
		logger.Warn("DATABASE_URL not set, alerts and trust scores are not persisted to postgres")
	}

	// Local journal
	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.JournalPath, "error", err)
			os.Exit(1)
		}
		defer jrnl.Close()
		logger.Info("journal open", "path", cfg.JournalPath)
	}

	// Retrieval
	emb := newEmbedder(cfg, logger)
	corpus, err := newCorpus(ctx, cfg, emb, db, logger)
	if err != nil {
		logger.Error("failed to build reference corpus", "error", err)
		os.Exit(1)
	}

	// Rules
	loader, err := newRuleLoader(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("failed to prepare ruleset", "error", err)
		os.Exit(1)
	}

	// Trust
	var tracker *trust.Tracker
	if db != nil {
		tracker = trust.NewTracker(db, logger)
		recs, err := db.ListRuleTrust(ctx)
		if err != nil {
			logger.Warn("failed to load rule trust", "error", err)
		}
		tracker.Seed(recs)
	} else {
		tracker = trust.NewTracker(nil, logger)
	}

	// NATS/Hermes
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS_URL not set, running with HTTP ingestion only")
	}

	// Slack poster (optional, alerts are still emitted without a review loop)
	var slackPoster *slack.Poster
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		slackPoster = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info("slack poster ready", "channel", cfg.SlackChannel, "min_severity", cfg.SlackMinSeverity)
	} else {
		logger.Warn("slack not configured, running without review loop")
	}

	hub := api.NewHub(logger)
	sinks, slackQueue := newSinks(cfg, hermesClient, db, jrnl, slackPoster, hub, logger)

	opts := processor.Options{
		Rules:    loader,
		Matchers: newMatcherFactory(cfg, emb, corpus, logger),
		Gate:     newGate(cfg, logger),
		Sink:     sinks,
		Pipeline: pipeline.Config{
			Segment: segment.Config{
				SpanSeconds: cfg.WindowSpanSeconds,
				MaxSegments: cfg.WindowMaxSegments,
				Overlap:     cfg.WindowOverlapSegments,
			},
			QueueDepth:   cfg.QueueDepth,
			MatchWorkers: cfg.MatchWorkers,
		},
		Trust: tracker,
	}
	if hermesClient != nil {
		opts.Hermes = hermesClient
	}
	if slackPoster != nil {
		opts.Slack = slackPoster
	}
	switch {
	case db != nil:
		opts.Feedback = db
	case jrnl != nil:
		opts.Feedback = jrnl
	}

	// Processor
	proc := processor.New(opts, logger)
	if err := proc.Start(ctx, ""); err != nil {
		logger.Error("failed to load ruleset", "error", err)
		os.Exit(1)
	}

	if hermesClient != nil {
		subs := []subscription{
			{hermes.SubjectSegment, proc.HandleSegment},
			{hermes.SubjectControl, proc.HandleControl},
		}
		if slackPoster != nil {
			subs = append(subs,
				subscription{hermes.SubjectSlackReaction, proc.HandleReaction},
				subscription{hermes.SubjectSlackInteraction, proc.HandleInteraction},
			)
		}
		for _, s := range subs {
			if err := hermesClient.Subscribe(s.subject, s.handler); err != nil {
				logger.Error("failed to subscribe", "subject", s.subject, "error", err)
				os.Exit(1)
			}
		}
	}

	// HTTP API
	var lister api.AlertLister
	switch {
	case db != nil:
		lister = db
	case jrnl != nil:
		lister = jrnl
	}
	srv := api.NewServer(cfg.Port, cfg.APIToken, proc, lister, hub, logger)
	if slackQueue != nil {
		srv.CountDrops("slack", slackQueue)
	}
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if hermesClient != nil {
		st := proc.Status()
		if err := hermesClient.Publish("swarm.agent.aegis.registered", map[string]any{
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"port":            cfg.Port,
			"session_id":      st.SessionID,
			"ruleset_version": st.RulesetVersion,
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	logger.Info("aegis ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	if err := proc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session did not drain", "error", err)
	}
	if err := sinks.Close(); err != nil {
		logger.Warn("closing sinks", "error", err)
	}
	if hermesClient != nil {
		if err := hermesClient.Drain(); err != nil {
			logger.Warn("NATS drain", "error", err)
		}
	}
	cancel()
	logger.Info("aegis stopped")
}

type subscription struct {
	subject string
	handler func(subject string, data []byte)
}
