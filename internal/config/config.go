package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// Rules sources.
const (
	RulesFromFile     = "file"
	RulesFromPostgres = "postgres"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	AnthropicAPIKey string
	ReviewModel     string
	OpenAIAPIKey    string
	EmbeddingModel  string

	RulesSource  string
	RulesPath    string // empty loads the embedded default ruleset
	RulesVersion string // empty uses the active postgres ruleset
	CorpusDir    string // empty uses the embedded sample corpus
	JournalPath  string // empty disables the local journal

	SlackBotToken    string
	SlackChannel     string
	SlackMinSeverity string

	WindowSpanSeconds     float64
	WindowMaxSegments     int
	WindowOverlapSegments int
	QueueDepth            int
	MatchWorkers          int
	RuleConfidenceFloor   float64
	ReviewTimeout         time.Duration
	SemanticTimeout       time.Duration
}

func Load() Config {
	return Config{
		Port:        envInt("AEGIS_PORT", 8760),
		NatsURL:     envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("AEGIS_API_TOKEN", ""),

		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		ReviewModel:     envStr("AEGIS_REVIEW_MODEL", "claude-sonnet-4-20250514"),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:  envStr("AEGIS_EMBEDDING_MODEL", "text-embedding-3-small"),

		RulesSource:  envStr("AEGIS_RULES_SOURCE", RulesFromFile),
		RulesPath:    envStr("AEGIS_RULES_PATH", ""),
		RulesVersion: envStr("AEGIS_RULES_VERSION", ""),
		CorpusDir:    envStr("AEGIS_CORPUS_DIR", ""),
		JournalPath:  envStr("AEGIS_JOURNAL_PATH", ""),

		SlackBotToken:    envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:     envStr("SLACK_ALERTS_CHANNEL", ""),
		SlackMinSeverity: envStr("AEGIS_SLACK_MIN_SEVERITY", "high"),

		WindowSpanSeconds:     envFloat("AEGIS_WINDOW_SPAN_SECONDS", 8),
		WindowMaxSegments:     envInt("AEGIS_WINDOW_MAX_SEGMENTS", 12),
		WindowOverlapSegments: envInt("AEGIS_WINDOW_OVERLAP_SEGMENTS", 2),
		QueueDepth:            envInt("AEGIS_BACKPRESSURE_QUEUE_DEPTH", 8),
		MatchWorkers:          envInt("AEGIS_MATCH_WORKERS", 4),
		RuleConfidenceFloor:   envFloat("AEGIS_RULE_CONFIDENCE_FLOOR", 0.5),
		ReviewTimeout:         envMillis("AEGIS_REVIEW_TIMEOUT_MS", 1500*time.Millisecond),
		SemanticTimeout:       envMillis("AEGIS_SEMANTIC_TIMEOUT_MS", 800*time.Millisecond),
	}
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	switch c.RulesSource {
	case RulesFromFile:
	case RulesFromPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("AEGIS_RULES_SOURCE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("AEGIS_RULES_SOURCE %q: want %s or %s", c.RulesSource, RulesFromFile, RulesFromPostgres))
	}
	if _, err := model.ParseSeverity(c.SlackMinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("AEGIS_SLACK_MIN_SEVERITY: %w", err))
	}
	if c.WindowSpanSeconds <= 0 {
		errs = append(errs, fmt.Errorf("AEGIS_WINDOW_SPAN_SECONDS must be positive, got %g", c.WindowSpanSeconds))
	}
	if c.WindowMaxSegments < 1 {
		errs = append(errs, fmt.Errorf("AEGIS_WINDOW_MAX_SEGMENTS must be at least 1, got %d", c.WindowMaxSegments))
	}
	if c.WindowOverlapSegments < 0 || c.WindowOverlapSegments >= c.WindowMaxSegments {
		errs = append(errs, fmt.Errorf("AEGIS_WINDOW_OVERLAP_SEGMENTS must be in [0, %d), got %d", c.WindowMaxSegments, c.WindowOverlapSegments))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("AEGIS_BACKPRESSURE_QUEUE_DEPTH must be at least 1, got %d", c.QueueDepth))
	}
	if c.RuleConfidenceFloor < 0 || c.RuleConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("AEGIS_RULE_CONFIDENCE_FLOOR must be in [0, 1], got %g", c.RuleConfidenceFloor))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
