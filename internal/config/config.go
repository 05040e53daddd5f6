// Package config handles application configuration from environment variables
// and the sources file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"mention_radar/internal/model"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath     string
	LogLevel         string
	TelegramBotToken string
	SourcesPath      string
	HTTPTimeout      time.Duration
	RedisAddr        string
	RedisPassword    string

	Sources []model.Source

	Embedding  Embedding
	HackerNews HackerNews
	Reddit     Reddit
	Recheck    Recheck
	Assign     Assign
	Digest     Digest
}

// Embedding configures the embedding collaborator. Cohere is used when
// CohereAPIKey is set, otherwise the HTTP service at URL.
type Embedding struct {
	URL          string
	Token        string
	CohereAPIKey string
	Model        string
	Threshold    float64
}

// HackerNews configures the hackernews adapter.
type HackerNews struct {
	BaseURL  string
	PageSize int
	Delay    time.Duration
	MaxDepth int
}

// Reddit configures the reddit adapter.
type Reddit struct {
	BaseURL          string
	TokenURL         string
	UserAgent        string
	ClientID         string
	ClientSecret     string
	PageSize         int
	Delay            time.Duration
	MinScore         int
	MaxComments      int
	MaxDepth         int
	KeywordsPerBatch int
	KeywordCooldown  time.Duration
}

// Recheck configures the comment recheck engine.
type Recheck struct {
	MaxDuration time.Duration
	Interval    time.Duration
	Pause       time.Duration
	PauseEvery  int
}

// Assign configures the assignment batch job.
type Assign struct {
	Schedule  string
	BatchSize int
}

// Digest configures the digest builder.
type Digest struct {
	Schedule string
	Subject  string
}

type sourcesFile struct {
	Sources []model.Source `yaml:"sources"`
}

// Load reads configuration from environment variables and the sources file.
func Load() (*Config, error) {
	var errs []error
	e := env{errs: &errs}

	cfg := &Config{
		DatabasePath:     e.str("DATABASE_PATH", "./data/radar.db"),
		LogLevel:         e.str("LOG_LEVEL", "info"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		SourcesPath:      e.str("SOURCES_PATH", "./sources.yaml"),
		HTTPTimeout:      e.duration("HTTP_TIMEOUT", 30*time.Second),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		Embedding: Embedding{
			URL:          os.Getenv("EMBEDDING_URL"),
			Token:        os.Getenv("EMBEDDING_TOKEN"),
			CohereAPIKey: os.Getenv("COHERE_API_KEY"),
			Model:        e.str("EMBEDDING_MODEL", "embed-english-v3.0"),
			Threshold:    e.float("SEMANTIC_THRESHOLD", 0.3),
		},
		HackerNews: HackerNews{
			BaseURL:  e.str("HN_BASE_URL", "https://hn.algolia.com/api/v1"),
			PageSize: e.int("HN_PAGE_SIZE", 100),
			Delay:    e.duration("HN_DELAY", time.Second),
			MaxDepth: e.int("HN_MAX_DEPTH", 10),
		},
		Reddit: Reddit{
			BaseURL:          e.str("REDDIT_BASE_URL", "https://oauth.reddit.com"),
			TokenURL:         e.str("REDDIT_TOKEN_URL", "https://www.reddit.com/api/v1/access_token"),
			UserAgent:        e.str("REDDIT_USER_AGENT", "mention_radar/1.0"),
			ClientID:         os.Getenv("REDDIT_CLIENT_ID"),
			ClientSecret:     os.Getenv("REDDIT_CLIENT_SECRET"),
			PageSize:         e.int("REDDIT_PAGE_SIZE", 25),
			Delay:            e.duration("REDDIT_DELAY", 2*time.Second),
			MinScore:         e.int("REDDIT_MIN_SCORE", 10),
			MaxComments:      e.int("REDDIT_MAX_COMMENTS", 25),
			MaxDepth:         e.int("REDDIT_MAX_DEPTH", 3),
			KeywordsPerBatch: e.int("KEYWORDS_PER_BATCH", 10),
			KeywordCooldown:  e.duration("KEYWORD_COOLDOWN", 12*time.Hour),
		},
		Recheck: Recheck{
			MaxDuration: e.duration("RECHECK_MAX_DURATION", 240*time.Hour),
			Interval:    e.duration("RECHECK_INTERVAL", 6*time.Hour),
			Pause:       e.duration("RECHECK_PAUSE", time.Second),
			PauseEvery:  e.int("RECHECK_PAUSE_EVERY", 10),
		},
		Assign: Assign{
			Schedule:  e.str("ASSIGN_SCHEDULE", "*/5 * * * *"),
			BatchSize: e.int("ASSIGN_BATCH_SIZE", 1000),
		},
		Digest: Digest{
			Schedule: e.str("DIGEST_SCHEDULE", "0 10 * * *"),
			Subject:  e.str("DIGEST_SUBJECT", "Your mention digest"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sources, err := LoadSources(cfg.SourcesPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		sources = DefaultSources(cfg.Reddit.ClientID != "")
	case err != nil:
		return nil, err
	}
	cfg.Sources = sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSources reads source definitions from a YAML file. Environment
// references like ${REDDIT_CLIENT_ID} are expanded before parsing.
func LoadSources(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	return f.Sources, nil
}

// DefaultSources returns the built-in sources used when no sources file exists.
func DefaultSources(withReddit bool) []model.Source {
	sources := []model.Source{
		{Name: "hackernews", AdapterKey: "hackernews", Mode: model.ModeBatch, Schedule: "*/10 * * * *", RateLimitPerMinute: 60},
		{Name: "hackernews-recheck", AdapterKey: "hackernews", Mode: model.ModeRecheck, Schedule: "0 * * * *", RateLimitPerMinute: 60, Target: "hackernews"},
	}
	if withReddit {
		sources = append(sources, model.Source{
			Name: "reddit", AdapterKey: "reddit", Mode: model.ModeKeywordQuery, Schedule: "*/5 * * * *", RateLimitPerMinute: 30,
		})
	}
	return sources
}

// Validate checks source definitions and schedules. Adapter keys are checked
// separately against the adapter registry.
func (c *Config) Validate() error {
	var errs []error

	if _, err := cron.ParseStandard(c.Assign.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid ASSIGN_SCHEDULE %q: %w", c.Assign.Schedule, err))
	}
	if _, err := cron.ParseStandard(c.Digest.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid DIGEST_SCHEDULE %q: %w", c.Digest.Schedule, err))
	}
	if c.Assign.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_BATCH_SIZE must be positive"))
	}
	if c.Reddit.KeywordsPerBatch <= 0 {
		errs = append(errs, fmt.Errorf("KEYWORDS_PER_BATCH must be positive"))
	}

	byName := make(map[string]model.Source, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("source with adapter %q has no name", s.AdapterKey))
			continue
		}
		if _, dup := byName[s.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate source name %q", s.Name))
		}
		byName[s.Name] = s
	}

	for _, s := range c.Sources {
		if s.AdapterKey == "" {
			errs = append(errs, fmt.Errorf("source %q: adapter is required", s.Name))
		}
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("source %q: invalid schedule %q: %w", s.Name, s.Schedule, err))
		}
		if s.RateLimitPerMinute < 0 {
			errs = append(errs, fmt.Errorf("source %q: rate_limit_per_minute must not be negative", s.Name))
		}
		switch s.Mode {
		case model.ModeBatch, model.ModeKeywordQuery:
		case model.ModeRecheck:
			target, ok := byName[s.Target]
			if !ok {
				errs = append(errs, fmt.Errorf("source %q: recheck target %q is not a configured source", s.Name, s.Target))
			} else if target.Mode == model.ModeRecheck {
				errs = append(errs, fmt.Errorf("source %q: recheck target %q must not be a recheck source", s.Name, s.Target))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown mode %q", s.Name, s.Mode))
		}
	}

	return errors.Join(errs...)
}

// SourceByName returns the configured source with the given name.
func (c *Config) SourceByName(name string) (model.Source, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return model.Source{}, false
}

type env struct {
	errs *[]error
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e env) int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (e env) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (e env) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}
