package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mention_radar/internal/config"
	"mention_radar/internal/dedup"
	"mention_radar/internal/embedding"
	"mention_radar/internal/filter"
	"mention_radar/internal/ingest"
	"mention_radar/internal/provider"
	"mention_radar/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:           "radar",
		Short:         "Track keyword mentions across content sources",
		Long:          "radar polls Hacker News, Reddit and RSS feeds, labels new posts and comments with user keywords and sends ranked digests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), userCmd(), keywordCmd(), assignCmd(), digestCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app holds the shared dependencies of every command.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    storage.Storage
	seen     dedup.Cache
	embedder embedding.Embedder
	closers  []func() error
}

func setup(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := provider.Validate(cfg.Sources); err != nil {
		return nil, fmt.Errorf("validate sources: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	a := &app{cfg: cfg, log: log, store: store, seen: dedup.Nop{}, closers: []func() error{store.Close}}

	if cfg.RedisAddr != "" {
		r, err := dedup.NewRedis(ctx, dedup.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.seen = r
		a.closers = append(a.closers, r.Close)
		log.Info("using redis seen-set", "addr", cfg.RedisAddr)
	}

	switch {
	case cfg.Embedding.CohereAPIKey != "":
		a.embedder = embedding.NewCohere(cfg.Embedding.CohereAPIKey, cfg.Embedding.Model, cfg.HTTPTimeout)
		log.Info("using cohere embeddings", "model", cfg.Embedding.Model)
	case cfg.Embedding.URL != "":
		a.embedder = embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Token, cfg.HTTPTimeout)
		log.Info("using embedding service", "url", cfg.Embedding.URL)
	default:
		log.Warn("no embedding collaborator configured, semantic keywords will never match")
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "error", err)
		}
	}
}

func (a *app) matcher() *filter.Matcher {
	return filter.NewMatcher(a.embedder, a.cfg.Embedding.Threshold, a.log)
}

func (a *app) providerDeps() provider.Deps {
	return provider.Deps{
		HTTP:     &http.Client{Timeout: a.cfg.HTTPTimeout},
		Ingester: ingest.New(a.store, a.embedder, a.seen, a.log),
		Items:    a.store,
		Config:   a.cfg,
		Log:      a.log,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
