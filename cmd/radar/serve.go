package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mention_radar/internal/assign"
	"mention_radar/internal/bot"
	"mention_radar/internal/digest"
	"mention_radar/internal/model"
	"mention_radar/internal/provider"
	"mention_radar/internal/recheck"
	"mention_radar/internal/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all source, assignment and digest schedules (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required to deliver digests")
	}
	notifier, err := bot.New(a.cfg.TelegramBotToken, a.log)
	if err != nil {
		return err
	}

	sched := scheduler.New(a.log)
	deps := a.providerDeps()
	err = sched.AddSources(a.cfg.Sources, scheduler.Runners{
		Build: func(src model.Source) (provider.Adapter, error) {
			return provider.New(src, deps)
		},
		Keywords: provider.NewKeywordCycle(a.store, a.cfg.Reddit.KeywordsPerBatch, a.cfg.Reddit.KeywordCooldown, a.log),
		Recheck:  recheck.New(a.store, a.cfg.Recheck, a.log),
	})
	if err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	assigner := assign.New(a.store, a.matcher(), a.cfg.Assign.BatchSize, a.log)
	if err := sched.Add("assign", a.cfg.Assign.Schedule, func(ctx context.Context) error {
		_, err := assigner.Run(ctx)
		return err
	}); err != nil {
		return err
	}

	builder := digest.New(a.store, notifier, a.cfg.Digest.Subject, a.log)
	if err := sched.Add("digest", a.cfg.Digest.Schedule, func(ctx context.Context) error {
		_, err := builder.Run(ctx)
		return err
	}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.log.Info("starting radar", "sources", len(a.cfg.Sources))
	go notifier.Run(ctx)
	sched.Run(ctx)
	a.log.Info("radar stopped")
	return nil
}
