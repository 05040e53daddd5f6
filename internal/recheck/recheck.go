// Package recheck revisits recent content items to collect late comments.
package recheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mention_radar/internal/config"
	"mention_radar/internal/model"
)

// State is the recheck state of a content item at a given instant.
type State string

const (
	// StateFresh items are within the age ceiling but not yet due.
	StateFresh State = "fresh"
	// StateDue items are within the age ceiling and due for a recheck.
	StateDue State = "due"
	// StateExpired items are older than the ceiling and never rechecked again.
	StateExpired State = "expired"
)

// Store is the persistence the engine needs.
type Store interface {
	ListRecheckCandidates(ctx context.Context, source string, since, checkedBefore time.Time) ([]model.ContentItem, error)
	MarkChecked(ctx context.Context, id int64, at time.Time) error
}

// Fetcher pulls the current discussion thread of an item.
type Fetcher interface {
	RecheckComments(ctx context.Context, item model.ContentItem) error
}

// Engine runs recheck cycles for the items of one source.
type Engine struct {
	store      Store
	maxAge     time.Duration
	interval   time.Duration
	pause      time.Duration
	pauseEvery int
	log        *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine from the recheck settings.
func New(store Store, cfg config.Recheck, log *slog.Logger) *Engine {
	every := cfg.PauseEvery
	if every <= 0 {
		every = 10
	}
	return &Engine{
		store:      store,
		maxAge:     cfg.MaxDuration,
		interval:   cfg.Interval,
		pause:      cfg.Pause,
		pauseEvery: every,
		log:        log.With("component", "recheck"),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
	}
}

// Classify reports the state of item at now. Age is measured from the
// upstream timestamp; an item never checked is due.
func (e *Engine) Classify(item model.ContentItem, now time.Time) State {
	if now.Sub(item.Timestamp) > e.maxAge {
		return StateExpired
	}
	if item.LastCheckedAt != nil && now.Sub(*item.LastCheckedAt) < e.interval {
		return StateFresh
	}
	return StateDue
}

// Run rechecks every due item of source. A failed fetch is logged and the
// item is left unstamped so the next cycle retries it.
func (e *Engine) Run(ctx context.Context, source string, f Fetcher) error {
	now := e.now()
	items, err := e.store.ListRecheckCandidates(ctx, source, now.Add(-e.maxAge), now.Add(-e.interval))
	if err != nil {
		return fmt.Errorf("list recheck candidates: %w", err)
	}

	processed, failed := 0, 0
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Classify(item, now) != StateDue {
			continue
		}

		if err := f.RecheckComments(ctx, item); err != nil {
			e.log.Error("recheck failed", "source", source, "id", item.ExternalID, "error", err)
			failed++
		} else if err := e.store.MarkChecked(ctx, item.ID, e.now()); err != nil {
			e.log.Error("mark checked", "source", source, "id", item.ExternalID, "error", err)
		}

		processed++
		if processed%e.pauseEvery == 0 && e.pause > 0 {
			if err := e.sleep(ctx, e.pause); err != nil {
				return err
			}
		}
	}

	e.log.Info("recheck cycle completed", "source", source, "candidates", len(items), "processed", processed, "failed", failed)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
