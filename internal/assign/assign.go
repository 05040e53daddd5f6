// Package assign runs the keyword assignment batch job.
package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mention_radar/internal/filter"
	"mention_radar/internal/model"
	"mention_radar/internal/storage"
)

// Store is the persistence the job needs.
type Store interface {
	ListKeywords(ctx context.Context) ([]model.Keyword, error)
	ListUnassignedContentItems(ctx context.Context, limit int) ([]model.ContentItem, error)
	MarkContentItemsEvaluated(ctx context.Context, ids []int64, at time.Time) error
	SetContentItemMatches(ctx context.Context, id int64, matches []model.Match) (bool, error)
	ListUnassignedComments(ctx context.Context, limit int) ([]storage.UnassignedComment, error)
	MarkCommentsEvaluated(ctx context.Context, ids []int64, at time.Time) error
	SetCommentMatches(ctx context.Context, id int64, matches []model.Match) (bool, error)
}

// Matcher evaluates keywords against one item.
type Matcher interface {
	MatchAll(ctx context.Context, keywords []model.Keyword, item filter.Item) []model.Match
}

// Result summarises one assignment cycle.
type Result struct {
	Items           int
	MatchedItems    int
	Comments        int
	MatchedComments int
}

// Job labels unassigned items and comments with matching keywords.
type Job struct {
	store     Store
	matcher   Matcher
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Job that loads at most batchSize items and comments per cycle.
func New(store Store, matcher Matcher, batchSize int, log *slog.Logger) *Job {
	return &Job{
		store:     store,
		matcher:   matcher,
		batchSize: batchSize,
		log:       log.With("component", "assign"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one cycle. Items that match nothing keep an empty match list
// and are stamped as evaluated, so later cycles reach newer rows first and
// come back to them against the then-current keywords. Items with matches
// are never loaded again.
func (j *Job) Run(ctx context.Context) (Result, error) {
	var res Result

	keywords, err := j.store.ListKeywords(ctx)
	if err != nil {
		return res, fmt.Errorf("list keywords: %w", err)
	}
	if len(keywords) == 0 {
		j.log.Debug("no keywords, skipping cycle")
		return res, nil
	}

	items, err := j.store.ListUnassignedContentItems(ctx, j.batchSize)
	if err != nil {
		return res, fmt.Errorf("list unassigned items: %w", err)
	}
	res.Items = len(items)
	var unmatched []int64
	for _, it := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		matches := j.matcher.MatchAll(ctx, keywords, filter.Item{
			Text:   filter.ItemText(it.Title, it.Body),
			Vector: it.Vector,
		})
		if len(matches) == 0 {
			unmatched = append(unmatched, it.ID)
			continue
		}
		ok, err := j.store.SetContentItemMatches(ctx, it.ID, matches)
		if err != nil {
			j.log.Error("set item matches", "id", it.ID, "error", err)
			continue
		}
		if ok {
			res.MatchedItems++
		}
	}

	if err := j.store.MarkContentItemsEvaluated(ctx, unmatched, j.now()); err != nil {
		j.log.Error("mark items evaluated", "count", len(unmatched), "error", err)
	}

	comments, err := j.store.ListUnassignedComments(ctx, j.batchSize)
	if err != nil {
		return res, fmt.Errorf("list unassigned comments: %w", err)
	}
	res.Comments = len(comments)
	unmatched = unmatched[:0]
	for _, c := range comments {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		matches := j.matcher.MatchAll(ctx, keywords, filter.Item{
			Text:   c.Body,
			Vector: c.ParentVector,
		})
		if len(matches) == 0 {
			unmatched = append(unmatched, c.ID)
			continue
		}
		ok, err := j.store.SetCommentMatches(ctx, c.ID, matches)
		if err != nil {
			j.log.Error("set comment matches", "id", c.ID, "error", err)
			continue
		}
		if ok {
			res.MatchedComments++
		}
	}

	if err := j.store.MarkCommentsEvaluated(ctx, unmatched, j.now()); err != nil {
		j.log.Error("mark comments evaluated", "count", len(unmatched), "error", err)
	}

	j.log.Info("assignment cycle completed",
		"items", res.Items, "matched_items", res.MatchedItems,
		"comments", res.Comments, "matched_comments", res.MatchedComments)
	return res, nil
}
