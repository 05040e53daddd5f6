package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mention_radar/internal/model"
)

// KeywordStore reads and stamps per-keyword crawl watermarks.
type KeywordStore interface {
	ListCrawlCandidates(ctx context.Context, crawledBefore time.Time) ([]model.Keyword, error)
	StampCrawled(ctx context.Context, ids []int64, at time.Time) error
}

// KeywordCycle drives keyword-query sources: it picks the keywords that are
// due, hands them to the adapter as one batch, and stamps all of them.
type KeywordCycle struct {
	store    KeywordStore
	perBatch int
	cooldown time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewKeywordCycle creates a KeywordCycle.
func NewKeywordCycle(store KeywordStore, perBatch int, cooldown time.Duration, log *slog.Logger) *KeywordCycle {
	return &KeywordCycle{
		store:    store,
		perBatch: perBatch,
		cooldown: cooldown,
		now:      time.Now,
		log:      log.With("component", "keyword_cycle"),
	}
}

// Run performs one keyword cycle for source. Every consumed keyword is
// stamped whether or not it produced hits; a failed fetch stamps none so the
// next tick retries them.
func (c *KeywordCycle) Run(ctx context.Context, source string, a Adapter) error {
	candidates, err := c.store.ListCrawlCandidates(ctx, c.now().Add(-c.cooldown))
	if err != nil {
		return fmt.Errorf("list crawl candidates: %w", err)
	}

	batch := SelectKeywords(candidates, source, c.perBatch)
	if len(batch) == 0 {
		c.log.Debug("no keywords due", "source", source)
		return nil
	}

	if err := a.FetchByKeywordBatch(ctx, batch); err != nil {
		return fmt.Errorf("fetch keyword batch: %w", err)
	}

	ids := make([]int64, len(batch))
	for i, k := range batch {
		ids[i] = k.ID
	}
	if err := c.store.StampCrawled(ctx, ids, c.now()); err != nil {
		return fmt.Errorf("stamp keywords: %w", err)
	}
	c.log.Info("keyword batch crawled", "source", source, "keywords", len(batch))
	return nil
}

// SelectKeywords keeps the candidates subscribed to source, in their given
// order, up to limit.
func SelectKeywords(candidates []model.Keyword, source string, limit int) []model.Keyword {
	var out []model.Keyword
	for _, k := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if k.SubscribedTo(source) {
			out = append(out, k)
		}
	}
	return out
}

// uniquePatterns returns the non-empty keyword patterns with case-insensitive
// duplicates removed.
func uniquePatterns(keywords []model.Keyword) []string {
	seen := make(map[string]bool, len(keywords))
	var out []string
	for _, k := range keywords {
		p := strings.TrimSpace(k.Pattern)
		key := strings.ToLower(p)
		if p == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
