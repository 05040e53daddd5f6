// Package ingest persists provider payloads exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mention_radar/internal/dedup"
	"mention_radar/internal/embedding"
	"mention_radar/internal/model"
	"mention_radar/internal/storage"
)

// Defaults applied to missing upstream fields.
const (
	DefaultTitle  = "Untitled"
	DefaultAuthor = "Unknown"
)

// Post is a raw post as returned by a provider.
type Post struct {
	ExternalID string
	Source     string
	Title      string
	Body       string
	URL        string
	Author     string
	Timestamp  time.Time
}

// Reply is a raw comment as returned by a provider.
type Reply struct {
	ExternalID      string
	Source          string
	ContentItemID   *int64
	ParentCommentID string
	Body            string
	URL             string
	Author          string
	Timestamp       time.Time
}

// Store is the subset of storage used by ingestion.
type Store interface {
	FindContentItem(ctx context.Context, source, externalID string) (*model.ContentItem, error)
	InsertContentItem(ctx context.Context, item *model.ContentItem) (bool, error)
	CommentExists(ctx context.Context, source, externalID string) (bool, error)
	InsertComment(ctx context.Context, c *model.Comment) (bool, error)
}

// Ingester turns provider payloads into persisted items and comments.
type Ingester struct {
	store    Store
	embedder embedding.Embedder
	seen     dedup.Cache
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Ingester. A nil embedder stores items without vectors and a
// nil cache disables the seen-set.
func New(store Store, embedder embedding.Embedder, seen dedup.Cache, log *slog.Logger) *Ingester {
	if seen == nil {
		seen = dedup.Nop{}
	}
	return &Ingester{
		store:    store,
		embedder: embedder,
		seen:     seen,
		log:      log.With("component", "ingest"),
		now:      time.Now,
	}
}

// StoreContentItem persists p unless an item with the same source and
// external id exists. It returns the new item, or nil when it was a duplicate.
func (in *Ingester) StoreContentItem(ctx context.Context, p Post) (*model.ContentItem, error) {
	if p.ExternalID == "" {
		return nil, fmt.Errorf("post from %s has no external id", p.Source)
	}
	if in.seenBefore(ctx, dedup.KindItem, p.Source, p.ExternalID) {
		return nil, nil
	}

	existing, err := in.store.FindContentItem(ctx, p.Source, p.ExternalID)
	switch {
	case err == nil && existing != nil:
		in.mark(ctx, dedup.KindItem, p.Source, p.ExternalID)
		return nil, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("find item %s/%s: %w", p.Source, p.ExternalID, err)
	}

	now := in.now().UTC()
	item := &model.ContentItem{
		ExternalID:    p.ExternalID,
		Source:        p.Source,
		Title:         orDefault(p.Title, DefaultTitle),
		Body:          strings.TrimSpace(p.Body),
		URL:           p.URL,
		Author:        orDefault(p.Author, DefaultAuthor),
		Timestamp:     p.Timestamp,
		LastCheckedAt: &now,
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = now
	}
	item.Vector = in.embed(ctx, item)

	inserted, err := in.store.InsertContentItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("insert item %s/%s: %w", p.Source, p.ExternalID, err)
	}
	in.mark(ctx, dedup.KindItem, p.Source, p.ExternalID)
	if !inserted {
		return nil, nil
	}

	in.log.Debug("stored item", "source", item.Source, "external_id", item.ExternalID, "id", item.ID)
	return item, nil
}

// StoreComment persists r unless a comment with the same source and external
// id exists. Comments are stored without embeddings.
func (in *Ingester) StoreComment(ctx context.Context, r Reply) (*model.Comment, error) {
	if r.ExternalID == "" {
		return nil, fmt.Errorf("comment from %s has no external id", r.Source)
	}
	if in.seenBefore(ctx, dedup.KindComment, r.Source, r.ExternalID) {
		return nil, nil
	}

	exists, err := in.store.CommentExists(ctx, r.Source, r.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("check comment %s/%s: %w", r.Source, r.ExternalID, err)
	}
	if exists {
		in.mark(ctx, dedup.KindComment, r.Source, r.ExternalID)
		return nil, nil
	}

	c := &model.Comment{
		ExternalID:      r.ExternalID,
		Source:          r.Source,
		ContentItemID:   r.ContentItemID,
		ParentCommentID: r.ParentCommentID,
		Body:            strings.TrimSpace(r.Body),
		URL:             r.URL,
		Author:          orDefault(r.Author, DefaultAuthor),
		Timestamp:       r.Timestamp,
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = in.now().UTC()
	}

	inserted, err := in.store.InsertComment(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("insert comment %s/%s: %w", r.Source, r.ExternalID, err)
	}
	in.mark(ctx, dedup.KindComment, r.Source, r.ExternalID)
	if !inserted {
		return nil, nil
	}
	return c, nil
}

// EmbedText is the text embedded for a content item.
func EmbedText(title, body string) string {
	return fmt.Sprintf("this item is about: %s. %s", title, body)
}

func (in *Ingester) embed(ctx context.Context, item *model.ContentItem) []float64 {
	if in.embedder == nil {
		return nil
	}
	v, err := in.embedder.Embed(ctx, EmbedText(item.Title, item.Body))
	if err != nil {
		in.log.Warn("embedding failed, storing without vector",
			"source", item.Source, "external_id", item.ExternalID, "error", err)
		return nil
	}
	return v
}

func (in *Ingester) seenBefore(ctx context.Context, kind dedup.Kind, source, id string) bool {
	seen, err := in.seen.Seen(ctx, kind, source, id)
	if err != nil {
		in.log.Warn("seen-set lookup failed", "kind", kind, "source", source, "error", err)
		return false
	}
	return seen
}

func (in *Ingester) mark(ctx context.Context, kind dedup.Kind, source, id string) {
	if err := in.seen.Mark(ctx, kind, source, id); err != nil {
		in.log.Warn("seen-set update failed", "kind", kind, "source", source, "error", err)
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
