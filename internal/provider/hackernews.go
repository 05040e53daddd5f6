package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"mention_radar/internal/config"
	"mention_radar/internal/ingest"
	"mention_radar/internal/model"
)

const hnItemURL = "https://news.ycombinator.com/item?id="

// HackerNews is a single-item adapter for the Algolia Hacker News API.
type HackerNews struct {
	source   string
	cfg      config.HackerNews
	client   HTTPClient
	throttle *Throttle
	ingester Ingester
	log      *slog.Logger
}

type hnSearch struct {
	Hits []hnHit `json:"hits"`
}

type hnHit struct {
	ObjectID   string  `json:"objectID"`
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Author     string  `json:"author"`
	StoryText  *string `json:"story_text"`
	CreatedAtI int64   `json:"created_at_i"`
}

type hnItem struct {
	ID         int64    `json:"id"`
	Author     *string  `json:"author"`
	Text       *string  `json:"text"`
	CreatedAtI int64    `json:"created_at_i"`
	ParentID   *int64   `json:"parent_id"`
	Children   []hnItem `json:"children"`
}

func newHackerNews(src model.Source, deps Deps) (Adapter, error) {
	cfg := deps.Config.HackerNews
	if v := src.Options["base_url"]; v != "" {
		cfg.BaseURL = v
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://hn.algolia.com/api/v1"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	return &HackerNews{
		source:   src.Name,
		cfg:      cfg,
		client:   deps.HTTP,
		throttle: NewThrottle(cfg.Delay, src.RateLimitPerMinute, deps.Sleep),
		ingester: deps.Ingester,
		log:      deps.Log.With("component", "hackernews", "source", src.Name),
	}, nil
}

// FetchAll ingests the newest stories and the discussion of each new one.
func (h *HackerNews) FetchAll(ctx context.Context) error {
	q := url.Values{}
	q.Set("tags", "story")
	q.Set("hitsPerPage", strconv.Itoa(h.cfg.PageSize))
	return h.search(ctx, q)
}

// FetchByKeywordBatch runs one search per keyword. Failed searches are
// reported together after all keywords were tried.
func (h *HackerNews) FetchByKeywordBatch(ctx context.Context, keywords []model.Keyword) error {
	var errs []error
	for _, pattern := range uniquePatterns(keywords) {
		q := url.Values{}
		q.Set("query", pattern)
		q.Set("tags", "story")
		q.Set("hitsPerPage", strconv.Itoa(h.cfg.PageSize))
		if err := h.search(ctx, q); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("keyword %q: %w", pattern, err))
		}
	}
	return errors.Join(errs...)
}

// RecheckComments stores comments of the story that are not yet known.
func (h *HackerNews) RecheckComments(ctx context.Context, item model.ContentItem) error {
	_, err := h.storeThread(ctx, item)
	return err
}

func (h *HackerNews) search(ctx context.Context, q url.Values) error {
	var res hnSearch
	if err := getJSON(ctx, h.client, h.throttle, h.cfg.BaseURL+"/search_by_date?"+q.Encode(), nil, &res); err != nil {
		return fmt.Errorf("search stories: %w", err)
	}

	stored := 0
	for _, hit := range res.Hits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := h.ingester.StoreContentItem(ctx, h.post(hit))
		if err != nil {
			h.log.Error("failed to store story", "id", hit.ObjectID, "error", err)
			continue
		}
		if item == nil {
			continue
		}
		stored++
		if n, err := h.storeThread(ctx, *item); err != nil {
			h.log.Error("failed to fetch discussion", "id", hit.ObjectID, "error", err)
		} else if n > 0 {
			h.log.Debug("stored comments", "id", hit.ObjectID, "count", n)
		}
	}

	h.log.Info("search completed", "hits", len(res.Hits), "new", stored)
	return nil
}

func (h *HackerNews) post(hit hnHit) ingest.Post {
	p := ingest.Post{
		ExternalID: hit.ObjectID,
		Source:     h.source,
		Title:      hit.Title,
		URL:        hit.URL,
		Author:     hit.Author,
	}
	if p.URL == "" {
		p.URL = hnItemURL + hit.ObjectID
	}
	if hit.StoryText != nil {
		p.Body = plainText(*hit.StoryText)
	}
	if hit.CreatedAtI > 0 {
		p.Timestamp = time.Unix(hit.CreatedAtI, 0).UTC()
	}
	return p
}

// storeThread fetches the discussion of item and stores every comment up to
// the configured depth. It returns the number of new comments.
func (h *HackerNews) storeThread(ctx context.Context, item model.ContentItem) (int, error) {
	var root hnItem
	if err := getJSON(ctx, h.client, h.throttle, h.cfg.BaseURL+"/items/"+url.PathEscape(item.ExternalID), nil, &root); err != nil {
		return 0, fmt.Errorf("fetch item %s: %w", item.ExternalID, err)
	}

	stored := 0
	var walk func(children []hnItem, depth int)
	walk = func(children []hnItem, depth int) {
		if depth > h.cfg.MaxDepth {
			return
		}
		for _, c := range children {
			if ctx.Err() != nil {
				return
			}
			// Deleted comments have neither author nor text but may still have replies.
			if c.Text != nil {
				if h.storeComment(ctx, item, root.ID, c) {
					stored++
				}
			}
			walk(c.Children, depth+1)
		}
	}
	walk(root.Children, 1)

	return stored, ctx.Err()
}

func (h *HackerNews) storeComment(ctx context.Context, item model.ContentItem, storyID int64, c hnItem) bool {
	id := strconv.FormatInt(c.ID, 10)
	r := ingest.Reply{
		ExternalID:    id,
		Source:        h.source,
		ContentItemID: &item.ID,
		Body:          plainText(*c.Text),
		URL:           hnItemURL + id,
	}
	if c.Author != nil {
		r.Author = *c.Author
	}
	if c.ParentID != nil && *c.ParentID != storyID {
		r.ParentCommentID = strconv.FormatInt(*c.ParentID, 10)
	}
	if c.CreatedAtI > 0 {
		r.Timestamp = time.Unix(c.CreatedAtI, 0).UTC()
	}

	stored, err := h.ingester.StoreComment(ctx, r)
	if err != nil {
		h.log.Error("failed to store comment", "id", id, "error", err)
		return false
	}
	return stored != nil
}
