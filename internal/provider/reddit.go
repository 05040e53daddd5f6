package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mention_radar/internal/config"
	"mention_radar/internal/ingest"
	"mention_radar/internal/model"
	"mention_radar/internal/storage"
)

const redditWebURL = "https://www.reddit.com"

// Reddit is a keyword-batch adapter for the Reddit search API.
type Reddit struct {
	source     string
	cfg        config.Reddit
	client     HTTPClient
	throttle   *Throttle
	credential *CredentialCache
	ingester   Ingester
	items      ItemFinder
	log        *slog.Logger
}

type redditListing struct {
	Data struct {
		Children []redditThing `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	Kind string     `json:"kind"`
	Data redditData `json:"data"`
}

type redditData struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Selftext   string          `json:"selftext"`
	Body       string          `json:"body"`
	Author     string          `json:"author"`
	Permalink  string          `json:"permalink"`
	CreatedUTC float64         `json:"created_utc"`
	Ups        int             `json:"ups"`
	LinkID     string          `json:"link_id"`
	ParentID   string          `json:"parent_id"`
	Replies    json.RawMessage `json:"replies"`
}

func newReddit(src model.Source, deps Deps) (Adapter, error) {
	cfg := deps.Config.Reddit
	if src.Credentials != nil {
		cfg.ClientID = src.Credentials.ClientID
		cfg.ClientSecret = src.Credentials.ClientSecret
	}
	if v := src.Options["base_url"]; v != "" {
		cfg.BaseURL = v
	}
	if v := src.Options["token_url"]; v != "" {
		cfg.TokenURL = v
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("reddit adapter requires client credentials")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://oauth.reddit.com"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.MaxComments <= 0 {
		cfg.MaxComments = 25
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}

	log := deps.Log.With("component", "reddit", "source", src.Name)
	return &Reddit{
		source:     src.Name,
		cfg:        cfg,
		client:     deps.HTTP,
		throttle:   NewThrottle(cfg.Delay, src.RateLimitPerMinute, deps.Sleep),
		credential: newCredentialCache(clientCredentials(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, deps.HTTP, deps.Now), deps.Now, log),
		ingester:   deps.Ingester,
		items:      deps.Items,
		log:        log,
	}, nil
}

// FetchAll is not offered: the search API is only driven by keywords.
func (r *Reddit) FetchAll(context.Context) error {
	return ErrUnsupported
}

// FetchByKeywordBatch combines the keywords into one OR query and runs it
// once for posts and once for comments.
func (r *Reddit) FetchByKeywordBatch(ctx context.Context, keywords []model.Keyword) error {
	if len(keywords) == 0 {
		return nil
	}
	query := orQuery(keywords)

	if err := r.fetchPosts(ctx, query); err != nil {
		return err
	}
	return r.fetchComments(ctx, query)
}

// RecheckComments stores comments of the post that are not yet known.
func (r *Reddit) RecheckComments(ctx context.Context, item model.ContentItem) error {
	q := url.Values{}
	q.Set("depth", strconv.Itoa(r.cfg.MaxDepth))
	q.Set("limit", strconv.Itoa(r.cfg.MaxComments))
	q.Set("sort", "new")

	var listings []redditListing
	if err := r.get(ctx, "/comments/"+url.PathEscape(item.ExternalID)+".json?"+q.Encode(), &listings); err != nil {
		return fmt.Errorf("fetch comments of %s: %w", item.ExternalID, err)
	}
	if len(listings) < 2 {
		return nil
	}

	stored := 0
	var walk func(things []redditThing, depth int)
	walk = func(things []redditThing, depth int) {
		if depth > r.cfg.MaxDepth {
			return
		}
		for _, t := range things {
			if t.Kind != "t1" || ctx.Err() != nil {
				continue
			}
			if t.Data.Ups >= r.cfg.MinScore && r.storeComment(ctx, t.Data, &item.ID) {
				stored++
			}
			if replies := decodeReplies(t.Data.Replies); replies != nil {
				walk(replies.Data.Children, depth+1)
			}
		}
	}
	walk(listings[1].Data.Children, 1)

	r.log.Debug("recheck completed", "id", item.ExternalID, "new", stored)
	return ctx.Err()
}

func (r *Reddit) fetchPosts(ctx context.Context, query string) error {
	var res redditListing
	if err := r.get(ctx, "/search.json?"+r.searchParams(query, "link").Encode(), &res); err != nil {
		return fmt.Errorf("search posts: %w", err)
	}

	stored := 0
	for _, t := range res.Data.Children {
		if t.Kind != "t3" {
			continue
		}
		p := ingest.Post{
			ExternalID: t.Data.ID,
			Source:     r.source,
			Title:      t.Data.Title,
			Body:       t.Data.Selftext,
			URL:        redditWebURL + t.Data.Permalink,
			Author:     t.Data.Author,
			Timestamp:  unixSeconds(t.Data.CreatedUTC),
		}
		item, err := r.ingester.StoreContentItem(ctx, p)
		if err != nil {
			r.log.Error("failed to store post", "id", t.Data.ID, "error", err)
			continue
		}
		if item != nil {
			stored++
		}
	}
	r.log.Info("post search completed", "hits", len(res.Data.Children), "new", stored)
	return nil
}

func (r *Reddit) fetchComments(ctx context.Context, query string) error {
	var res redditListing
	if err := r.get(ctx, "/search.json?"+r.searchParams(query, "comment").Encode(), &res); err != nil {
		return fmt.Errorf("search comments: %w", err)
	}

	stored, kept := 0, 0
	for _, t := range res.Data.Children {
		if t.Kind != "t1" || t.Data.Ups < r.cfg.MinScore {
			continue
		}
		if kept >= r.cfg.MaxComments {
			break
		}
		kept++
		if r.storeComment(ctx, t.Data, r.parentItemID(ctx, t.Data.LinkID)) {
			stored++
		}
	}
	r.log.Info("comment search completed", "hits", len(res.Data.Children), "kept", kept, "new", stored)
	return nil
}

func (r *Reddit) storeComment(ctx context.Context, d redditData, itemID *int64) bool {
	reply := ingest.Reply{
		ExternalID:    d.ID,
		Source:        r.source,
		ContentItemID: itemID,
		Body:          d.Body,
		URL:           redditWebURL + d.Permalink,
		Author:        d.Author,
		Timestamp:     unixSeconds(d.CreatedUTC),
	}
	if strings.HasPrefix(d.ParentID, "t1_") {
		reply.ParentCommentID = strings.TrimPrefix(d.ParentID, "t1_")
	}
	c, err := r.ingester.StoreComment(ctx, reply)
	if err != nil {
		r.log.Error("failed to store comment", "id", d.ID, "error", err)
		return false
	}
	return c != nil
}

// parentItemID resolves the stored post a comment belongs to, if any.
func (r *Reddit) parentItemID(ctx context.Context, linkID string) *int64 {
	if r.items == nil || linkID == "" {
		return nil
	}
	item, err := r.items.FindContentItem(ctx, r.source, strings.TrimPrefix(linkID, "t3_"))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("failed to resolve parent post", "link_id", linkID, "error", err)
		}
		return nil
	}
	return &item.ID
}

func (r *Reddit) searchParams(query, kind string) url.Values {
	q := url.Values{}
	q.Set("q", query)
	q.Set("type", kind)
	q.Set("sort", "new")
	q.Set("limit", strconv.Itoa(r.cfg.PageSize))
	return q
}

func (r *Reddit) get(ctx context.Context, path string, v any) error {
	header := http.Header{}
	if tok := r.credential.Token(ctx); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	if r.cfg.UserAgent != "" {
		header.Set("User-Agent", r.cfg.UserAgent)
	}
	return getJSON(ctx, r.client, r.throttle, r.cfg.BaseURL+path, header, v)
}

// orQuery joins keyword patterns into one OR query. Multi-word patterns are
// quoted so they are searched as phrases.
func orQuery(keywords []model.Keyword) string {
	parts := uniquePatterns(keywords)
	for i, p := range parts {
		if strings.ContainsAny(p, " \t") {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, ``) + `"`
		}
	}
	return strings.Join(parts, " OR ")
}

// decodeReplies parses a replies field, which is an empty string when a
// comment has no replies and a listing otherwise.
func decodeReplies(raw json.RawMessage) *redditListing {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var l redditListing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil
	}
	return &l
}

func unixSeconds(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}
