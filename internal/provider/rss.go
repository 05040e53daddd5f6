package provider

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mmcdole/gofeed"

	"mention_radar/internal/ingest"
	"mention_radar/internal/model"
)

// RSS is a batch adapter for a single RSS or Atom feed. Feeds carry no
// discussion threads, so only FetchAll is offered.
type RSS struct {
	source   string
	url      string
	client   HTTPClient
	throttle *Throttle
	ingester Ingester
	log      *slog.Logger
}

func newRSS(src model.Source, deps Deps) (Adapter, error) {
	feedURL := src.Options["url"]
	if feedURL == "" {
		return nil, errors.New("rss adapter requires options.url")
	}
	return &RSS{
		source:   src.Name,
		url:      feedURL,
		client:   deps.HTTP,
		throttle: NewThrottle(0, src.RateLimitPerMinute, deps.Sleep),
		ingester: deps.Ingester,
		log:      deps.Log.With("component", "rss", "source", src.Name),
	}, nil
}

// FetchAll downloads the feed and ingests every entry.
func (r *RSS) FetchAll(ctx context.Context) error {
	feed, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	stored := 0
	for _, it := range feed.Items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := r.ingester.StoreContentItem(ctx, r.post(it))
		if err != nil {
			r.log.Error("failed to store entry", "guid", ItemGUID(it), "error", err)
			continue
		}
		if item != nil {
			stored++
		}
	}
	r.log.Info("feed processed", "title", feed.Title, "entries", len(feed.Items), "new", stored)
	return nil
}

// FetchByKeywordBatch is not offered by feeds.
func (r *RSS) FetchByKeywordBatch(context.Context, []model.Keyword) error {
	return ErrUnsupported
}

// RecheckComments is not offered by feeds.
func (r *RSS) RecheckComments(context.Context, model.ContentItem) error {
	return ErrUnsupported
}

func (r *RSS) fetch(ctx context.Context) (feed *gofeed.Feed, err error) {
	release := r.throttle.Hold(ctx)
	defer func() {
		if werr := release(); werr != nil && err == nil {
			err = werr
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err = gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func (r *RSS) post(it *gofeed.Item) ingest.Post {
	p := ingest.Post{
		ExternalID: ItemGUID(it),
		Source:     r.source,
		Title:      it.Title,
		URL:        it.Link,
	}
	body := it.Description
	if body == "" {
		body = it.Content
	}
	p.Body = plainText(body)

	switch {
	case it.Author != nil && it.Author.Name != "":
		p.Author = it.Author.Name
	case len(it.Authors) > 0 && it.Authors[0] != nil:
		p.Author = it.Authors[0].Name
	}

	if it.PublishedParsed != nil {
		p.Timestamp = it.PublishedParsed.UTC()
	} else if it.UpdatedParsed != nil {
		p.Timestamp = it.UpdatedParsed.UTC()
	}
	return p
}

// ItemGUID returns the GUID of a feed entry. Entries without one are keyed
// by a SHA-256 hash of title and link.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
