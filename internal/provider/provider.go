// Package provider implements the adapters that talk to external content
// sources and the fixed registry that binds adapter keys to them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"mention_radar/internal/config"
	"mention_radar/internal/ingest"
	"mention_radar/internal/model"
)

var (
	// ErrUnsupported is returned by adapters for operations they do not offer.
	ErrUnsupported = errors.New("operation not supported by adapter")
	// ErrUnknownAdapter is returned for adapter keys missing from the registry.
	ErrUnknownAdapter = errors.New("unknown adapter")
)

// Adapter fetches content from one source and hands it to ingestion.
type Adapter interface {
	// FetchAll ingests the latest items of the source.
	FetchAll(ctx context.Context) error
	// FetchByKeywordBatch ingests items matching any of the keywords.
	FetchByKeywordBatch(ctx context.Context, keywords []model.Keyword) error
	// RecheckComments ingests comments of item not yet stored.
	RecheckComments(ctx context.Context, item model.ContentItem) error
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Ingester persists fetched posts and comments.
type Ingester interface {
	StoreContentItem(ctx context.Context, p ingest.Post) (*model.ContentItem, error)
	StoreComment(ctx context.Context, r ingest.Reply) (*model.Comment, error)
}

// ItemFinder resolves stored items by their dedup key.
type ItemFinder interface {
	FindContentItem(ctx context.Context, source, externalID string) (*model.ContentItem, error)
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	HTTP     HTTPClient
	Ingester Ingester
	Items    ItemFinder
	Config   *config.Config
	Log      *slog.Logger
	// Sleep overrides the throttle delay, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Constructor builds an adapter for a source.
type Constructor func(src model.Source, deps Deps) (Adapter, error)

type entry struct {
	build Constructor
	modes []model.CrawlMode
}

var registry = map[string]entry{
	"hackernews": {build: newHackerNews, modes: []model.CrawlMode{model.ModeBatch, model.ModeKeywordQuery, model.ModeRecheck}},
	"reddit":     {build: newReddit, modes: []model.CrawlMode{model.ModeKeywordQuery, model.ModeRecheck}},
	"rss":        {build: newRSS, modes: []model.CrawlMode{model.ModeBatch}},
}

// Keys returns the registered adapter keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New builds the adapter registered under src.AdapterKey.
func New(src model.Source, deps Deps) (Adapter, error) {
	e, ok := registry[src.AdapterKey]
	if !ok {
		return nil, fmt.Errorf("source %q: %w %q", src.Name, ErrUnknownAdapter, src.AdapterKey)
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	a, err := e.build(src, deps)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.Name, err)
	}
	return a, nil
}

// Validate checks every source against the registry: the adapter key must be
// known and must support the source's crawl mode. A recheck source also needs
// a target whose adapter can recheck.
func Validate(sources []model.Source) error {
	byName := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		byName[s.Name] = s
	}

	var errs []error
	for _, s := range sources {
		e, ok := registry[s.AdapterKey]
		if !ok {
			errs = append(errs, fmt.Errorf("source %q: %w %q", s.Name, ErrUnknownAdapter, s.AdapterKey))
			continue
		}
		if !supportsMode(e.modes, s.Mode) {
			errs = append(errs, fmt.Errorf("source %q: adapter %q does not support mode %q: %w",
				s.Name, s.AdapterKey, s.Mode, ErrUnsupported))
		}
		if s.Mode != model.ModeRecheck {
			continue
		}
		if t, ok := byName[s.Target]; ok {
			if te, ok := registry[t.AdapterKey]; ok && !supportsMode(te.modes, model.ModeRecheck) {
				errs = append(errs, fmt.Errorf("source %q: target %q cannot be rechecked: %w", s.Name, t.Name, ErrUnsupported))
			}
		}
	}
	return errors.Join(errs...)
}

func supportsMode(modes []model.CrawlMode, m model.CrawlMode) bool {
	for _, mode := range modes {
		if mode == m {
			return true
		}
	}
	return false
}
