package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	userAgent    = "mention_radar/1.0"
	maxBodyBytes = 5 * 1024 * 1024
)

// Throttle enforces a fixed delay after every external call. Callers sharing
// a throttle are serialised: a call and its delay finish before the next call
// starts. It cannot absorb bursts.
type Throttle struct {
	mu    sync.Mutex
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottle returns a throttle waiting max(fixed, 1m/perMinute) after each
// call. A nil sleep uses a context-aware timer.
func NewThrottle(fixed time.Duration, perMinute int, sleep func(ctx context.Context, d time.Duration) error) *Throttle {
	delay := fixed
	if perMinute > 0 {
		if d := time.Minute / time.Duration(perMinute); d > delay {
			delay = d
		}
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Throttle{delay: delay, sleep: sleep}
}

// Delay returns the spacing enforced between calls.
func (t *Throttle) Delay() time.Duration { return t.delay }

// Wait blocks for the throttle delay or until ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t.delay <= 0 {
		return ctx.Err()
	}
	return t.sleep(ctx, t.delay)
}

// Hold reserves the throttle for one call. The returned function waits the
// delay and then releases the throttle.
func (t *Throttle) Hold(ctx context.Context) func() error {
	t.mu.Lock()
	return func() error {
		defer t.mu.Unlock()
		return t.Wait(ctx)
	}
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

// getJSON performs a GET request and decodes a JSON response into v. The
// throttle delay is applied after the call whatever its outcome.
func getJSON(ctx context.Context, client HTTPClient, throttle *Throttle, url string, header http.Header, v any) (err error) {
	release := throttle.Hold(ctx)
	defer func() {
		if werr := release(); werr != nil && err == nil {
			err = werr
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Set(k, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// plainText reduces an HTML fragment to whitespace-normalised text.
func plainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	doc.Find("p, br, li").BeforeHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// doerTransport adapts an HTTPClient into an http.RoundTripper and sets the
// user agent on requests built by other libraries.
type doerTransport struct {
	client HTTPClient
}

func (t doerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.client.Do(req)
}

func asHTTPClient(c HTTPClient) *http.Client {
	return &http.Client{Transport: doerTransport{client: c}}
}
