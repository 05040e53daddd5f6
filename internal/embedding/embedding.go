// Package embedding turns text into vectors using an external service.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrNoVector is returned when the service answers without an embedding.
var ErrNoVector = errors.New("no embedding in response")

// Embedder converts a text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls a sentence-transformer service that accepts {"text": ...} and
// answers {"embedding": [...]}.
type Client struct {
	endpoint string
	token    string
	client   HTTPClient
}

var _ Embedder = (*Client)(nil)

// NewClient creates a Client posting to endpoint. A zero timeout keeps the
// http.Client default.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return NewClientWithHTTP(endpoint, token, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP creates a Client with a custom HTTP client.
func NewClientWithHTTP(endpoint, token string, client HTTPClient) *Client {
	return &Client{endpoint: endpoint, token: token, client: client}
}

// Embed requests the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoVector
	}
	return out.Embedding, nil
}

// Cache memoizes successful embeddings by text. Failures are not cached.
type Cache struct {
	next Embedder

	mu      sync.RWMutex
	vectors map[string][]float64
}

var _ Embedder = (*Cache)(nil)

// NewCache wraps next with an in-memory cache.
func NewCache(next Embedder) *Cache {
	return &Cache{next: next, vectors: make(map[string][]float64)}
}

// Embed returns the cached vector for text or asks the wrapped embedder.
func (c *Cache) Embed(ctx context.Context, text string) ([]float64, error) {
	c.mu.RLock()
	v, ok := c.vectors[text]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.vectors[text] = v
	c.mu.Unlock()
	return v, nil
}
