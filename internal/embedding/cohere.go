package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
)

// Cohere embeds text with the Cohere v2 Embed API.
type Cohere struct {
	client *cohereclient.Client
	model  string
}

var _ Embedder = (*Cohere)(nil)

// NewCohere creates a Cohere embedder.
func NewCohere(apiKey, model string, timeout time.Duration) *Cohere {
	return NewCohereWithHTTP(apiKey, model, &http.Client{Timeout: timeout})
}

// NewCohereWithHTTP creates a Cohere embedder with a custom HTTP client.
func NewCohereWithHTTP(apiKey, model string, httpClient HTTPClient) *Cohere {
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return &Cohere{client: client, model: model}
}

// Embed requests a float embedding of text.
func (c *Cohere) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.V2.Embed(ctx, &cohere.V2EmbedRequest{
		Texts:          []string{text},
		Model:          c.model,
		InputType:      cohere.EmbedInputTypeSearchDocument,
		EmbeddingTypes: []cohere.EmbeddingType{cohere.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere embed: %w", err)
	}
	if resp == nil || resp.Embeddings == nil || len(resp.Embeddings.Float) == 0 {
		return nil, ErrNoVector
	}
	if len(resp.Embeddings.Float[0]) == 0 {
		return nil, ErrNoVector
	}
	return resp.Embeddings.Float[0], nil
}
