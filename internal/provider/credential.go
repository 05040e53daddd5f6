package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credential is a bearer token with its expiry.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the credential is present and not expired at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Value != "" && now.Before(c.ExpiresAt)
}

// credentialFetcher obtains a fresh credential.
type credentialFetcher func(ctx context.Context) (Credential, error)

// CredentialCache holds one credential and refreshes it lazily. A failed
// refresh keeps the previous credential in place.
type CredentialCache struct {
	fetch credentialFetcher
	now   func() time.Time
	log   *slog.Logger

	mu  sync.Mutex
	cur Credential
}

func newCredentialCache(fetch credentialFetcher, now func() time.Time, log *slog.Logger) *CredentialCache {
	return &CredentialCache{fetch: fetch, now: now, log: log}
}

// Token returns a valid bearer token, refreshing it first when it is missing
// or expired. When the refresh fails the prior value, possibly empty or
// stale, is returned.
func (c *CredentialCache) Token(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.Valid(c.now()) {
		return c.cur.Value
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		c.log.Error("credential refresh failed, keeping prior token", "error", err)
		return c.cur.Value
	}
	c.cur = fresh
	return c.cur.Value
}

// clientCredentials fetches tokens with the OAuth2 client-credentials grant.
func clientCredentials(clientID, secret, tokenURL string, client HTTPClient, now func() time.Time) credentialFetcher {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	httpClient := asHTTPClient(client)

	return func(ctx context.Context) (Credential, error) {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		tok, err := cfg.Token(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("client credentials: %w", err)
		}
		expires := tok.Expiry
		if expires.IsZero() {
			expires = now().Add(time.Hour)
		}
		return Credential{Value: tok.AccessToken, ExpiresAt: expires}, nil
	}
}
