// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// CrawlMode selects how the scheduler drives a source.
type CrawlMode string

// Supported crawl modes.
const (
	ModeBatch        CrawlMode = "batch"
	ModeKeywordQuery CrawlMode = "keyword-query"
	ModeRecheck      CrawlMode = "recheck"
)

// Credentials holds optional client credentials for a provider.
type Credentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Source is a configured external content provider. Sources are loaded once at
// start-up and are read-only to the rest of the application.
type Source struct {
	Name               string            `yaml:"name"`
	AdapterKey         string            `yaml:"adapter"`
	Mode               CrawlMode         `yaml:"mode"`
	Schedule           string            `yaml:"schedule"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute"`
	Credentials        *Credentials      `yaml:"credentials,omitempty"`
	Target             string            `yaml:"target,omitempty"`
	Options            map[string]string `yaml:"options,omitempty"`
}

// ExpressionType defines how a keyword pattern is evaluated.
type ExpressionType string

// Supported expression types.
const (
	ExpressionExact    ExpressionType = "exact"
	ExpressionContains ExpressionType = "contains"
	ExpressionRegex    ExpressionType = "regex"
	ExpressionSemantic ExpressionType = "semantic"
)

// Valid reports whether t is a known expression type.
func (t ExpressionType) Valid() bool {
	switch t {
	case ExpressionExact, ExpressionContains, ExpressionRegex, ExpressionSemantic:
		return true
	}
	return false
}

// User is a digest recipient.
type User struct {
	ID             int64
	Name           string
	Recipient      string
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
}

// Keyword is a user-defined interest pattern.
type Keyword struct {
	ID             int64
	UserID         int64
	Pattern        string
	ExpressionType ExpressionType
	Sources        []string
	LastCrawled    *time.Time
	CreatedAt      time.Time
}

// SubscribedTo reports whether the keyword applies to the named source.
// A keyword without explicit sources applies to every source.
func (k Keyword) SubscribedTo(source string) bool {
	if len(k.Sources) == 0 {
		return true
	}
	for _, s := range k.Sources {
		if strings.EqualFold(s, source) {
			return true
		}
	}
	return false
}

// Match is a relevance label attached to an item by the assignment job.
type Match struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
}

// MaxScore returns the highest score among matches, or 0 when there are none.
func MaxScore(matches []Match) float64 {
	var best float64
	for i, m := range matches {
		if i == 0 || m.Score > best {
			best = m.Score
		}
	}
	return best
}

// ContentItem is a post ingested from a source.
type ContentItem struct {
	ID            int64
	ExternalID    string
	Source        string
	Title         string
	Body          string
	URL           string
	Author        string
	Timestamp     time.Time
	Vector        []float64
	Matches       []Match
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// Comment is a reply ingested from a source, optionally attached to a ContentItem.
type Comment struct {
	ID              int64
	ExternalID      string
	Source          string
	ContentItemID   *int64
	ParentCommentID string
	Body            string
	URL             string
	Author          string
	Timestamp       time.Time
	Matches         []Match
	CreatedAt       time.Time
}
