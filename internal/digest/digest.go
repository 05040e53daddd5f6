// Package digest builds and delivers ranked per-user mention digests.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"mention_radar/internal/model"
)

// Message is handed to the delivery collaborator.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers a rendered digest.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Store is the persistence the builder needs.
type Store interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListKeywordsByUser(ctx context.Context, userID int64) ([]model.Keyword, error)
	ListMatchedContentItems(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.ContentItem, error)
	ListMatchedComments(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.Comment, error)
	SetLastNotified(ctx context.Context, userID int64, at time.Time) error
}

// Entry is one ranked digest line.
type Entry struct {
	Title     string
	Source    string
	Author    string
	Body      string
	URL       string
	Timestamp time.Time
	Score     float64
}

// Digest is the ranked selection for one user.
type Digest struct {
	User     model.User
	Items    []Entry
	Comments []Entry
}

// Empty reports whether the digest has nothing to deliver.
func (d *Digest) Empty() bool {
	return len(d.Items) == 0 && len(d.Comments) == 0
}

// Result summarises one digest cycle.
type Result struct {
	Sent    int
	Skipped int
	Failed  int
}

// Builder selects, ranks and delivers digests.
type Builder struct {
	store   Store
	sender  Sender
	subject string
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Builder.
func New(store Store, sender Sender, subject string, log *slog.Logger) *Builder {
	return &Builder{
		store:   store,
		sender:  sender,
		subject: subject,
		log:     log.With("component", "digest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run delivers a digest to every user with new matches. A failure for one
// user is logged and does not affect the others.
func (b *Builder) Run(ctx context.Context) (Result, error) {
	var res Result
	start := b.now()

	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("list users: %w", err)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		sent, err := b.deliver(ctx, u, start)
		switch {
		case err != nil:
			b.log.Error("digest failed", "user_id", u.ID, "error", err)
			res.Failed++
		case sent:
			res.Sent++
		default:
			res.Skipped++
		}
	}

	b.log.Info("digest cycle completed", "users", len(users), "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// deliver builds and sends the digest of one user. The watermark advances to
// start only after the sender accepted the message.
func (b *Builder) deliver(ctx context.Context, u model.User, start time.Time) (bool, error) {
	d, err := b.Build(ctx, u)
	if err != nil {
		return false, err
	}
	if d.Empty() {
		return false, nil
	}

	msg := Message{Recipient: u.Recipient, Subject: b.subject, Body: Render(d)}
	if err := b.sender.Send(ctx, msg); err != nil {
		return false, fmt.Errorf("send digest: %w", err)
	}
	if err := b.store.SetLastNotified(ctx, u.ID, start); err != nil {
		return true, fmt.Errorf("advance watermark: %w", err)
	}
	b.log.Debug("digest sent", "user_id", u.ID, "items", len(d.Items), "comments", len(d.Comments))
	return true, nil
}

// Build selects the matches of u created after its watermark and ranks them
// by their highest score among the user's keywords.
func (b *Builder) Build(ctx context.Context, u model.User) (*Digest, error) {
	d := &Digest{User: u}

	keywords, err := b.store.ListKeywordsByUser(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	if len(keywords) == 0 {
		return d, nil
	}
	owned := make(map[string]bool, len(keywords))
	patterns := make([]string, 0, len(keywords))
	for _, k := range keywords {
		owned[strings.ToLower(k.Pattern)] = true
		patterns = append(patterns, k.Pattern)
	}

	watermark := time.Unix(0, 0).UTC()
	if u.LastNotifiedAt != nil {
		watermark = *u.LastNotifiedAt
	}

	items, err := b.store.ListMatchedContentItems(ctx, patterns, watermark)
	if err != nil {
		return nil, fmt.Errorf("list matched items: %w", err)
	}
	for _, it := range items {
		d.Items = append(d.Items, Entry{
			Title:     it.Title,
			Source:    it.Source,
			Author:    it.Author,
			Body:      it.Body,
			URL:       it.URL,
			Timestamp: it.Timestamp,
			Score:     ownedScore(it.Matches, owned),
		})
	}

	comments, err := b.store.ListMatchedComments(ctx, patterns, watermark)
	if err != nil {
		return nil, fmt.Errorf("list matched comments: %w", err)
	}
	for _, c := range comments {
		d.Comments = append(d.Comments, Entry{
			Source:    c.Source,
			Author:    c.Author,
			Body:      c.Body,
			URL:       c.URL,
			Timestamp: c.Timestamp,
			Score:     ownedScore(c.Matches, owned),
		})
	}

	rank(d.Items)
	rank(d.Comments)
	return d, nil
}

// ownedScore is the highest score among the matches of the given keywords.
func ownedScore(matches []model.Match, owned map[string]bool) float64 {
	var mine []model.Match
	for _, m := range matches {
		if owned[strings.ToLower(m.Keyword)] {
			mine = append(mine, m)
		}
	}
	return model.MaxScore(mine)
}

// rank orders entries by score, newest first among equal scores.
func rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
