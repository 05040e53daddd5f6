// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"mention_radar/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// UnassignedComment is a comment awaiting keyword assignment together with the
// embedding of its parent item, if any.
type UnassignedComment struct {
	model.Comment
	ParentVector []float64
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SetLastNotified(ctx context.Context, userID int64, at time.Time) error

	CreateKeyword(ctx context.Context, k *model.Keyword) error
	ListKeywords(ctx context.Context) ([]model.Keyword, error)
	ListKeywordsByUser(ctx context.Context, userID int64) ([]model.Keyword, error)
	ListCrawlCandidates(ctx context.Context, crawledBefore time.Time) ([]model.Keyword, error)
	StampCrawled(ctx context.Context, ids []int64, at time.Time) error

	FindContentItem(ctx context.Context, source, externalID string) (*model.ContentItem, error)
	InsertContentItem(ctx context.Context, item *model.ContentItem) (bool, error)
	ListUnassignedContentItems(ctx context.Context, limit int) ([]model.ContentItem, error)
	MarkContentItemsEvaluated(ctx context.Context, ids []int64, at time.Time) error
	SetContentItemMatches(ctx context.Context, id int64, matches []model.Match) (bool, error)
	ListRecheckCandidates(ctx context.Context, source string, since, checkedBefore time.Time) ([]model.ContentItem, error)
	MarkChecked(ctx context.Context, id int64, at time.Time) error
	ListMatchedContentItems(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.ContentItem, error)

	CommentExists(ctx context.Context, source, externalID string) (bool, error)
	InsertComment(ctx context.Context, c *model.Comment) (bool, error)
	ListUnassignedComments(ctx context.Context, limit int) ([]UnassignedComment, error)
	MarkCommentsEvaluated(ctx context.Context, ids []int64, at time.Time) error
	SetCommentMatches(ctx context.Context, id int64, matches []model.Match) (bool, error)
	ListMatchedComments(ctx context.Context, keywords []string, createdAfter time.Time) ([]model.Comment, error)

	Close() error
}
