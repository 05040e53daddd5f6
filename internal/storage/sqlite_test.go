package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"mention_radar/internal/model"
)

var (
	ignoreUserTS    = cmpopts.IgnoreFields(model.User{}, "CreatedAt")
	ignoreKeywordTS = cmpopts.IgnoreFields(model.Keyword{}, "CreatedAt")
	ignoreItemTS    = cmpopts.IgnoreFields(model.ContentItem{}, "CreatedAt")
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLite, name string) model.User {
	t.Helper()
	u := model.User{Name: name, Recipient: "42"}
	if err := s.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func mustKeyword(t *testing.T, s *SQLite, userID int64, pattern string, lastCrawled *time.Time) model.Keyword {
	t.Helper()
	k := model.Keyword{UserID: userID, Pattern: pattern, ExpressionType: model.ExpressionContains, LastCrawled: lastCrawled}
	if err := s.CreateKeyword(context.Background(), &k); err != nil {
		t.Fatalf("create keyword %q: %v", pattern, err)
	}
	return k
}

func ptr[T any](v T) *T { return &v }

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u := mustUser(t, s, "alice")
	if u.ID == 0 {
		t.Fatal("expected non-zero ID")
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := model.User{ID: u.ID, Name: "alice", Recipient: "42"}
	if diff := cmp.Diff(want, *got, ignoreUserTS); diff != "" {
		t.Errorf("GetUser mismatch (-want +got):\n%s", diff)
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SetLastNotified(ctx, u.ID, at); err != nil {
		t.Fatalf("set last notified: %v", err)
	}
	got, err = s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastNotifiedAt == nil || !got.LastNotifiedAt.Equal(at) {
		t.Errorf("LastNotifiedAt = %v, want %v", got.LastNotifiedAt, at)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestDB(t)
	_, err := s.GetUser(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeywordSources(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := mustUser(t, s, "bob")

	k := model.Keyword{UserID: u.ID, Pattern: "golang", ExpressionType: model.ExpressionExact, Sources: []string{"reddit"}}
	if err := s.CreateKeyword(ctx, &k); err != nil {
		t.Fatalf("create: %v", err)
	}
	rust := mustKeyword(t, s, u.ID, "rust", nil)

	got, err := s.ListKeywordsByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []model.Keyword{
		{ID: k.ID, UserID: u.ID, Pattern: "golang", ExpressionType: model.ExpressionExact, Sources: []string{"reddit"}},
		{ID: rust.ID, UserID: u.ID, Pattern: "rust", ExpressionType: model.ExpressionContains},
	}
	if diff := cmp.Diff(want, got, ignoreKeywordTS); diff != "" {
		t.Errorf("ListKeywordsByUser mismatch (-want +got):\n%s", diff)
	}
}

func TestListCrawlCandidatesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := mustUser(t, s, "carol")

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mustKeyword(t, s, u.ID, "recent", ptr(now.Add(-time.Hour)))
	oldest := mustKeyword(t, s, u.ID, "oldest", ptr(now.Add(-48*time.Hour)))
	never := mustKeyword(t, s, u.ID, "never", nil)
	older := mustKeyword(t, s, u.ID, "older", ptr(now.Add(-24*time.Hour)))

	got, err := s.ListCrawlCandidates(ctx, now.Add(-12*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []int64
	for _, k := range got {
		ids = append(ids, k.ID)
	}
	want := []int64{never.ID, oldest.ID, older.ID}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("candidate order mismatch (-want +got):\n%s", diff)
	}

	if err := s.StampCrawled(ctx, ids, now); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	got, err = s.ListCrawlCandidates(ctx, now.Add(-12*time.Hour))
	if err != nil {
		t.Fatalf("list after stamp: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates after stamping, got %d", len(got))
	}
}

func TestInsertContentItemIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	item := model.ContentItem{
		ExternalID: "123",
		Source:     "hackernews",
		Title:      "Show HN",
		Body:       "body",
		URL:        "https://example.com",
		Author:     "pg",
		Timestamp:  ts,
		Vector:     []float64{0.1, 0.2},
	}

	first := item
	inserted, err := s.InsertContentItem(ctx, &first)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted || first.ID == 0 {
		t.Fatalf("expected first insert to create a row, got inserted=%v id=%d", inserted, first.ID)
	}

	second := item
	second.Title = "changed"
	inserted, err = s.InsertContentItem(ctx, &second)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be a no-op")
	}

	got, err := s.FindContentItem(ctx, "hackernews", "123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := item
	want.ID = first.ID
	if diff := cmp.Diff(want, *got, ignoreItemTS); diff != "" {
		t.Errorf("stored item mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.FindContentItem(ctx, "reddit", "123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other source, got %v", err)
	}
}

func TestSetMatchesIsSingleAssignment(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	item := model.ContentItem{ExternalID: "1", Source: "hackernews", Timestamp: time.Now()}
	if _, err := s.InsertContentItem(ctx, &item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	unassigned, err := s.ListUnassignedContentItems(ctx, 10)
	if err != nil {
		t.Fatalf("list unassigned: %v", err)
	}
	if len(unassigned) != 1 {
		t.Fatalf("expected 1 unassigned item, got %d", len(unassigned))
	}

	first := []model.Match{{Keyword: "go", Score: 1}}
	ok, err := s.SetContentItemMatches(ctx, item.ID, first)
	if err != nil || !ok {
		t.Fatalf("first write: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetContentItemMatches(ctx, item.ID, []model.Match{{Keyword: "rust", Score: 1}})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if ok {
		t.Error("expected second write to be rejected")
	}

	got, err := s.FindContentItem(ctx, "hackernews", "1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := cmp.Diff(first, got.Matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}

	unassigned, err = s.ListUnassignedContentItems(ctx, 10)
	if err != nil {
		t.Fatalf("list unassigned: %v", err)
	}
	if len(unassigned) != 0 {
		t.Errorf("expected no unassigned items, got %d", len(unassigned))
	}
}

func TestUnassignedCommentsCarryParentVector(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	item := model.ContentItem{ExternalID: "p1", Source: "reddit", Timestamp: time.Now(), Vector: []float64{1, 0}}
	if _, err := s.InsertContentItem(ctx, &item); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	comments := []model.Comment{
		{ExternalID: "c1", Source: "reddit", ContentItemID: &item.ID, Body: "reply", Author: "a", Timestamp: time.Now()},
		{ExternalID: "c2", Source: "reddit", Body: "orphan", Author: "b", Timestamp: time.Now()},
	}
	for i := range comments {
		inserted, err := s.InsertComment(ctx, &comments[i])
		if err != nil || !inserted {
			t.Fatalf("insert comment %d: inserted=%v err=%v", i, inserted, err)
		}
	}
	if inserted, _ := s.InsertComment(ctx, &model.Comment{ExternalID: "c1", Source: "reddit", Timestamp: time.Now()}); inserted {
		t.Error("expected duplicate comment to be skipped")
	}

	exists, err := s.CommentExists(ctx, "reddit", "c2")
	if err != nil || !exists {
		t.Fatalf("CommentExists = %v, %v", exists, err)
	}

	got, err := s.ListUnassignedComments(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(got))
	}
	if diff := cmp.Diff([]float64{1, 0}, got[0].ParentVector); diff != "" {
		t.Errorf("parent vector mismatch (-want +got):\n%s", diff)
	}
	if got[1].ParentVector != nil {
		t.Errorf("expected nil parent vector for orphan, got %v", got[1].ParentVector)
	}
}

func TestListRecheckCandidates(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
	for _, it := range []model.ContentItem{
		{ExternalID: "new", Source: "hackernews", Timestamp: now.Add(-2 * time.Hour), Vector: []float64{1, 0}},
		{ExternalID: "checked", Source: "hackernews", Timestamp: now.Add(-3 * time.Hour), LastCheckedAt: ptr(now.Add(-time.Hour))},
		{ExternalID: "stale", Source: "hackernews", Timestamp: now.Add(-20 * time.Hour), LastCheckedAt: ptr(now.Add(-7 * time.Hour))},
		{ExternalID: "old", Source: "hackernews", Timestamp: now.Add(-80 * time.Hour)},
		{ExternalID: "other", Source: "reddit", Timestamp: now.Add(-time.Hour)},
	} {
		if _, err := s.InsertContentItem(ctx, &it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ListRecheckCandidates(ctx, "hackernews", now.Add(-72*time.Hour), now.Add(-6*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, it := range got {
		ids = append(ids, it.ExternalID)
		if it.Vector != nil {
			t.Errorf("%s: vector loaded for recheck candidate", it.ExternalID)
		}
	}
	if diff := cmp.Diff([]string{"new", "stale"}, ids); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}

	checked := now.Add(-time.Minute)
	if err := s.MarkChecked(ctx, got[0].ID, checked); err != nil {
		t.Fatalf("mark: %v", err)
	}
	item, err := s.FindContentItem(ctx, "hackernews", "new")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if item.LastCheckedAt == nil || !item.LastCheckedAt.Equal(checked) {
		t.Errorf("LastCheckedAt = %v, want %v", item.LastCheckedAt, checked)
	}
	if diff := cmp.Diff([]float64{1, 0}, item.Vector); diff != "" {
		t.Errorf("vector mismatch (-want +got):\n%s", diff)
	}
}

func TestUnassignedOrderRotatesEvaluatedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	var itemIDs []int64
	for _, ext := range []string{"1", "2", "3"} {
		item := model.ContentItem{ExternalID: ext, Source: "hackernews", Timestamp: time.Now()}
		if _, err := s.InsertContentItem(ctx, &item); err != nil {
			t.Fatalf("insert item: %v", err)
		}
		itemIDs = append(itemIDs, item.ID)
	}
	var commentIDs []int64
	for _, ext := range []string{"c1", "c2", "c3"} {
		c := model.Comment{ExternalID: ext, Source: "hackernews", Timestamp: time.Now()}
		if _, err := s.InsertComment(ctx, &c); err != nil {
			t.Fatalf("insert comment: %v", err)
		}
		commentIDs = append(commentIDs, c.ID)
	}

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := s.MarkContentItemsEvaluated(ctx, itemIDs[:1], base.Add(time.Minute)); err != nil {
		t.Fatalf("mark items: %v", err)
	}
	if err := s.MarkContentItemsEvaluated(ctx, itemIDs[1:2], base); err != nil {
		t.Fatalf("mark items: %v", err)
	}
	if err := s.MarkCommentsEvaluated(ctx, commentIDs[:2], base); err != nil {
		t.Fatalf("mark comments: %v", err)
	}

	items, err := s.ListUnassignedContentItems(ctx, 10)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	var gotItems []string
	for _, it := range items {
		gotItems = append(gotItems, it.ExternalID)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, gotItems); diff != "" {
		t.Errorf("item order mismatch (-want +got):\n%s", diff)
	}

	comments, err := s.ListUnassignedComments(ctx, 2)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	var gotComments []string
	for _, c := range comments {
		gotComments = append(gotComments, c.ExternalID)
	}
	if diff := cmp.Diff([]string{"c3", "c1"}, gotComments); diff != "" {
		t.Errorf("comment order mismatch (-want +got):\n%s", diff)
	}

	// Stamping never touches rows that already carry matches.
	if _, err := s.SetContentItemMatches(ctx, itemIDs[2], []model.Match{{Keyword: "go", Score: 1}}); err != nil {
		t.Fatalf("set matches: %v", err)
	}
	if err := s.MarkContentItemsEvaluated(ctx, nil, base); err != nil {
		t.Errorf("empty mark: %v", err)
	}
	items, err = s.ListUnassignedContentItems(ctx, 10)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 unassigned items, got %d", len(items))
	}
}

func TestListMatchedSince(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	insertAt := func(ext string, created time.Time, matches []model.Match) {
		t.Helper()
		s.now = func() time.Time { return created }
		item := model.ContentItem{ExternalID: ext, Source: "hackernews", Timestamp: created}
		if _, err := s.InsertContentItem(ctx, &item); err != nil {
			t.Fatalf("insert %s: %v", ext, err)
		}
		if _, err := s.SetContentItemMatches(ctx, item.ID, matches); err != nil {
			t.Fatalf("set matches %s: %v", ext, err)
		}
		c := model.Comment{ExternalID: "c-" + ext, Source: "hackernews", Timestamp: created}
		if _, err := s.InsertComment(ctx, &c); err != nil {
			t.Fatalf("insert comment %s: %v", ext, err)
		}
		if _, err := s.SetCommentMatches(ctx, c.ID, matches); err != nil {
			t.Fatalf("set comment matches %s: %v", ext, err)
		}
	}

	insertAt("before", base.Add(-time.Hour), []model.Match{{Keyword: "Go", Score: 1}})
	insertAt("after", base.Add(time.Hour), []model.Match{{Keyword: "Go", Score: 1}})
	insertAt("foreign", base.Add(time.Hour), []model.Match{{Keyword: "rust", Score: 1}})

	items, err := s.ListMatchedContentItems(ctx, []string{"go"}, base)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "after" {
		t.Errorf("expected only the item created after the watermark, got %+v", items)
	}

	comments, err := s.ListMatchedComments(ctx, []string{"GO", "python"}, base)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 || comments[0].ExternalID != "c-after" {
		t.Errorf("expected only c-after, got %+v", comments)
	}

	none, err := s.ListMatchedContentItems(ctx, nil, base)
	if err != nil || none != nil {
		t.Errorf("expected no items for empty keyword list, got %v, %v", none, err)
	}
}
