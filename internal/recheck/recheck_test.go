package recheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mention_radar/internal/config"
	"mention_radar/internal/model"
	"mention_radar/internal/storage"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeFetcher) RecheckComments(_ context.Context, item model.ContentItem) error {
	f.calls = append(f.calls, item.ExternalID)
	if f.fail[item.ExternalID] {
		return errors.New("thread unavailable")
	}
	return nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestEngine(t *testing.T, cfg config.Recheck) (*Engine, *storage.SQLite, *sleepRecorder) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &sleepRecorder{}
	e := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return testNow }
	e.sleep = rec.sleep
	return e, store, rec
}

func insertItem(t *testing.T, store *storage.SQLite, id string, age time.Duration, checkedAgo *time.Duration) {
	t.Helper()
	item := model.ContentItem{ExternalID: id, Source: "hackernews", Title: id, Timestamp: testNow.Add(-age)}
	if checkedAgo != nil {
		at := testNow.Add(-*checkedAgo)
		item.LastCheckedAt = &at
	}
	if _, err := store.InsertContentItem(context.Background(), &item); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func ago(d time.Duration) *time.Duration { return &d }

func defaultConfig() config.Recheck {
	return config.Recheck{MaxDuration: 72 * time.Hour, Interval: 6 * time.Hour, Pause: time.Second, PauseEvery: 10}
}

func TestClassify(t *testing.T) {
	e := New(nil, defaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	checked := func(d time.Duration) *time.Time {
		at := testNow.Add(-d)
		return &at
	}

	tests := []struct {
		name string
		item model.ContentItem
		want State
	}{
		{name: "never checked", item: model.ContentItem{Timestamp: testNow.Add(-time.Hour)}, want: StateDue},
		{name: "checked recently", item: model.ContentItem{Timestamp: testNow.Add(-time.Hour), LastCheckedAt: checked(time.Hour)}, want: StateFresh},
		{name: "interval elapsed", item: model.ContentItem{Timestamp: testNow.Add(-24 * time.Hour), LastCheckedAt: checked(6 * time.Hour)}, want: StateDue},
		{name: "at ceiling", item: model.ContentItem{Timestamp: testNow.Add(-72 * time.Hour)}, want: StateDue},
		{name: "past ceiling", item: model.ContentItem{Timestamp: testNow.Add(-80 * time.Hour)}, want: StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Classify(tt.item, testNow); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunSkipsExpiredAndRecent(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, defaultConfig())

	insertItem(t, store, "old", 80*time.Hour, nil)
	insertItem(t, store, "recent", 10*time.Hour, ago(time.Hour))
	insertItem(t, store, "due", 10*time.Hour, ago(7*time.Hour))
	insertItem(t, store, "new", time.Hour, nil)

	f := &fakeFetcher{}
	if err := e.Run(ctx, "hackernews", f); err != nil {
		t.Fatalf("run: %v", err)
	}
	sort.Strings(f.calls)
	if diff := cmp.Diff([]string{"due", "new"}, f.calls); diff != "" {
		t.Errorf("rechecked items mismatch (-want +got):\n%s", diff)
	}

	// A second cycle within the interval rechecks nothing.
	f.calls = nil
	e.now = func() time.Time { return testNow.Add(time.Hour) }
	if err := e.Run(ctx, "hackernews", f); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no rechecks within the interval, got %v", f.calls)
	}
}

func TestRunNeverRechecksExpiredItem(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, defaultConfig())
	insertItem(t, store, "old", 80*time.Hour, nil)

	f := &fakeFetcher{}
	for i := range 3 {
		e.now = func() time.Time { return testNow.Add(time.Duration(i) * 7 * time.Hour) }
		if err := e.Run(ctx, "hackernews", f); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(f.calls) != 0 {
		t.Errorf("expired item was rechecked: %v", f.calls)
	}
}

func TestRunFailureLeavesItemDue(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, defaultConfig())
	insertItem(t, store, "a", time.Hour, nil)
	insertItem(t, store, "b", 2*time.Hour, nil)

	f := &fakeFetcher{fail: map[string]bool{"a": true}}
	if err := e.Run(ctx, "hackernews", f); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := map[string]bool{}
	for _, id := range []string{"a", "b"} {
		it, err := store.FindContentItem(ctx, "hackernews", id)
		if err != nil {
			t.Fatalf("find %s: %v", id, err)
		}
		got[id] = it.LastCheckedAt != nil
	}
	if diff := cmp.Diff(map[string]bool{"a": false, "b": true}, got); diff != "" {
		t.Errorf("checked stamps mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPausesEveryTenItems(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t, defaultConfig())
	for i := range 25 {
		insertItem(t, store, fmt.Sprintf("item-%02d", i), time.Duration(i+1)*time.Minute, nil)
	}

	f := &fakeFetcher{}
	if err := e.Run(ctx, "hackernews", f); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.calls) != 25 {
		t.Fatalf("expected 25 rechecks, got %d", len(f.calls))
	}
	if diff := cmp.Diff([]time.Duration{time.Second, time.Second}, rec.waits); diff != "" {
		t.Errorf("pauses mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOtherSourceIgnored(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, defaultConfig())
	insertItem(t, store, "hn", time.Hour, nil)

	f := &fakeFetcher{}
	if err := e.Run(ctx, "reddit", f); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no rechecks for another source, got %v", f.calls)
	}
}
