package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type fakeSets struct {
	sets map[string]map[string]bool
	err  error
}

func (f *fakeSets) SIsMember(_ context.Context, key string, member any) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	return redis.NewBoolResult(f.sets[key][member.(string)], nil)
}

func (f *fakeSets) SAdd(_ context.Context, key string, members ...any) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func TestRedisSeenAndMark(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSets{sets: make(map[string]map[string]bool)}
	r := newRedis(fake)

	seen, err := r.Seen(ctx, KindItem, "hackernews", "1")
	if err != nil || seen {
		t.Fatalf("Seen before mark = %v, %v", seen, err)
	}
	if err := r.Mark(ctx, KindItem, "hackernews", "1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	tests := []struct {
		name   string
		kind   Kind
		source string
		id     string
		want   bool
	}{
		{name: "marked", kind: KindItem, source: "hackernews", id: "1", want: true},
		{name: "other source", kind: KindItem, source: "reddit", id: "1", want: false},
		{name: "other kind", kind: KindComment, source: "hackernews", id: "1", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Seen(ctx, tt.kind, tt.source, tt.id)
			if err != nil {
				t.Fatalf("seen: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Seen() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, ok := fake.sets["mention_radar:seen:item:hackernews"]; !ok {
		t.Errorf("expected key mention_radar:seen:item:hackernews, got %v", fake.sets)
	}
}

func TestRedisErrors(t *testing.T) {
	ctx := context.Background()
	r := newRedis(&fakeSets{err: errors.New("connection refused")})

	if _, err := r.Seen(ctx, KindItem, "s", "1"); err == nil {
		t.Error("expected Seen error")
	}
	if err := r.Mark(ctx, KindItem, "s", "1"); err == nil {
		t.Error("expected Mark error")
	}
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	if err := c.Mark(context.Background(), KindItem, "s", "1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	seen, err := c.Seen(context.Background(), KindItem, "s", "1")
	if err != nil || seen {
		t.Errorf("Nop.Seen = %v, %v", seen, err)
	}
}
