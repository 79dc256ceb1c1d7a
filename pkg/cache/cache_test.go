package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func TestGetBytesMissIsNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, found, err := s.GetBytes(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false, got val=%q", val)
	}
}

func TestSetBytesThenGetBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetBytes(ctx, "key", []byte("value"), time.Minute); err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	val, found, err := s.GetBytes(ctx, "key")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if !found || string(val) != "value" {
		t.Fatalf("got (%q, %v), want (value, true)", val, found)
	}
}

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := widget{Name: "trailer", Count: 3}
	if err := SetJSON(ctx, s, "widget:1", w, time.Hour); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	got, found, err := GetJSON[widget](ctx, s, "widget:1")
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !found || got != w {
		t.Fatalf("got (%+v, %v), want (%+v, true)", got, found, w)
	}

	_, found, err = GetJSON[widget](ctx, s, "widget:missing")
	if err != nil {
		t.Fatalf("GetJSON miss: %v", err)
	}
	if found {
		t.Fatalf("expected found=false on miss")
	}
}

func TestIncrAndIncrBy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr = (%d, %v), want (1, nil)", n, err)
	}
	n, err = s.IncrBy(ctx, "counter", 41)
	if err != nil || n != 42 {
		t.Fatalf("IncrBy = (%d, %v), want (42, nil)", n, err)
	}
}

func TestSortedSetTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.AddSorted(ctx, "latency:quote:sorted", float64(i), string(rune('a'+i))); err != nil {
			t.Fatalf("AddSorted: %v", err)
		}
	}

	if err := s.TrimSorted(ctx, "latency:quote:sorted", 5); err != nil {
		t.Fatalf("TrimSorted: %v", err)
	}

	n, err := s.Cardinality(ctx, "latency:quote:sorted")
	if err != nil {
		t.Fatalf("Cardinality: %v", err)
	}
	if n != 5 {
		t.Fatalf("cardinality = %d, want 5", n)
	}

	members, err := s.RangeByScore(ctx, "latency:quote:sorted", "-inf", "+inf", 0)
	if err != nil {
		t.Fatalf("RangeByScore: %v", err)
	}
	// Trim drops lowest scores first, so the survivors are the 5 highest.
	want := []string{"f", "g", "h", "i", "j"}
	if len(members) != len(want) {
		t.Fatalf("members = %v, want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("members = %v, want %v", members, want)
		}
	}
}

func TestStreamAppendAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.StreamAppend(ctx, "latency:quote:stream", map[string]any{"ms": i}, 100); err != nil {
			t.Fatalf("StreamAppend: %v", err)
		}
	}

	msgs, err := s.StreamRange(ctx, "latency:quote:stream", 2)
	if err != nil {
		t.Fatalf("StreamRange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestScanPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SetBytes(ctx, "distance:abc", []byte("1"), 0)
	_ = s.SetBytes(ctx, "distance:def", []byte("1"), 0)
	_ = s.SetBytes(ctx, "catalog:current_version", []byte("1"), 0)

	keys, err := s.Scan(ctx, "distance:")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}
