package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/naojsoft/datasink/internal/dedup"
)

func newTestStore(t *testing.T) (dedup.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := dedup.New(client, time.Minute)
	return store, func() {
		client.Close()
		mr.Close()
	}
}

func TestSeenBefore_FirstTimeIsNotDuplicate(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	dup, err := store.SeenBefore(context.Background(), "corr-1")
	if err != nil {
		t.Fatalf("seen before: %v", err)
	}
	if dup {
		t.Fatal("expected first occurrence to not be a duplicate")
	}
}

func TestSeenBefore_SecondTimeIsDuplicate(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.SeenBefore(ctx, "corr-2"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	dup, err := store.SeenBefore(ctx, "corr-2")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !dup {
		t.Fatal("expected second occurrence to be flagged as duplicate")
	}
}

func TestNoopStore_NeverReportsDuplicate(t *testing.T) {
	var s dedup.NoopStore
	dup, err := s.SeenBefore(context.Background(), "anything")
	if err != nil {
		t.Fatalf("seen before: %v", err)
	}
	if dup {
		t.Fatal("expected noop store to never report duplicates")
	}
}
