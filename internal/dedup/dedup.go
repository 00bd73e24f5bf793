// Package dedup implements an optional, best-effort delivery dedup store
// backed by Redis SETNX-with-TTL. It is disabled by default: spec.md's
// Non-goals explicitly exclude exactly-once delivery, and this store does
// not change that guarantee — it only lets an operator opt into
// suppressing the common case of an obviously-repeated redelivery within a
// short window, the same shape as the teacher's idempotency lock but keyed
// by whatever ID the caller passes (cmd/sink passes a hash of the transfer
// job's identifying fields) rather than an execution job ID. A marked ID is
// never released; it expires once its TTL runs out.
package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "datasink:dedup:"

// Store reports whether an ID has been seen recently.
type Store interface {
	// SeenBefore atomically marks id as seen and reports whether it was
	// already marked (true = duplicate, caller should skip processing).
	SeenBefore(ctx context.Context, id string) (bool, error)
}

type redisStore struct {
	client *goredis.Client
	ttl    time.Duration
}

// New creates a Redis-backed Store. ttl controls how long an ID is
// remembered; callers typically set this to a small multiple of the
// expected broker redelivery window.
func New(client *goredis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) SeenBefore(ctx context.Context, id string) (bool, error) {
	key := keyPrefix + id
	ok, err := s.client.SetNX(ctx, key, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx: %w", err)
	}
	// SetNX returns true when the key was newly set (not seen before).
	return !ok, nil
}

// NoopStore is used when dedup is disabled; every ID reports as unseen.
type NoopStore struct{}

func (NoopStore) SeenBefore(ctx context.Context, id string) (bool, error) { return false, nil }
