package store

import (
	"context"
	"time"
)

// Message is a single payload delivered on a pub/sub channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Closing it stops delivery
// and releases the underlying channel.
type Subscription interface {
	// Messages returns the channel messages are delivered on. The channel
	// is closed when the subscription is closed.
	Messages() <-chan Message
	Close() error
}

// Store is the contract against the shared key-value/pub-sub backend used
// for cross-process coordination. Delivery on pub/sub channels is best
// effort; there are no cross-key transactions. Implementations must treat
// a missing key as a miss, not an error.
type Store interface {
	// Plain keys with TTL.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hash fields.
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HDel(ctx context.Context, key, field string) error
	HFields(ctx context.Context, key string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Pattern operations. DeletePattern removes every key matching the
	// glob-style pattern and returns the number removed.
	Keys(ctx context.Context, pattern string) ([]string, error)
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// Batch operations. Implementations should use the backend's native
	// pipelining rather than one round trip per key.
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)
	BatchSetTTL(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}
