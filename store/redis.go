package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis implements Store on top of a shared Redis deployment.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection with a ping.
// Failure here is fatal to the caller: every coordination operation
// depends on the store, so refusing to start beats running half-initialized.
func NewRedis(address, password string, db, poolSize int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client, e.g. one shared with the
// JWT revocation check.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *Redis) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) HSet(ctx context.Context, key, field string, value []byte) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	data, err := r.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *Redis) HDel(ctx context.Context, key, field string) error {
	return r.client.HDel(ctx, key, field).Err()
}

func (r *Redis) HFields(ctx context.Context, key string) ([]string, error) {
	return r.client.HKeys(ctx, key).Result()
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for field, val := range vals {
		out[field] = []byte(val)
	}
	return out, nil
}

func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	return r.client.HLen(ctx, key).Result()
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	// SCAN instead of KEYS so a large keyspace doesn't block the server.
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := r.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	return r.Delete(ctx, keys...)
}

func (r *Redis) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, val := range vals {
		if val == nil {
			continue
		}
		if s, ok := val.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) BatchSetTTL(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so a broadcast issued
	// right after Subscribe returns is not silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
