package budget

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps per-loop counters in Redis so multiple engine
// instances share one budget ledger. INCR gives the required atomicity.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore wraps a Redis client. prefix namespaces the keys,
// e.g. "loopgate:budget:".
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "loopgate:budget:"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (r *RedisCounterStore) key(loopID, counter string) string {
	return r.prefix + loopID + ":" + counter
}

func (r *RedisCounterStore) Incr(ctx context.Context, loopID, counter string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(loopID, counter)).Result()
	if err != nil {
		return 0, fmt.Errorf("budget: redis incr %s/%s: %w", loopID, counter, err)
	}
	return n, nil
}

func (r *RedisCounterStore) Get(ctx context.Context, loopID, counter string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(loopID, counter)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: redis get %s/%s: %w", loopID, counter, err)
	}
	return n, nil
}
