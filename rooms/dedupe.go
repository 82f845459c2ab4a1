package rooms

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records recently broadcast task-change keys in Redis so a
// burst of saves to one task raises a single toast across all instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Add records the key if it is not already present within the TTL. It returns
// true when the key was newly added and the notification should broadcast.
func (r *RedisDeduper) Add(ctx context.Context, room, key string) (bool, error) {
	return r.client.SetNX(ctx, "notify:"+room+":"+key, 1, r.ttl).Result()
}
