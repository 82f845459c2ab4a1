package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"crest-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
}

// Cache wraps a task store with Redis-backed caching. Cache failures fall
// through to the backing store without surfacing errors.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, workspaceID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, workspaceID, tasks)
	return tasks, nil
}

// Evict drops the cached task list for a workspace. Called when a task
// mutation is announced so the next fetch observes it.
func (c *Cache) Evict(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
}

func (c *Cache) loadFromCache(ctx context.Context, workspaceID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(workspaceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, workspaceID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(workspaceID), data, c.ttl).Err()
}

func tasksCacheKey(workspaceID string) string {
	return "tasks:" + workspaceID
}
