package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"pms-board/domain"
)

type taskSource interface {
	TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error)
}

// Cache is a Redis read-through cache of a project's task list.
type Cache struct {
	base  taskSource
	redis *redis.Client
	ttl   time.Duration
}

// NewCache wraps base. A nil client or a zero ttl disables caching.
func NewCache(base taskSource, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: task source is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, projectID); ok {
		return tasks, nil
	}

	tasks, err := c.base.TasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, projectID, tasks)
	return tasks, nil
}

// Evict drops the cached tasks of the project. Called once a status change
// settles so the next board open sees the backend's view.
func (c *Cache) Evict(ctx context.Context, projectID int64) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(projectID)).Result()
}

func (c *Cache) load(ctx context.Context, projectID int64) ([]domain.Task, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	key := tasksCacheKey(projectID)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backend without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, projectID int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err()
}

func tasksCacheKey(projectID int64) string {
	return "board:tasks:" + strconv.FormatInt(projectID, 10)
}
