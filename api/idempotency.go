package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers the idempotency keys of the moves applied to each
// board session. Keys of one session live in a single Redis hash that
// expires ttl after the last move and is dropped when the board is closed.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(sessionID string) string {
	return "board:session:" + sessionID + ":moves"
}

func moveField(userID, key string) string {
	return userID + ":" + key
}

// Add records the move key for the session. It returns true when the key was
// not seen before.
func (r *RedisDeduper) Add(ctx context.Context, sessionID, userID, key string) (bool, error) {
	k := r.key(sessionID)
	var added *redis.BoolCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.HSetNX(ctx, k, moveField(userID, key), time.Now().UTC().Format(time.RFC3339Nano))
		p.Expire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return added.Val(), nil
}

// Remove forgets a move key so the caller may retry the move.
func (r *RedisDeduper) Remove(ctx context.Context, sessionID, userID, key string) error {
	return r.client.HDel(ctx, r.key(sessionID), moveField(userID, key)).Err()
}

// Forget drops every move key of a closed session.
func (r *RedisDeduper) Forget(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}
