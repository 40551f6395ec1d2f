package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openlift/openlift/internal/api"
)

const redisKeyPrefix = "run:"

// RedisStore implements Store on Redis. Save uses SETNX so a run_id is
// written at most once even under concurrent submissions; a secondary
// sorted set indexes run ids by timestamp for List.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed run store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Save(ctx context.Context, result *api.ComparisonResult, ttl time.Duration) error {
	if result.RunID == "" {
		return fmt.Errorf("result has no run_id")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := redisKeyPrefix + result.RunID
	wasSet, err := r.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !wasSet {
		return nil // first write won, not an error
	}

	// Index for List; best effort.
	score := float64(result.Timestamp.UnixMilli())
	if err := r.client.ZAdd(ctx, redisKeyPrefix+"index", &redis.Z{Score: score, Member: result.RunID}).Err(); err != nil {
		return fmt.Errorf("redis ZADD failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, runID string) (*api.ComparisonResult, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+runID).Result()
	if err == redis.Nil {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var result api.ComparisonResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, redisKeyPrefix+"index", 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE failed: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) Tag(ctx context.Context, runID, tag string) error {
	key := redisKeyPrefix + runID

	result, err := r.Load(ctx, runID)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	for _, t := range result.Tags {
		if t == tag {
			return nil // idempotent
		}
	}
	result.Tags = append(result.Tags, tag)

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	// KeepTTL preserves the original expiration on rewrite.
	if err := r.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
