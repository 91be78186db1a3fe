package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// keyPrefix namespaces every Redis key.
const keyPrefix = "kestrel:"

// RedisCache implements domain.Cache on Redis.
// Used on the pro tier and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, datasetID string, key string) ([]byte, error) {
	if err := requireDataset(datasetID); err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, c.makeKey(datasetID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value with ttl.
func (c *RedisCache) Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.makeKey(datasetID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, datasetID string, key string) error {
	if err := requireDataset(datasetID); err != nil {
		return err
	}
	return c.client.Del(ctx, c.makeKey(datasetID, key)).Err()
}

// GetRun retrieves a cached run record.
func (c *RedisCache) GetRun(ctx context.Context, datasetID string, runID string) (*domain.PipelineRun, error) {
	return getRun(ctx, c, datasetID, runID)
}

// SetRun caches a run record.
func (c *RedisCache) SetRun(ctx context.Context, datasetID string, run *domain.PipelineRun, ttl time.Duration) error {
	return setRun(ctx, c, datasetID, run, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(datasetID, key string) string {
	return keyPrefix + datasetID + ":" + key
}
