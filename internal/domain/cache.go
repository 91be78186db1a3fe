package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching run records and query results.
// Supports two-phase caching: local LRU + Redis.
// All methods require datasetID; keys never collide across datasets.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, datasetID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, datasetID string, key string) error

	// GetRun retrieves a cached pipeline run.
	GetRun(ctx context.Context, datasetID string, runID string) (*PipelineRun, error)

	// SetRun caches a pipeline run.
	SetRun(ctx context.Context, datasetID string, run *PipelineRun, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type" json:"type" validate:"oneof=memory redis"`

	LocalMaxSize int           `mapstructure:"local_max_size" json:"localMaxSize" validate:"gte=0"`
	LocalTTL     time.Duration `mapstructure:"local_ttl" json:"localTtl"`

	RedisAddr     string `mapstructure:"redis_addr" json:"redisAddr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redisDb"`

	// If true, check local first, then Redis
	EnableTwoPhase bool `mapstructure:"enable_two_phase" json:"enableTwoPhase"`

	// ResultTTL bounds how long run records and query results stay cached.
	ResultTTL time.Duration `mapstructure:"result_ttl" json:"resultTtl"`
}

// RunCacheKey is the cache key of a pipeline run record.
func RunCacheKey(runID string) string {
	return "run:" + runID
}
