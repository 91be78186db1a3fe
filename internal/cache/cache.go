package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a cache from configuration.
// "memory" returns an LRU cache; "redis" returns Redis, fronted by a local
// LRU when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrInvalidInput, cfg.Type)
	}
}

// byteStore is the raw key/value surface shared by every cache.
type byteStore interface {
	Get(ctx context.Context, datasetID string, key string) ([]byte, error)
	Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error
}

func getRun(ctx context.Context, s byteStore, datasetID, runID string) (*domain.PipelineRun, error) {
	data, err := s.Get(ctx, datasetID, domain.RunCacheKey(runID))
	if err != nil || data == nil {
		return nil, err
	}

	var run domain.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode cached run: %w", err)
	}
	return &run, nil
}

func setRun(ctx context.Context, s byteStore, datasetID string, run *domain.PipelineRun, ttl time.Duration) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return s.Set(ctx, datasetID, domain.RunCacheKey(run.ID), data, ttl)
}

func requireDataset(datasetID string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", domain.ErrInvalidInput)
	}
	return nil
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhaseCache(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get checks L1, then L2, populating L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, datasetID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, datasetID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, datasetID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, datasetID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L1 with the shorter of the two TTLs and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, datasetID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, datasetID, key, value, ttl)
}

// Delete removes from both levels.
func (c *TwoPhaseCache) Delete(ctx context.Context, datasetID string, key string) error {
	if err := c.local.Delete(ctx, datasetID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, datasetID, key)
}

// GetRun retrieves a cached run record.
func (c *TwoPhaseCache) GetRun(ctx context.Context, datasetID string, runID string) (*domain.PipelineRun, error) {
	return getRun(ctx, c, datasetID, runID)
}

// SetRun caches a run record in both levels.
func (c *TwoPhaseCache) SetRun(ctx context.Context, datasetID string, run *domain.PipelineRun, ttl time.Duration) error {
	return setRun(ctx, c, datasetID, run, ttl)
}

// Ping checks both levels.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both levels.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
