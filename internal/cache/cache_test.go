package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	datasetID := "dataset-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, datasetID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, datasetID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, datasetID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, datasetID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, datasetID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, datasetID, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		timed := NewLRUCache(10)
		timed.now = func() time.Time { return clock }

		_ = timed.Set(ctx, datasetID, "expiring", []byte("temp"), time.Minute)
		if val, _ := timed.Get(ctx, datasetID, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Minute)
		if val, _ := timed.Get(ctx, datasetID, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := timed.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, datasetID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, datasetID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, datasetID, "c", []byte("3"), time.Minute)
		_, _ = small.Get(ctx, datasetID, "a")
		_ = small.Set(ctx, datasetID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, datasetID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, datasetID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("DatasetIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "dataset-001", "shared-key", []byte("one"), time.Minute)
		_ = cache.Set(ctx, "dataset-002", "shared-key", []byte("two"), time.Minute)

		val1, _ := cache.Get(ctx, "dataset-001", "shared-key")
		val2, _ := cache.Get(ctx, "dataset-002", "shared-key")
		if string(val1) != "one" {
			t.Errorf("expected 'one', got '%s'", string(val1))
		}
		if string(val2) != "two" {
			t.Errorf("expected 'two', got '%s'", string(val2))
		}
	})

	t.Run("RequiresDatasetID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := cache.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty datasetID")
		}
	})

	t.Run("RunRecord", func(t *testing.T) {
		run := &domain.PipelineRun{
			ID:        "run-001",
			DatasetID: datasetID,
			Status:    domain.RunSucceeded,
			Seed:      42,
			Accuracy:  0.95,
		}

		if err := cache.SetRun(ctx, datasetID, run, time.Minute); err != nil {
			t.Fatalf("SetRun failed: %v", err)
		}

		got, err := cache.GetRun(ctx, datasetID, "run-001")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got == nil || got.Status != domain.RunSucceeded || got.Accuracy != 0.95 {
			t.Errorf("unexpected run: %+v", got)
		}

		missing, err := cache.GetRun(ctx, datasetID, "run-404")
		if err != nil || missing != nil {
			t.Errorf("expected miss, got %v, %v", missing, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats := NewLRUCache(50)
		_ = stats.Set(ctx, datasetID, "k1", []byte("v1"), time.Minute)
		_ = stats.Set(ctx, datasetID, "k2", []byte("v2"), time.Minute)

		size, capacity := stats.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		closing := NewLRUCache(10)
		_ = closing.Set(ctx, datasetID, "k", []byte("v"), time.Minute)

		if err := closing.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := closing.Get(ctx, datasetID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	cache := NewRedisCacheWithClient(client)

	t.Run("Miss", func(t *testing.T) {
		mock.ExpectGet("kestrel:ds:missing").RedisNil()

		val, err := cache.Get(ctx, "ds", "missing")
		if err != nil || val != nil {
			t.Errorf("expected miss, got %v, %v", val, err)
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		mock.ExpectSet("kestrel:ds:k", []byte("v"), time.Minute).SetVal("OK")
		mock.ExpectGet("kestrel:ds:k").SetVal("v")

		if err := cache.Set(ctx, "ds", "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := cache.Get(ctx, "ds", "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", string(val))
		}
	})

	t.Run("GetRun", func(t *testing.T) {
		data, _ := json.Marshal(&domain.PipelineRun{ID: "r1", Status: domain.RunFailed, FailedStage: domain.StageLoad})
		mock.ExpectGet("kestrel:ds:run:r1").SetVal(string(data))

		run, err := cache.GetRun(ctx, "ds", "r1")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.FailedStage != domain.StageLoad {
			t.Errorf("expected failed stage load, got %s", run.FailedStage)
		}
	})

	t.Run("Error", func(t *testing.T) {
		mock.ExpectGet("kestrel:ds:k").SetErr(errors.New("connection refused"))

		if _, err := cache.Get(ctx, "ds", "k"); err == nil {
			t.Error("expected error")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	cache := newTwoPhaseCache(NewLRUCache(10), NewRedisCacheWithClient(client), time.Minute)

	mock.ExpectGet("kestrel:ds:k").SetVal("remote")

	val, err := cache.Get(ctx, "ds", "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "remote" {
		t.Errorf("expected 'remote', got '%s'", string(val))
	}

	// The second read is served by L1 without touching Redis.
	val, _ = cache.Get(ctx, "ds", "k")
	if string(val) != "remote" {
		t.Errorf("expected L1 hit, got '%s'", string(val))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
