package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opensource-finance/edrs/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, tenantID, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("StoresCopy", func(t *testing.T) {
		buf := []byte("abc")
		_ = cache.Set(ctx, tenantID, "copy", buf, time.Minute)
		buf[0] = 'x'

		val, _ := cache.Get(ctx, tenantID, "copy")
		if string(val) != "abc" {
			t.Errorf("cached value changed with caller's buffer: %s", val)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-A", "shared-key", []byte("A-value"), time.Minute)
		_ = cache.Set(ctx, "tenant-B", "shared-key", []byte("B-value"), time.Minute)

		valA, _ := cache.Get(ctx, "tenant-A", "shared-key")
		valB, _ := cache.Get(ctx, "tenant-B", "shared-key")
		if string(valA) != "A-value" {
			t.Errorf("tenant-A expected 'A-value', got '%s'", string(valA))
		}
		if string(valB) != "B-value" {
			t.Errorf("tenant-B expected 'B-value', got '%s'", string(valB))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if _, err := cache.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if err := cache.Set(ctx, "", "key", []byte("v"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})
}

func TestLRUCacheExpiry(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	_ = cache.Set(ctx, "t", "expiring", []byte("temp"), time.Minute)
	_ = cache.Set(ctx, "t", "forever", []byte("keep"), 0)

	if val, _ := cache.Get(ctx, "t", "expiring"); string(val) != "temp" {
		t.Errorf("expected 'temp' before expiry, got '%s'", val)
	}

	now = now.Add(2 * time.Minute)
	if val, _ := cache.Get(ctx, "t", "expiring"); val != nil {
		t.Error("expected nil after TTL expiration")
	}
	if val, _ := cache.Get(ctx, "t", "forever"); string(val) != "keep" {
		t.Errorf("entry without TTL expired: %s", val)
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLRUEviction(t *testing.T) {
	cache := NewLRUCache(3)
	ctx := context.Background()
	tenantID := "tenant-001"

	_ = cache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
	_ = cache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
	_ = cache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

	// Access "a" to make it most recently used
	_, _ = cache.Get(ctx, tenantID, "a")

	// Add "d", should evict "b" (least recently used)
	_ = cache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

	if val, _ := cache.Get(ctx, tenantID, "a"); val == nil {
		t.Error("expected 'a' to still be in cache")
	}
	if val, _ := cache.Get(ctx, tenantID, "b"); val != nil {
		t.Error("expected 'b' to be evicted")
	}
	if val, _ := cache.Get(ctx, tenantID, "d"); val == nil {
		t.Error("expected 'd' to be in cache")
	}

	if s := cache.Stats(); s.Size != 3 || s.Capacity != 3 {
		t.Errorf("expected size 3 and capacity 3, got %+v", s)
	}
}

func newRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestRedisCache(t *testing.T) {
	mr := newRedis(t)
	cache, err := NewRedisCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	if err := cache.Set(ctx, "tenant-001", "run:1", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !mr.Exists("edrs:tenant-001:run:1") {
		t.Errorf("expected namespaced key, have %v", mr.Keys())
	}
	if ttl := mr.TTL("edrs:tenant-001:run:1"); ttl != time.Minute {
		t.Errorf("expected ttl 1m, got %v", ttl)
	}

	val, err := cache.Get(ctx, "tenant-001", "run:1")
	if err != nil || string(val) != "payload" {
		t.Errorf("Get = %q, %v", val, err)
	}
	if val, _ := cache.Get(ctx, "tenant-002", "run:1"); val != nil {
		t.Error("expected tenant isolation in redis")
	}

	mr.FastForward(2 * time.Minute)
	if val, _ := cache.Get(ctx, "tenant-001", "run:1"); val != nil {
		t.Error("expected key to expire")
	}

	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestTwoPhaseCache(t *testing.T) {
	mr := newRedis(t)
	cache, err := NewTwoPhaseCache(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      mr.Addr(),
		EnableTwoPhase: true,
		LocalMaxSize:   10,
		LocalTTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	// A value written by another process only exists in L2.
	if err := mr.Set("edrs:t:run:x", "from-l2"); err != nil {
		t.Fatalf("miniredis set failed: %v", err)
	}
	val, err := cache.Get(ctx, "t", "run:x")
	if err != nil || string(val) != "from-l2" {
		t.Fatalf("Get = %q, %v", val, err)
	}

	// L1 now serves it even when L2 lost the key.
	mr.Del("edrs:t:run:x")
	if val, _ := cache.Get(ctx, "t", "run:x"); string(val) != "from-l2" {
		t.Errorf("expected L1 hit, got %q", val)
	}
	if s := cache.Stats(); s.Size != 1 {
		t.Errorf("expected one L1 entry, got %+v", s)
	}

	_ = cache.Set(ctx, "t", "run:y", []byte("both"), 30*time.Minute)
	if got, _ := mr.Get("edrs:t:run:y"); got != "both" {
		t.Errorf("expected write-through to L2, got %q", got)
	}

	_ = cache.Delete(ctx, "t", "run:y")
	if mr.Exists("edrs:t:run:y") {
		t.Error("expected delete from L2")
	}
	if val, _ := cache.Get(ctx, "t", "run:y"); val != nil {
		t.Error("expected delete from L1")
	}
}

func TestRuns(t *testing.T) {
	runs := NewRuns(NewLRUCache(10), time.Minute)
	ctx := context.Background()

	got, err := runs.Get(ctx, "tenant-001", "run-1")
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}

	run := &domain.ScoringRun{
		ID:               "run-1",
		TenantID:         "tenant-001",
		ScorecardVersion: "edrs-rb-1",
		Status:           domain.RunCompleted,
		Table:            []domain.ScoredRecord{{Account: domain.Account{ID: "7"}, Score: 32, Bucket: domain.BucketHigh}},
	}
	if err := runs.Put(ctx, run); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err = runs.Get(ctx, "tenant-001", "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || len(got.Table) != 1 || got.Table[0].Bucket != domain.BucketHigh {
		t.Errorf("unexpected cached run: %+v", got)
	}
	if other, _ := runs.Get(ctx, "tenant-002", "run-1"); other != nil {
		t.Error("expected tenant isolation for cached runs")
	}
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("Redis", func(t *testing.T) {
		mr := newRedis(t)
		cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*RedisCache); !ok {
			t.Error("expected RedisCache without two-phase")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
