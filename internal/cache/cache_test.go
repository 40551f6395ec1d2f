package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openlift/openlift/internal/api"
)

func TestResultCacheHitMiss(t *testing.T) {
	c, err := NewResultCache(8, time.Minute)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}

	if _, ok := c.Get("req-1"); ok {
		t.Error("empty cache returned a hit")
	}

	c.Set("req-1", &api.ComparisonResult{RunID: "run-1"})
	got, ok := c.Get("req-1")
	if !ok || got.RunID != "run-1" {
		t.Fatalf("Get = %+v, %v; want the cached result", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate %.2f, want 0.50", stats.HitRate)
	}
}

func TestResultCacheConcurrentCounters(t *testing.T) {
	c, err := NewResultCache(8, time.Minute)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}
	c.Set("req-1", &api.ComparisonResult{RunID: "run-1"})

	// Concurrent readers share the read lock, so the hit and miss
	// counters must stay exact under parallel Gets (run with -race).
	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Get("req-1")
				c.Get("req-missing")
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Hits != workers*perWorker {
		t.Errorf("hits = %d, want %d", stats.Hits, workers*perWorker)
	}
	if stats.Misses != workers*perWorker {
		t.Errorf("misses = %d, want %d", stats.Misses, workers*perWorker)
	}
}

func TestResultCacheEviction(t *testing.T) {
	c, err := NewResultCache(2, 0)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("req-%d", i)
		c.Set(key, &api.ComparisonResult{RunID: key})
	}

	if c.Len() != 2 {
		t.Errorf("len = %d, want the size bound 2", c.Len())
	}
	if _, ok := c.Get("req-0"); ok {
		t.Error("oldest entry survived past the size bound")
	}
	if _, ok := c.Get("req-2"); !ok {
		t.Error("newest entry evicted")
	}
}

func TestResultCacheTTL(t *testing.T) {
	c, err := NewResultCache(8, time.Millisecond)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}

	c.Set("req-1", &api.ComparisonResult{RunID: "run-1"})
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get("req-1"); ok {
		t.Error("expired entry served")
	}

	c.Set("req-2", &api.ComparisonResult{RunID: "run-2"})
	time.Sleep(10 * time.Millisecond)
	if removed := c.CleanupExpired(); removed < 1 {
		t.Errorf("CleanupExpired removed %d entries, want at least 1", removed)
	}
}

func TestResultCacheZeroTTLNeverExpires(t *testing.T) {
	c, err := NewResultCache(8, 0)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}

	c.Set("req-1", &api.ComparisonResult{RunID: "run-1"})
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("req-1"); !ok {
		t.Error("zero TTL should disable expiration")
	}
	if removed := c.CleanupExpired(); removed != 0 {
		t.Errorf("CleanupExpired removed %d entries with TTL disabled", removed)
	}
}
