package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Stop()

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}

	c.Set("k", "v")
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.(string) != "v" {
		t.Errorf("expected v, got %v", got)
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Stop()

	c.Set("k", 1)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("expected expired entry to be a miss")
	}
}

func TestCacheSweepEnforcesSizeLimit(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Stop()

	for i := 0; i < 6; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		time.Sleep(time.Millisecond)
	}
	c.cleanupExpired()

	if got := c.Len(); got != 3 {
		t.Errorf("expected 3 entries after sweep, got %d", got)
	}
	// Oldest entries go first
	if _, ok := c.Get("k0"); ok {
		t.Error("expected oldest entry k0 to be evicted")
	}
	if _, ok := c.Get("k5"); !ok {
		t.Error("expected newest entry k5 to survive")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(time.Hour, 1000)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := Key(fmt.Sprintf("worker-%d", n), fmt.Sprintf("%d", j))
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("content", "criteria", "text")
	b := Key("content", "criteria", "text")
	if a != b {
		t.Errorf("identical inputs produced different keys: %s vs %s", a, b)
	}
	if a == Key("content", "criteria", "image") {
		t.Error("different inputs produced the same key")
	}
}
