package security

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	// 1 request per second, burst of 2
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	ip := "203.0.113.7"

	if !rl.Allow(ip) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow(ip) {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow(ip) {
		t.Error("third request should be denied (burst exhausted)")
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("key A first request should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("key A second request should be denied")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("key B first request should be allowed")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	ip := "203.0.113.7"
	rl.Allow(ip)

	rl.UpdateRate(rate.Limit(1), 5)

	if !rl.Allow(ip) {
		t.Error("should be allowed after rate update")
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 10)
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		if !rl.Allow(ip) {
			t.Errorf("key %s should be allowed (map not full)", ip)
		}
	}

	if rl.Allow("203.0.113.100") {
		t.Error("should reject new key when map is at capacity")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("existing key should still be allowed")
	}
}

func TestRateLimiterEvictStale(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("203.0.113.1")
	rl.evictStale(time.Now().Add(11 * time.Minute))

	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets after eviction = %d, want 0", n)
	}
}

func TestPerMinute(t *testing.T) {
	r, burst := PerMinute(120)
	if r != rate.Limit(2) {
		t.Errorf("rate = %v, want 2", r)
	}
	if burst != 120 {
		t.Errorf("burst = %d, want 120", burst)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.Stop() // Should not panic or deadlock
}
