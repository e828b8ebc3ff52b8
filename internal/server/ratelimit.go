package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to every
// request; MutationLimit caps state-changing API calls per client IP within
// MutationWindow, shared through Redis when RedisAddr is set.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	MutationLimit  int
	MutationWindow time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisTimeout   time.Duration
}

type rateLimiter struct {
	global          *tokenBucket
	mutationLimit   int
	mutationWindow  time.Duration
	mutationMu      sync.Mutex
	mutationBuckets map[string]*ipLimiter
	store           tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		mutationLimit:   cfg.MutationLimit,
		mutationWindow:  cfg.MutationWindow,
		mutationBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.mutationLimit <= 0 {
		rl.mutationLimit = 0
	}
	if rl.mutationWindow <= 0 {
		rl.mutationWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.mutationLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowMutation applies the per-client limit for state-changing calls.
func (r *rateLimiter) AllowMutation(key string) (bool, time.Duration, error) {
	if r == nil || r.mutationLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("relaycast:mutations:%s", key), r.mutationLimit, r.mutationWindow)
	}
	r.mutationMu.Lock()
	bucket, exists := r.mutationBuckets[key]
	if !exists {
		rate := float64(r.mutationLimit) / r.mutationWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.mutationLimit)}
		r.mutationBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.mutationMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.mutationBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.mutationWindow)
	for key, bucket := range r.mutationBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.mutationBuckets, key)
		}
	}
}

// Ping checks the shared counter store when one is configured.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

// Close releases the shared counter store.
func (r *rateLimiter) Close(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close(ctx)
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
