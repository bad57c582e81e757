// Package ratelimit bounds request rates per caller using a token
// bucket, so bursts are absorbed but sustained load is smoothed.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled           bool
	RequestsPerMinute int
}

// Limiter enforces a global bucket plus one bucket per caller key.
type Limiter struct {
	config       Config
	buckets      sync.Map // map[string]*bucket
	globalBucket *bucket
}

// bucket is a token bucket refilled continuously over time.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newBucket(maxTokens, refillRate float64) *bucket {
	return &bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill adds tokens based on elapsed time. Caller holds b.mu.
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// tryTake attempts to take n tokens from the bucket.
func (b *bucket) tryTake(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// retryAfter estimates how long until n tokens are available.
func (b *bucket) retryAfter(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	deficit := n - b.tokens
	if deficit <= 0 || b.refillRate <= 0 {
		return 0
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// NewLimiter creates a rate limiter. The global bucket is sized at
// four times the per-caller rate so one hot client cannot starve the
// rest.
func NewLimiter(config Config) *Limiter {
	l := &Limiter{config: config}

	if config.Enabled {
		globalRPM := float64(config.RequestsPerMinute) * 4
		l.globalBucket = newBucket(globalRPM, globalRPM/60.0)
	}

	return l
}

// Allow reports whether a request from key may proceed. A disabled
// limiter always allows.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	if !l.globalBucket.tryTake(1) {
		return false
	}

	if key != "" {
		if !l.callerBucket(key).tryTake(1) {
			return false
		}
	}

	return true
}

// RetryAfter estimates when the caller should try again, for the
// Retry-After response header.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}

	wait := l.globalBucket.retryAfter(1)
	if key != "" {
		if cached, ok := l.buckets.Load(key); ok {
			if w := cached.(*bucket).retryAfter(1); w > wait {
				wait = w
			}
		}
	}
	return wait
}

func (l *Limiter) callerBucket(key string) *bucket {
	if cached, ok := l.buckets.Load(key); ok {
		return cached.(*bucket)
	}

	newB := newBucket(
		float64(l.config.RequestsPerMinute),
		float64(l.config.RequestsPerMinute)/60.0,
	)

	actual, _ := l.buckets.LoadOrStore(key, newB)
	return actual.(*bucket)
}

// Cleanup removes caller buckets idle longer than maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	now := time.Now()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastRefill) > maxAge {
			l.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}
