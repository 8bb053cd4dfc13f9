package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
	"waterfeed/pkg/utils/logger"
)

// TokenBucket holds up to maxTokens tokens and refills refillRate tokens
// per second. Fractional refills carry over between calls.
type TokenBucket struct {
	tokens         float64
	maxTokens      float64
	refillRate     float64
	lastRefillTime time.Time
	lastUsed       time.Time
	mu             sync.Mutex
}

// MemoryRateLimiter keeps one token bucket per key in process memory.
type MemoryRateLimiter struct {
	buckets   map[string]*TokenBucket
	mu        sync.Mutex
	burst     int64
	perSecond int64
	ttl       time.Duration
	logger    *logger.Logger
	stopChan  chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewMemoryRateLimiter creates a limiter allowing bursts of burst requests
// and perSecond requests per second after that, for every key.
func NewMemoryRateLimiter(burst, perSecond int64, log *logger.Logger) *MemoryRateLimiter {
	if log == nil {
		log = logger.Nop()
	}
	limiter := &MemoryRateLimiter{
		buckets:   make(map[string]*TokenBucket),
		burst:     burst,
		perSecond: perSecond,
		ttl:       time.Minute,
		logger:    log,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}

	go limiter.cleanup()

	return limiter
}

// Allow takes a token for key if one is available. It returns whether the
// token was granted, the whole tokens left, and when the next token is due.
func (m *MemoryRateLimiter) Allow(key string) (bool, int64, time.Time) {
	m.mu.Lock()
	bucket, exists := m.buckets[key]
	if !exists {
		bucket = m.createBucket()
		m.buckets[key] = bucket
		m.logger.Debug(fmt.Sprintf("Created token bucket for host %s", key))
	}
	m.mu.Unlock()

	return bucket.consume(m.now())
}

// Wait blocks until key has a token or ctx is done.
func (m *MemoryRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, _, next := m.Allow(key)
		if allowed {
			return nil
		}

		delay := next.Sub(m.now())
		if delay <= 0 {
			delay = time.Millisecond
		}
		m.logger.Debug(fmt.Sprintf("Pacing request to %s for %v", key, delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *MemoryRateLimiter) createBucket() *TokenBucket {
	now := m.now()
	return &TokenBucket{
		tokens:         float64(m.burst),
		maxTokens:      float64(m.burst),
		refillRate:     float64(m.perSecond),
		lastRefillTime: now,
		lastUsed:       now,
	}
}

func (tb *TokenBucket) consume(now time.Time) (bool, int64, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.lastUsed = now
	if tb.maxTokens <= 0 || tb.refillRate <= 0 {
		return false, 0, now.Add(time.Hour)
	}

	elapsed := now.Sub(tb.lastRefillTime).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
		tb.lastRefillTime = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true, int64(tb.tokens), tb.nextToken(now)
	}
	return false, 0, tb.nextToken(now)
}

// nextToken is when the bucket next holds a whole token.
func (tb *TokenBucket) nextToken(now time.Time) time.Time {
	if tb.tokens >= 1 {
		return now
	}
	missing := 1 - tb.tokens
	return now.Add(time.Duration(missing / tb.refillRate * float64(time.Second)))
}

// cleanup periodically drops buckets that have not been used for ttl.
func (m *MemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryRateLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, bucket := range m.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastUsed)
		bucket.mu.Unlock()

		if idle > m.ttl {
			delete(m.buckets, key)
		}
	}
}

func (m *MemoryRateLimiter) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

func (m *MemoryRateLimiter) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.mu.Lock()
		m.buckets = make(map[string]*TokenBucket)
		m.mu.Unlock()
	})
	return nil
}
