package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket with a refill rate (tokens per second)
// and burst capacity (maximum tokens). A background goroutine evicts buckets
// that have been full for a while to bound memory.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained events per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// Call Close to stop the cleanup goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// PerHour creates a limiter allowing n events per key per rolling hour, all
// of which may be spent at once.
func PerHour(n int) *MemoryLimiter {
	return NewMemoryLimiter(float64(n)/3600, n)
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available, false otherwise.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refillLocked(key)
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Delay returns how long until key has a token. Zero means Allow would
// succeed now.
func (m *MemoryLimiter) Delay(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refillLocked(key)
	if b.tokens >= 1 {
		return 0
	}
	if m.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (1 - b.tokens) / m.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// refillLocked returns key's bucket with tokens added for the time elapsed
// since it was last touched. New keys start full.
func (m *MemoryLimiter) refillLocked(key string) *bucket {
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastAccess).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(m.burst, b.tokens+elapsed*m.rate)
		b.lastAccess = now
	}
	return b
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// cleanup periodically evicts buckets that have refilled completely.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictFull()
		}
	}
}

// evictFull drops buckets that would be full by now. A dropped key starts
// full on its next use, so eviction never changes a decision.
func (m *MemoryLimiter) evictFull() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, b := range m.buckets {
		if b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate >= m.burst {
			delete(m.buckets, key)
		}
	}
}
