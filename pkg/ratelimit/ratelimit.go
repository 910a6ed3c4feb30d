// Package ratelimit throttles request rates per caller. A single-process
// deployment uses the in-memory limiter; deployments behind a load balancer
// share state through the Redis limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a caller identified by key may proceed. When the
// answer is no, retryAfter suggests how long the caller should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
	Close() error
}

// New builds a limiter allowing max requests per window: Redis-backed when
// redisURL is set, in-process otherwise.
func New(redisURL string, max int, window time.Duration) (Limiter, error) {
	if redisURL == "" {
		return NewMemoryLimiter(max, window), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), max, window), nil
}

const (
	sweepInterval = time.Minute
	idleTTL       = time.Minute
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory. Idle
// buckets are evicted by a background sweep so the map does not grow with
// every client ever seen.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	retry    time.Duration
	stop     chan struct{}
}

// NewMemoryLimiter builds an in-process limiter allowing max requests per
// window, with bursts up to max.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &MemoryLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(max) / window.Seconds()),
		burst:    max,
		retry:    retryInterval(max, window),
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow consumes one token from the key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	if v.lim.Allow() {
		return true, 0, nil
	}
	return false, l.retry, nil
}

// Close stops the eviction sweep.
func (l *MemoryLimiter) Close() error {
	close(l.stop)
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-idleTTL))
		}
	}
}

// evictIdle drops buckets not seen since cutoff.
func (l *MemoryLimiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// retryInterval is the wait suggested to a throttled caller: the refill time
// of a single token, floored at one second.
func retryInterval(max int, window time.Duration) time.Duration {
	retry := window / time.Duration(max)
	if retry < time.Second {
		retry = time.Second
	}
	return retry
}
