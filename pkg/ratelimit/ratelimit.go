// Package ratelimit protects the sample-ingestion endpoint with a sliding
// window limiter. Deployments sharing a Redis coordinate the window across
// instances through a Lua script; without Redis each instance falls back to a
// local in-memory window.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter answers whether one more request under key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int)
}

// slidingScript trims expired entries and admits the request atomically.
const slidingScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
if count < capacity then
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
	redis.call('PEXPIRE', key, window_ms + 1000)
	return {1, capacity - count - 1}
end
return {0, 0}
`

// SlidingWindow is the Redis-backed limiter with local fallback.
type SlidingWindow struct {
	rdb      *redis.Client
	capacity int
	window   time.Duration
	local    *localWindow
}

// NewSlidingWindow builds a limiter admitting capacity requests per window
// per key. rdb may be nil for single-instance deployments.
func NewSlidingWindow(rdb *redis.Client, capacity int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		rdb:      rdb,
		capacity: capacity,
		window:   window,
		local:    newLocalWindow(capacity, window),
	}
}

func (s *SlidingWindow) Allow(ctx context.Context, key string) (bool, int) {
	if s.rdb == nil {
		return s.local.allow(key)
	}
	now := time.Now()
	result, err := s.rdb.Eval(ctx, slidingScript, []string{"ratelimit:" + key},
		float64(now.UnixMicro())/1e6,
		float64(now.Add(-s.window).UnixMicro())/1e6,
		s.capacity,
		s.window.Milliseconds(),
	).Result()
	if err != nil {
		// Redis down: degrade to the local window rather than rejecting.
		return s.local.allow(key)
	}
	res := result.([]interface{})
	return res[0].(int64) == 1, int(res[1].(int64))
}

type localWindow struct {
	capacity int
	window   time.Duration
	mu       sync.Mutex
	hits     map[string][]time.Time
}

func newLocalWindow(capacity int, window time.Duration) *localWindow {
	return &localWindow{capacity: capacity, window: window, hits: make(map[string][]time.Time)}
}

func (l *localWindow) allow(key string) (bool, int) {
	now := time.Now()
	start := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(start) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.capacity {
		l.hits[key] = kept
		return false, 0
	}
	l.hits[key] = append(kept, now)
	return true, l.capacity - len(kept) - 1
}

// HTTPMiddleware applies the limiter per client IP, answering 429 when the
// window is exhausted.
func HTTPMiddleware(lim Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			allowed, _ := lim.Allow(r.Context(), key)
			if !allowed {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
