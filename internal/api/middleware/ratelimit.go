package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// Limit defines rate limit parameters.
type Limit struct {
	Requests int           // Number of requests allowed
	Window   time.Duration // Time window for the limit
}

// RateLimitConfig holds per-route-group limits.
type RateLimitConfig struct {
	Downloads Limit
	Default   Limit
	// GracefulDegradation serves requests unlimited when the store fails.
	GracefulDegradation bool
}

// DefaultRateLimitConfig returns default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Downloads:           Limit{Requests: 100, Window: time.Hour},
		Default:             Limit{Requests: 120, Window: time.Minute},
		GracefulDegradation: true,
	}
}

// RateLimitStore counts requests per key and window.
type RateLimitStore interface {
	// Increment increments the counter for a key and returns the new count.
	// If the key doesn't exist, it creates it with expiration.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryRateLimitStore implements RateLimitStore in process memory.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

type rateLimitEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryRateLimitStore creates a new in-memory rate limit store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Increment implements RateLimitStore. Expired entries are swept on write.
func (s *MemoryRateLimitStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.expiresAt) {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.entries[key] = &rateLimitEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	entry.count++
	return entry.count, nil
}

// RedisRateLimitStore implements RateLimitStore on Redis so several API
// instances share one budget.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "board-harvester:ratelimit"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

// Increment implements RateLimitStore.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := s.prefix + ":" + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set rate limit expiration: %w", err)
		}
	}
	return count, nil
}

// RateLimiter provides rate limiting middleware.
type RateLimiter struct {
	store  RateLimitStore
	config RateLimitConfig
	log    *logger.Logger
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(store RateLimitStore, config RateLimitConfig, log *logger.Logger) *RateLimiter {
	return &RateLimiter{store: store, config: config, log: log.WithComponent("rate_limiter")}
}

// Middleware returns a rate limiting middleware for a specific limit type.
func (rl *RateLimiter) Middleware(limitType string) func(next http.Handler) http.Handler {
	limit := rl.getLimit(limitType)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientID(r)
			key := limitType + ":" + clientID

			count, err := rl.store.Increment(r.Context(), key, limit.Window)
			if err != nil {
				rl.log.WithError(err).Error("rate limit check failed", "key", key)
				if rl.config.GracefulDegradation {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			}

			remaining := limit.Requests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(limit.Window.Seconds())))

			if count > int64(limit.Requests) {
				rl.log.Warn("rate limit exceeded",
					"client_id", clientID,
					"limit_type", limitType,
					"count", count,
					"limit", limit.Requests,
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) getLimit(limitType string) Limit {
	if limitType == "download" {
		return rl.config.Downloads
	}
	return rl.config.Default
}

// clientID extracts a client identifier, preferring proxy headers.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
