package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds a site's lock.
var ErrLocked = errors.New("site is locked by another run")

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock keeps two processes from crawling the same site into the same
// output directory at once.
type RunLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRunLock creates a lock manager. ttl bounds how long a crashed run keeps
// the site locked.
func NewRunLock(client redis.UniversalClient, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RunLock{client: client, prefix: "board-harvester:lock:", ttl: ttl}
}

// Acquire takes the lock for site on behalf of runID. It returns ErrLocked
// when the lock is held.
func (l *RunLock) Acquire(ctx context.Context, site, runID string) error {
	ok, err := l.client.SetNX(ctx, l.prefix+site, runID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.prefix+site).Result()
		return fmt.Errorf("%w: held by run %s", ErrLocked, holder)
	}
	return nil
}

// Release drops the lock if runID still holds it.
func (l *RunLock) Release(ctx context.Context, site, runID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + site}, runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Holder returns the run holding site's lock, or "" when it is free.
func (l *RunLock) Holder(ctx context.Context, site string) (string, error) {
	v, err := l.client.Get(ctx, l.prefix+site).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock: %w", err)
	}
	return v, nil
}
