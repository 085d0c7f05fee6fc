//go:build integration

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/testutil"
)

func TestRunLog_Postgres(t *testing.T) {
	dsn := testutil.Postgres(t, testutil.DefaultContainerConfig())
	ctx := context.Background()

	db, err := OpenDatabase(ctx, DatabaseConfig{Driver: DriverPostgres, DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2})
	require.NoError(t, err)
	defer db.Close()

	rl := NewRunLog(db, nil)
	require.NoError(t, rl.Migrate(ctx))
	require.NoError(t, rl.Migrate(ctx))

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, rl.SaveRun(ctx, crawler.Result{
		RunID:      "run-1",
		Site:       "alpha",
		Status:     crawler.StatusFatalAbort,
		Failed:     5,
		Err:        errors.New("too many page failures"),
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	}))
	require.NoError(t, rl.Record(ctx, models.Failure{
		RunID: "run-1", Site: "alpha", Title: "입찰 공고", ErrorType: "DownloadFailure", Message: "a.pdf: 404", At: start,
	}))

	last, err := rl.LastRun(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "fatal_abort", last.Status)
	assert.Equal(t, "too many page failures", last.Error.String)
	assert.True(t, last.FinishedAt.Equal(start.Add(time.Minute)))

	failures, err := rl.Failures(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "입찰 공고", failures[0].Title.String)
	assert.False(t, failures[0].URL.Valid)
}

func TestRunLock_Redis(t *testing.T) {
	url := testutil.Redis(t, testutil.DefaultContainerConfig())
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	ctx := context.Background()
	client, err := NewRedisClient(ctx, RedisConfig{Addr: opts.Addr})
	require.NoError(t, err)
	defer client.Close()

	lock := NewRunLock(client, time.Minute)
	require.NoError(t, lock.Acquire(ctx, "alpha", "run-1"))
	assert.ErrorIs(t, lock.Acquire(ctx, "alpha", "run-2"), ErrLocked)

	holder, err := lock.Holder(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)

	require.NoError(t, lock.Release(ctx, "alpha", "run-2"))
	holder, _ = lock.Holder(ctx, "alpha")
	assert.Equal(t, "run-1", holder)

	require.NoError(t, lock.Release(ctx, "alpha", "run-1"))
	holder, _ = lock.Holder(ctx, "alpha")
	assert.Empty(t, holder)
}
