package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/sqlite"
	"github.com/prismq/taskqueue/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	defaults := configs.WorkerConfig{ReapTimeOutInSeconds: 900, ReapIntervalInSeconds: 60}

	opts, err := parseFlags(nil, defaults, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{timeout: 15 * time.Minute, interval: time.Minute}, opts)

	opts, err = parseFlags([]string{"--timeout", "90s", "--interval", "5s", "--once"}, defaults, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{timeout: 90 * time.Second, interval: 5 * time.Second, once: true}, opts)

	_, err = parseFlags([]string{"--timeout", "0s"}, defaults, io.Discard)
	assert.ErrorContains(t, err, "--timeout must be positive")

	_, err = parseFlags([]string{"--interval", "-1s"}, defaults, io.Discard)
	assert.ErrorContains(t, err, "--interval must be positive")
}

func TestRun_once(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("REDIS_HOST", "")
	t.Setenv("LOG_LEVEL", "error")

	// a claim from an hour ago, made through a store with a shifted clock
	cfg := configs.SQLiteConfig{Path: path, BusyTimeoutInMillis: 5000}
	require.NoError(t, sqlite.Migrate(cfg.ToMigrationUri()))
	hourAgo := func() time.Time { return time.Now().Add(-time.Hour) }
	store, err := sqlite.NewStorage(context.Background(), cfg.ToDSN(), 1, sqlite.WithClock(hourAgo))
	require.NoError(t, err)

	ctx := context.Background()
	task, err := store.Enqueue(ctx, domain.EnqueueRequest{TaskType: "fetch", MaxRetries: 1})
	require.NoError(t, err)
	_, err = store.ClaimTask(ctx, domain.ClaimRequest{Strategy: strategy.FIFO, WorkerID: "dead-worker"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var stdout, stderr bytes.Buffer
	code := run([]string{"--once", "--timeout", "30m"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "reaped 1 stale tasks\n", stdout.String())

	store, err = sqlite.NewStorage(ctx, cfg.ToDSN(), 1)
	require.NoError(t, err)
	defer store.Close()

	reaped, err := store.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, reaped.Status)
	assert.Equal(t, 1, reaped.RetryCount)
}
