package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/server"
	"github.com/prismq/taskqueue/internal/sqlite"
	"github.com/prismq/taskqueue/internal/strategy"
	"github.com/prismq/taskqueue/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTaskManager serves the REST API over a fresh SQLite store.
func newTaskManager(t *testing.T, opts ...sqlite.Option) *httptest.Server {
	t.Helper()

	cfg := configs.SQLiteConfig{
		Path:                filepath.Join(t.TempDir(), "tasks.db"),
		BusyTimeoutInMillis: 10000,
	}
	require.NoError(t, sqlite.Migrate(cfg.ToMigrationUri()))

	store, err := sqlite.NewStorage(context.Background(), cfg.ToDSN(), 4, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	router, err := server.NewRouter(server.NewServerLogic(store), prometheus.NewRegistry())
	require.NoError(t, err)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func newTestStorage(t *testing.T, opts ...sqlite.Option) *storage {
	t.Helper()

	ts := newTaskManager(t, opts...)
	s, err := NewStorage(context.Background(), ts.URL, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func TestRemote_fetchRetryExample(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	created, err := s.Enqueue(ctx, domain.EnqueueRequest{
		TaskType:   "fetch",
		Parameters: map[string]string{"url": "https://example.com"},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, created.Status)
	assert.Equal(t, 1, created.MaxRetries)

	for _, want := range []domain.TaskStatus{domain.Queued, domain.Failed} {
		task, err := s.ClaimTask(ctx, domain.ClaimRequest{Strategy: strategy.FIFO, WorkerID: "w1", TaskTypes: []string{"fetch"}})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, created.ID, task.ID)
		assert.Equal(t, "https://example.com", task.Parameters["url"])

		require.NoError(t, s.MarkRunning(ctx, task.ID, "w1"))
		updated, err := s.ReportResult(ctx, task.ID, "w1", domain.Failure(errors.New("connection reset")))
		require.NoError(t, err)
		assert.Equal(t, want, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
	}

	task, err := s.ClaimTask(ctx, domain.ClaimRequest{Strategy: strategy.FIFO, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = s.ReportResult(ctx, created.ID, "w1", domain.TaskResult{Success: true})
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	history, err := s.GetTaskStatusChangeHistory(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, history, 7)

	failed, err := s.GetTasksByStatus(ctx, domain.Failed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "connection reset", failed[0].LastError)
}

func TestRemote_errors(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetTaskByID(ctx, 42)
	assert.ErrorIs(t, err, errval.ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	assert.ErrorIs(t, s.Cancel(ctx, 42), errval.ErrNotFound)
	assert.ErrorIs(t, s.MarkRunning(ctx, 42, "w1"), errval.ErrNotFound)

	_, err = s.Enqueue(ctx, domain.EnqueueRequest{TaskType: "fetch", MaxRetries: -1})
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	_, err = s.ClaimTask(ctx, domain.ClaimRequest{Strategy: strategy.FIFO})
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	retryFirst, err := strategy.Custom("RETRY_FIRST", strategy.Desc(strategy.ColumnRetryCount))
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, domain.ClaimRequest{Strategy: retryFirst, WorkerID: "w1"})
	assert.ErrorIs(t, err, errval.ErrUnknownStrategy)

	_, err = s.GetTasksByStatus(ctx, "done", 10)
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	_, err = s.ReapStale(ctx, 0)
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)
}

func TestRemote_cancelAndReap(t *testing.T) {
	// the clock is read by the server goroutine
	var clock atomic.Int64
	clock.Store(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	s := newTestStorage(t, sqlite.WithClock(func() time.Time { return time.Unix(0, clock.Load()).UTC() }))
	ctx := context.Background()

	cancelled, err := s.Enqueue(ctx, domain.EnqueueRequest{TaskType: "fetch"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, cancelled.ID))
	assert.ErrorIs(t, s.Cancel(ctx, cancelled.ID), errval.ErrInvalidTransition)

	_, err = s.Enqueue(ctx, domain.EnqueueRequest{TaskType: "fetch", MaxRetries: 2})
	require.NoError(t, err)
	claimed, err := s.ClaimTask(ctx, domain.ClaimRequest{Strategy: strategy.LIFO, WorkerID: "dead-worker"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Add(int64(time.Second))
	n, err := s.ReapStale(ctx, 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Add(int64(time.Second))
	n, err = s.ReapStale(ctx, 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := s.GetTaskByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, task.Status)
	assert.Equal(t, domain.ReapedError, task.LastError)
}

func TestRemote_worker(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	task, err := s.Enqueue(ctx, domain.EnqueueRequest{TaskType: "score", Parameters: map[string]string{"views": "10"}})
	require.NoError(t, err)

	handler := worker.HandlerFunc(func(_ context.Context, params map[string]string) (domain.TaskResult, error) {
		return domain.TaskResult{Success: true, ItemsProcessed: 1, Data: map[string]any{"views": params["views"]}}, nil
	})
	w, err := worker.New("remote-1", "score", handler, worker.Dependencies{Store: s})
	require.NoError(t, err)

	result, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	done, err := s.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, map[string]any{"views": "10"}, done.Result.Data)
	assert.Equal(t, "remote-1", done.WorkerID)
}

func TestRemote_unavailable(t *testing.T) {
	ts := newTaskManager(t)
	s := &storage{baseURL: ts.URL, client: &http.Client{Timeout: time.Second}}
	ts.Close()

	_, err := s.ClaimTask(context.Background(), domain.ClaimRequest{Strategy: strategy.FIFO, WorkerID: "w1"})
	assert.ErrorIs(t, err, errval.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), errval.ErrStorageUnavailable)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gateway.Close()

	s = &storage{baseURL: gateway.URL, client: gateway.Client()}
	_, err = s.GetTaskByID(context.Background(), 1)
	assert.ErrorIs(t, err, errval.ErrStorageUnavailable)
}

func TestNewStorage_invalidURL(t *testing.T) {
	_, err := NewStorage(context.Background(), "localhost:8080", time.Second)
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)
}
