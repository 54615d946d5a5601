package domain

import (
	"math"
	"testing"
	"time"

	"github.com/prismq/taskqueue/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func runningTask(retryCount, maxRetries int) *Task {
	claimedAt := now.Add(-time.Minute)
	return &Task{
		ID:         7,
		TaskType:   "fetch",
		Status:     Running,
		WorkerID:   "w1",
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		ClaimedAt:  &claimedAt,
	}
}

func TestNewTask(t *testing.T) {
	task, err := NewTask(EnqueueRequest{TaskType: "fetch", Priority: 2, MaxRetries: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, Queued, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, now, task.CreatedAt)
	assert.Equal(t, now, task.AvailableAt)
	assert.NotNil(t, task.Parameters)

	_, err = NewTask(EnqueueRequest{}, now)
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	_, err = NewTask(EnqueueRequest{TaskType: "fetch", MaxRetries: -1}, now)
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	for _, req := range []EnqueueRequest{
		{TaskType: "fetch", Priority: math.MaxInt32 + 1},
		{TaskType: "fetch", Priority: math.MinInt32 - 1},
		{TaskType: "fetch", MaxRetries: math.MaxInt32 + 1},
	} {
		_, err = NewTask(req, now)
		assert.ErrorIs(t, err, errval.ErrInvalidArgument, req)
	}

	task, err = NewTask(EnqueueRequest{TaskType: "fetch", Priority: math.MinInt32, MaxRetries: math.MaxInt32}, now)
	require.NoError(t, err)
	assert.Equal(t, math.MinInt32, task.Priority)
}

func TestMarkRunning(t *testing.T) {
	claimed := &Task{ID: 1, Status: Claimed, WorkerID: "w1"}

	next, err := claimed.MarkRunning("w1", now)
	require.NoError(t, err)
	assert.Equal(t, Running, next.Status)
	assert.Equal(t, Claimed, claimed.Status)

	_, err = claimed.MarkRunning("w2", now)
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	_, err = (&Task{Status: Queued}).MarkRunning("", now)
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)
}

func TestApplyResult_success(t *testing.T) {
	next, err := runningTask(0, 2).ApplyResult("w1", TaskResult{Success: true, Error: "ignored", ItemsProcessed: 3}, now, RetryPolicy{})
	require.NoError(t, err)

	assert.Equal(t, Completed, next.Status)
	assert.Equal(t, 3, next.Result.ItemsProcessed)
	assert.Empty(t, next.Result.Error)
}

func TestApplyResult_retryThenFail(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second}

	next, err := runningTask(0, 1).ApplyResult("w1", TaskResult{Error: "boom"}, now, policy)
	require.NoError(t, err)
	assert.Equal(t, Queued, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Nil(t, next.ClaimedAt)
	assert.Empty(t, next.WorkerID)
	assert.Equal(t, "boom", next.LastError)
	assert.Equal(t, now.Add(time.Second), next.AvailableAt)

	next, err = runningTask(1, 1).ApplyResult("w1", TaskResult{}, now, policy)
	require.NoError(t, err)
	assert.Equal(t, Failed, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, "unknown error", next.LastError)
	assert.Equal(t, "w1", next.WorkerID)
}

func TestApplyResult_rejected(t *testing.T) {
	_, err := runningTask(0, 1).ApplyResult("w2", TaskResult{Success: true}, now, RetryPolicy{})
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	for _, status := range []TaskStatus{Queued, Claimed, Completed, Failed, Cancelled} {
		task := runningTask(0, 1)
		task.Status = status
		_, err := task.ApplyResult("w1", TaskResult{Success: true}, now, RetryPolicy{})
		assert.ErrorIs(t, err, errval.ErrInvalidTransition, status)
	}

	for _, result := range []TaskResult{
		{Success: true, ItemsProcessed: -1},
		{Success: true, Metrics: map[string]float64{"score": math.Inf(1)}},
		{Success: false, Error: "boom", Data: func() {}},
	} {
		_, err = runningTask(0, 1).ApplyResult("w1", result, now, RetryPolicy{})
		assert.ErrorIs(t, err, errval.ErrInvalidArgument)
	}
}

func TestCancel(t *testing.T) {
	for _, status := range []TaskStatus{Queued, Claimed} {
		next, err := (&Task{Status: status}).Cancel(now)
		require.NoError(t, err)
		assert.Equal(t, Cancelled, next.Status)
	}
	for _, status := range []TaskStatus{Running, Completed, Failed, Cancelled} {
		_, err := (&Task{Status: status}).Cancel(now)
		assert.ErrorIs(t, err, errval.ErrInvalidTransition, status)
	}
}

func TestReap(t *testing.T) {
	task := runningTask(0, 2)
	assert.True(t, task.IsStale(now))
	assert.False(t, task.IsStale(now.Add(-2*time.Minute)))

	_, err := task.Reap(now.Add(-2*time.Minute), now, RetryPolicy{})
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)

	next, err := task.Reap(now, now, RetryPolicy{})
	require.NoError(t, err)
	assert.Equal(t, Queued, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, ReapedError, next.LastError)

	next, err = runningTask(2, 2).Reap(now, now, RetryPolicy{})
	require.NoError(t, err)
	assert.Equal(t, Failed, next.Status)

	_, err = (&Task{Status: Queued, ClaimedAt: &now}).Reap(now.Add(time.Minute), now, RetryPolicy{})
	assert.ErrorIs(t, err, errval.ErrInvalidTransition)
}
