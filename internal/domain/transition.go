package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/prismq/taskqueue/internal/errval"
)

// ReapedError is recorded as last_error on tasks taken back from a silent worker.
const ReapedError = "claim expired: worker presumed dead"

// The functions below compute the next version of a task record. Storage backends load the
// record under a lock, apply one of them and write the result back guarded by the old status,
// so the rules live in one place regardless of backend.

func (t *Task) clone() *Task {
	next := *t
	if t.ClaimedAt != nil {
		claimedAt := *t.ClaimedAt
		next.ClaimedAt = &claimedAt
	}
	return &next
}

func invalidTransition(t *Task, op string) error {
	return fmt.Errorf("%w: cannot %s task %d in status %s", errval.ErrInvalidTransition, op, t.ID, t.Status)
}

// NewTask validates an enqueue request and builds the record to insert.
func NewTask(req EnqueueRequest, now time.Time) (*Task, error) {
	if req.TaskType == "" {
		return nil, fmt.Errorf("%w: task type is empty", errval.ErrInvalidArgument)
	}
	if req.MaxRetries < 0 || req.MaxRetries > math.MaxInt32 {
		return nil, fmt.Errorf("%w: max_retries must be between 0 and %d, got %d", errval.ErrInvalidArgument, math.MaxInt32, req.MaxRetries)
	}
	// the Postgres columns are 32-bit INTEGER
	if req.Priority < math.MinInt32 || req.Priority > math.MaxInt32 {
		return nil, fmt.Errorf("%w: priority %d is out of range", errval.ErrInvalidArgument, req.Priority)
	}

	params := req.Parameters
	if params == nil {
		params = map[string]string{}
	}

	return &Task{
		TaskType:    req.TaskType,
		Parameters:  params,
		Priority:    req.Priority,
		Status:      Queued,
		MaxRetries:  req.MaxRetries,
		CreatedAt:   now,
		AvailableAt: now,
		UpdatedAt:   now,
	}, nil
}

// MarkRunning moves a task claimed by workerID to running.
func (t *Task) MarkRunning(workerID string, now time.Time) (*Task, error) {
	if t.Status != Claimed || t.WorkerID != workerID {
		return nil, invalidTransition(t, "start (worker "+workerID+")")
	}

	next := t.clone()
	next.Status = Running
	next.UpdatedAt = now
	return next, nil
}

// ApplyResult records the outcome reported by workerID for a running task. Failures are
// re-queued while retry budget remains, otherwise the task fails permanently.
func (t *Task) ApplyResult(workerID string, result TaskResult, now time.Time, policy RetryPolicy) (*Task, error) {
	if err := result.Validate(); err != nil {
		return nil, err
	}
	if t.Status != Running || t.WorkerID != workerID {
		return nil, invalidTransition(t, "report result (worker "+workerID+") for")
	}

	if result.Success {
		result.Error = ""
		next := t.clone()
		next.Status = Completed
		next.Result = &result
		next.UpdatedAt = now
		return next, nil
	}

	if result.Error == "" {
		result.Error = "unknown error"
	}
	next := t.fail(result.Error, now, policy)
	next.Result = &result
	return next, nil
}

// Cancel stops a task that has not started running.
func (t *Task) Cancel(now time.Time) (*Task, error) {
	if t.Status != Queued && t.Status != Claimed {
		return nil, invalidTransition(t, "cancel")
	}

	next := t.clone()
	next.Status = Cancelled
	next.UpdatedAt = now
	return next, nil
}

// IsStale reports whether a claimed or running task was claimed before cutoff.
func (t *Task) IsStale(cutoff time.Time) bool {
	if t.Status != Claimed && t.Status != Running {
		return false
	}
	return t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff)
}

// Reap takes a task claimed before cutoff back from its worker through the failure path.
func (t *Task) Reap(cutoff, now time.Time, policy RetryPolicy) (*Task, error) {
	if !t.IsStale(cutoff) {
		return nil, invalidTransition(t, "reap")
	}
	return t.fail(ReapedError, now, policy), nil
}

func (t *Task) fail(errMsg string, now time.Time, policy RetryPolicy) *Task {
	next := t.clone()
	next.LastError = errMsg
	next.UpdatedAt = now

	if t.RetryCount < t.MaxRetries {
		next.RetryCount = t.RetryCount + 1
		next.Status = Queued
		next.WorkerID = ""
		next.ClaimedAt = nil
		next.AvailableAt = now.Add(policy.Delay(next.RetryCount))
		return next
	}

	next.Status = Failed
	return next
}
