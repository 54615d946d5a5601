package domain

import (
	"context"
	"time"
)

// Storage is the task store: the only authority for task state transitions. Implementations
// must make every transition atomic at the storage layer, since workers may run as separate
// processes.
type Storage interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error)
	// ClaimTask returns nil, nil when no task is eligible.
	ClaimTask(ctx context.Context, req ClaimRequest) (*Task, error)
	MarkRunning(ctx context.Context, taskID int64, workerID string) error
	ReportResult(ctx context.Context, taskID int64, workerID string, result TaskResult) (*Task, error)
	Cancel(ctx context.Context, taskID int64) error
	ReapStale(ctx context.Context, timeout time.Duration) (int, error)
	GetTaskByID(ctx context.Context, taskID int64) (*Task, error)
	GetTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
	GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*TaskStatusChangeHistory, error)
	Close() error
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ListLimit clamps a caller supplied page size.
func ListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
