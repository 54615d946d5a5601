package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/metrics"
	"github.com/prismq/taskqueue/internal/strategy"
)

const defaultMaxRetries = 3

type Option func(*ServerLogic)

// WithQueue publishes a wake-up notification for every enqueued task.
func WithQueue(queue domain.Queue) Option {
	return func(s *ServerLogic) {
		s.queue = queue
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ServerLogic) {
		s.metrics = m
	}
}

// WithStrategies resolves claim strategy names through r instead of the built-in strategies.
func WithStrategies(r *strategy.Registry) Option {
	return func(s *ServerLogic) {
		s.strategies = r
	}
}

// WithDefaultMaxRetries is used for tasks enqueued without max_retries.
func WithDefaultMaxRetries(n int) Option {
	return func(s *ServerLogic) {
		s.defaultMaxRetries = n
	}
}

// WithTaskTypes restricts enqueueing to the given task types. Without it any type is accepted.
func WithTaskTypes(taskTypes ...string) Option {
	return func(s *ServerLogic) {
		s.taskTypes = slices.Clone(taskTypes)
		slices.Sort(s.taskTypes)
	}
}

type ServerLogic struct {
	storage           domain.Storage
	queue             domain.Queue
	metrics           *metrics.Metrics
	strategies        *strategy.Registry
	defaultMaxRetries int
	taskTypes         []string
	ready             atomic.Bool
}

func NewServerLogic(storage domain.Storage, opts ...Option) *ServerLogic {
	s := &ServerLogic{
		storage:           storage,
		strategies:        strategy.NewRegistry(),
		defaultMaxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MarkReady flips the readiness probe once every dependency is initialized.
func (s *ServerLogic) MarkReady() {
	s.ready.Store(true)
}

func (s *ServerLogic) IsReady() bool {
	return s.ready.Load()
}

// Healthy pings the task store and, when configured, checks the notification queue.
func (s *ServerLogic) Healthy(ctx context.Context) error {
	if err := s.storage.Ping(ctx); err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	if s.queue != nil && !s.queue.IsHealthy() {
		return fmt.Errorf("%w: notification queue is not healthy", errval.ErrStorageUnavailable)
	}

	return nil
}

func (s *ServerLogic) AddTask(ctx context.Context, req domain.RouterRequestAddTask) (*domain.Task, error) {
	if len(s.taskTypes) > 0 {
		if _, found := slices.BinarySearch(s.taskTypes, req.TaskType); !found {
			return nil, fmt.Errorf("%w: %q is not served by any worker", errval.ErrUnknownTaskType, req.TaskType)
		}
	}

	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	task, err := s.storage.Enqueue(ctx, domain.EnqueueRequest{
		TaskType:   req.TaskType,
		Parameters: req.Parameters,
		Priority:   req.Priority,
		MaxRetries: maxRetries,
	})
	if err != nil {
		s.logStorageError(ctx, "enqueue", err)
		return nil, err
	}
	s.metrics.TaskEnqueued(task.TaskType)

	if s.queue != nil {
		// workers fall back to polling, so a lost notification only delays the task
		if err := s.queue.Notify(ctx, task.TaskType, task.ID); err != nil {
			slog.WarnContext(ctx, "failed to publish task notification", "task_id", task.ID, "error", err)
		}
	}

	return task, nil
}

func (s *ServerLogic) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	task, err := s.storage.GetTaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.InfoContext(ctx, "task not found with the given id", "task_id", taskID)
			return nil, err
		}

		s.logStorageError(ctx, "get_task", err)
		return nil, err
	}

	return task, nil
}

func (s *ServerLogic) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	tasks, err := s.storage.GetTasksByStatus(ctx, status, limit)
	if err != nil {
		s.logStorageError(ctx, "list_tasks", err)
		return nil, err
	}

	return tasks, nil
}

func (s *ServerLogic) GetTaskStatusHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	history, err := s.storage.GetTaskStatusChangeHistory(ctx, taskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.InfoContext(ctx, "history not found for the given task id", "task_id", taskID)
			return nil, err
		}

		s.logStorageError(ctx, "get_history", err)
		return nil, err
	}

	return history, nil
}

func (s *ServerLogic) CancelTask(ctx context.Context, taskID int64) error {
	if err := s.storage.Cancel(ctx, taskID); err != nil {
		s.logStorageError(ctx, "cancel", err)
		return err
	}

	slog.InfoContext(ctx, "task cancelled", "task_id", taskID)
	return nil
}

// ClaimTask returns nil, nil when nothing is claimable.
func (s *ServerLogic) ClaimTask(ctx context.Context, req domain.RouterRequestClaimTask) (*domain.Task, error) {
	name := req.Strategy
	if name == "" {
		name = strategy.FIFO.Name()
	}
	st, err := s.strategies.Lookup(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	task, err := s.storage.ClaimTask(ctx, domain.ClaimRequest{
		Strategy:  st,
		WorkerID:  req.WorkerID,
		TaskTypes: req.TaskTypes,
	})
	if err != nil {
		s.logStorageError(ctx, "claim", err)
		return nil, err
	}
	if task != nil {
		s.metrics.TaskClaimed(task.TaskType, st.Name(), time.Since(start))
	}

	return task, nil
}

func (s *ServerLogic) MarkRunning(ctx context.Context, taskID int64, req domain.RouterRequestMarkRunning) error {
	if err := s.storage.MarkRunning(ctx, taskID, req.WorkerID); err != nil {
		s.logStorageError(ctx, "mark_running", err)
		return err
	}

	return nil
}

func (s *ServerLogic) ReportResult(ctx context.Context, taskID int64, req domain.RouterRequestReportResult) (*domain.Task, error) {
	task, err := s.storage.ReportResult(ctx, taskID, req.WorkerID, domain.TaskResult{
		Success:        req.Success,
		Data:           req.Data,
		Error:          req.Error,
		ItemsProcessed: req.ItemsProcessed,
		Metrics:        req.Metrics,
	})
	if err != nil {
		s.logStorageError(ctx, "report_result", err)
		return nil, err
	}

	if task.Status == domain.Queued {
		s.metrics.TaskRetried(task.TaskType)
		if s.queue != nil {
			if err := s.queue.Notify(ctx, task.TaskType, task.ID); err != nil {
				slog.WarnContext(ctx, "failed to publish task notification", "task_id", task.ID, "error", err)
			}
		}
	}

	return task, nil
}

func (s *ServerLogic) ReapStale(ctx context.Context, req domain.RouterRequestReap) (int, error) {
	n, err := s.storage.ReapStale(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
	if err != nil {
		s.logStorageError(ctx, "reap_stale", err)
		return 0, err
	}
	s.metrics.TasksReaped(n)

	return n, nil
}

// logStorageError logs failures the caller cannot fix. Client side errors are only returned.
func (s *ServerLogic) logStorageError(ctx context.Context, operation string, err error) {
	switch {
	case errors.Is(err, errval.ErrNotFound), errors.Is(err, errval.ErrInvalidArgument),
		errors.Is(err, errval.ErrInvalidTransition):
		return
	case errors.Is(err, errval.ErrStorageUnavailable):
		s.metrics.StorageError(operation)
	}

	slog.ErrorContext(ctx, "error occurred while calling storage", "operation", operation, "error", err)
}
