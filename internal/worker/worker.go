package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/metrics"
	"github.com/prismq/taskqueue/internal/strategy"
)

const (
	defaultPollInterval   = time.Second
	defaultStorageBackoff = time.Minute
	reportTimeout         = 30 * time.Second
)

// Dependencies are shared by every worker of a process.
type Dependencies struct {
	Config configs.WorkerConfig
	Store  domain.Storage
	// Queue is optional; without it idle workers only poll.
	Queue domain.Queue
	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Option func(*Worker)

func WithStrategy(s strategy.Strategy) Option {
	return func(w *Worker) {
		w.strategy = s
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithTaskTimeout bounds each handler call. Zero means no deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.taskTimeout = d
	}
}

// WithStorageBackoff sets how long Run keeps retrying an unavailable store before it gives up.
func WithStorageBackoff(d time.Duration) Option {
	return func(w *Worker) {
		w.storageBackoff = d
	}
}

// Worker drives the claim, execute, report loop for one task type. It never holds more than
// one task at a time.
type Worker struct {
	id       string
	taskType string
	handler  Handler
	strategy strategy.Strategy

	store   domain.Storage
	queue   domain.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger

	pollInterval   time.Duration
	taskTimeout    time.Duration
	storageBackoff time.Duration

	inFlight sync.Mutex
	state    atomic.Int32
	wake     chan struct{}
}

func New(workerID, taskType string, handler Handler, deps Dependencies, opts ...Option) (*Worker, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is empty", errval.ErrInvalidArgument)
	}
	if taskType == "" {
		return nil, fmt.Errorf("%w: task type is empty", errval.ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler for %s is nil", errval.ErrInvalidArgument, taskType)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: worker needs a task store", errval.ErrInvalidArgument)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		id:             workerID,
		taskType:       taskType,
		handler:        handler,
		strategy:       strategy.FIFO,
		store:          deps.Store,
		queue:          deps.Queue,
		metrics:        deps.Metrics,
		logger:         logger.With("worker_id", workerID, "task_type", taskType),
		pollInterval:   defaultPollInterval,
		storageBackoff: defaultStorageBackoff,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}

	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) TaskType() string {
	return w.taskType
}

func (w *Worker) Strategy() strategy.Strategy {
	return w.strategy
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// RunOnce claims at most one task, executes it and reports the outcome. It returns nil, nil
// when nothing was claimable. Handler failures are part of the returned result; only task
// store errors are returned as errors.
func (w *Worker) RunOnce(ctx context.Context) (*domain.TaskResult, error) {
	w.inFlight.Lock()
	defer w.inFlight.Unlock()
	defer w.setState(Idle)

	w.setState(Claiming)
	claimStart := time.Now()
	task, err := w.store.ClaimTask(ctx, domain.ClaimRequest{
		Strategy:  w.strategy,
		WorkerID:  w.id,
		TaskTypes: []string{w.taskType},
	})
	if err != nil {
		w.metrics.StorageError("claim")
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return nil, nil
	}
	w.metrics.TaskClaimed(task.TaskType, w.strategy.Name(), time.Since(claimStart))

	logger := w.logger.With("task_id", task.ID)
	if err := w.store.MarkRunning(ctx, task.ID, w.id); err != nil {
		if !errors.Is(err, errval.ErrInvalidTransition) {
			w.metrics.StorageError("mark_running")
		}
		return nil, fmt.Errorf("mark task %d running: %w", task.ID, err)
	}

	w.setState(Executing)
	w.metrics.WorkerBusy(w.id, true)
	execStart := time.Now()
	result := w.execute(ctx, logger, task)
	took := time.Since(execStart)
	w.metrics.WorkerBusy(w.id, false)

	// The outcome is reported even when ctx was cancelled during execution, otherwise the task
	// would stay running until it is reaped.
	w.setState(Reporting)
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	updated, err := w.store.ReportResult(reportCtx, task.ID, w.id, result)
	if err != nil {
		if !errors.Is(err, errval.ErrInvalidTransition) {
			w.metrics.StorageError("report_result")
		}
		return &result, fmt.Errorf("report result of task %d: %w", task.ID, err)
	}
	w.metrics.TaskFinished(task.TaskType, string(updated.Status), took)

	switch updated.Status {
	case domain.Completed:
		logger.Info("task completed", "items_processed", result.ItemsProcessed, "duration", took)
	case domain.Queued:
		w.metrics.TaskRetried(task.TaskType)
		logger.Warn("task failed, re-queued", "error", result.Error, "retry_count", updated.RetryCount, "max_retries", updated.MaxRetries)
		w.notify(reportCtx, updated)
	case domain.Failed:
		logger.Error("task failed permanently", "error", result.Error, "retry_count", updated.RetryCount)
	}

	return &result, nil
}

func (w *Worker) execute(ctx context.Context, logger *slog.Logger, task *domain.Task) (result domain.TaskResult) {
	if w.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task handler panicked", "panic", r, "stack", string(debug.Stack()))
			result = domain.Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()

	result, err := w.handler.Execute(ctx, maps.Clone(task.Parameters))
	if err != nil {
		return domain.Failure(err)
	}
	if !result.Success && result.Error == "" {
		result.Error = "unknown error"
	}
	if err := result.Validate(); err != nil {
		logger.Error("task handler returned an unusable result", "error", err)
		return domain.Failure(fmt.Errorf("invalid handler result: %w", err))
	}

	return result
}

func (w *Worker) notify(ctx context.Context, task *domain.Task) {
	if w.queue == nil {
		return
	}

	if err := w.queue.Notify(ctx, task.TaskType, task.ID); err != nil {
		w.logger.Warn("failed to publish task notification", "task_id", task.ID, "error", err)
	}
}

// Run calls RunOnce until ctx is cancelled. Idle workers sleep for the poll interval or until
// a queue notification arrives. An unavailable task store is retried with exponential backoff;
// Run returns the error once the backoff gives up. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w.queue != nil {
		err := w.queue.Subscribe(ctx, w.id, w.taskType, func(int64) {
			w.Wake()
		})
		if err != nil {
			w.logger.Warn("task notifications unavailable, polling only", "error", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(b.InitialInterval, w.pollInterval)
	b.MaxElapsedTime = w.storageBackoff
	b.Reset()

	w.logger.Info("worker started", "strategy", w.strategy.Name(), "poll_interval", w.pollInterval)
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := w.RunOnce(ctx)
		switch {
		case err == nil && result == nil:
			b.Reset()
			w.sleep(ctx, w.pollInterval, true)
		case err == nil:
			b.Reset()
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errval.ErrInvalidTransition), errors.Is(err, errval.ErrNotFound):
			// cancelled or reaped while we held it
			w.logger.Warn("task was taken away from worker", "error", err)
		default:
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("worker %s giving up after %s: %w", w.id, w.storageBackoff, err)
			}
			w.logger.Error("task store call failed, backing off", "error", err, "retry_in", wait)
			w.sleep(ctx, wait, false)
		}
	}
}

// Wake interrupts an idle poll sleep.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake chan struct{}
	if wakeable {
		wake = w.wake
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}
