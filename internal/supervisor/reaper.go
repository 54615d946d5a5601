package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/metrics"
)

const lockKey = "lock:reaper"

// Reaper periodically returns tasks whose worker stopped reporting to the queue.
type Reaper struct {
	store    domain.Storage
	lock     domain.DistributedLock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
}

type Option func(*Reaper)

// WithLock makes only one reaper of a deployment sweep per interval. Reaping stays correct
// without it.
func WithLock(lock domain.DistributedLock) Option {
	return func(r *Reaper) {
		r.lock = lock
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) {
		r.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		r.logger = logger
	}
}

func NewReaper(store domain.Storage, timeout, interval time.Duration, opts ...Option) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: reaper needs a task store", errval.ErrInvalidArgument)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: reap timeout must be positive, got %s", errval.ErrInvalidArgument, timeout)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: reap interval must be positive, got %s", errval.ErrInvalidArgument, interval)
	}

	r := &Reaper{
		store:    store,
		logger:   slog.Default(),
		timeout:  timeout,
		interval: interval,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// RunOnce performs a single sweep and returns how many tasks it reaped. When another reaper
// holds the lock it returns 0 without touching the store. The lock is left to expire shortly
// before the next interval so that the deployment sweeps about once per interval.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if r.lock != nil {
		locked, err := r.lock.Lock(ctx, lockKey, r.lockTTL())
		if err != nil {
			return 0, fmt.Errorf("take reaper lock: %w", err)
		}
		if !locked {
			r.logger.Debug("another reaper holds the lock, skipping sweep")
			return 0, nil
		}
	}

	n, err := r.store.ReapStale(ctx, r.timeout)
	if err != nil {
		r.metrics.StorageError("reap_stale")
		return 0, fmt.Errorf("reap stale tasks: %w", err)
	}
	r.metrics.TasksReaped(n)
	if n > 0 {
		r.logger.Info("stale tasks reaped", "count", n, "timeout", r.timeout)
	}

	return n, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled. Failed sweeps are
// logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "timeout", r.timeout, "interval", r.interval)
	defer r.logger.Info("reaper stopped")
	if r.lock != nil {
		// hand over to another reaper right away
		defer func() {
			if err := r.lock.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
				r.logger.Warn("failed to release reaper lock", "error", err)
			}
		}()
	}

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reaper) lockTTL() time.Duration {
	return r.interval * 9 / 10
}
