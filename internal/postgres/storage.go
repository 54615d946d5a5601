package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prismq/taskqueue/db"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/strategy"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

type Option func(*storage)

func WithClock(now func() time.Time) Option {
	return func(s *storage) {
		s.now = now
	}
}

func WithRetryPolicy(policy domain.RetryPolicy) Option {
	return func(s *storage) {
		s.policy = policy
	}
}

type storage struct {
	queries *Queries
	pool    *pgxpool.Pool
	now     func() time.Time
	policy  domain.RetryPolicy
}

// Migrate brings the database behind a pgx5:// migration URI up to date.
func Migrate(migrationUri string) error {
	d, err := iofs.New(db.Migrations, db.PostgresMigrationsDir)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, migrationUri)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func NewStorage(ctx context.Context, dsn string, opts ...Option) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			pool.Close()
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx))

	if err != nil {
		return nil, classify(err)
	}

	s := &storage{
		queries: New(pool),
		pool:    pool,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return classify(s.pool.Ping(ctx))
}

func (s *storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *storage) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	now := s.now()
	task, err := domain.NewTask(req, now)
	if err != nil {
		return nil, err
	}

	params, err := toJSONB(task.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrInvalidArgument, err)
	}

	err = s.inTx(ctx, func(qtx *Queries) error {
		id, err := qtx.InsertTask(ctx, InsertTaskParams{
			TaskType:   task.TaskType,
			Parameters: params,
			Priority:   int32(task.Priority),
			MaxRetries: int32(task.MaxRetries),
			Now:        now,
		})
		if err != nil {
			return err
		}

		task.ID = id
		return qtx.InsertTaskStatusChangeHistory(ctx, historyParams(task.ID, "", domain.Queued, "", now))
	})
	if err != nil {
		return nil, classify(err)
	}

	return task, nil
}

func (s *storage) ClaimTask(ctx context.Context, req domain.ClaimRequest) (*domain.Task, error) {
	if req.Strategy == nil {
		return nil, fmt.Errorf("%w: claim without strategy", errval.ErrInvalidArgument)
	}
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: claim without worker id", errval.ErrInvalidArgument)
	}
	orderBy, err := strategy.OrderBy(req.Strategy)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var claimed *domain.Task
	err = s.inTx(ctx, func(qtx *Queries) error {
		row, err := qtx.ClaimTask(ctx, ClaimTaskParams{
			Now:       now,
			WorkerID:  req.WorkerID,
			TaskTypes: req.TaskTypes,
			OrderBy:   orderBy,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		claimed, err = convertTask(row)
		if err != nil {
			return err
		}

		return qtx.InsertTaskStatusChangeHistory(ctx, historyParams(claimed.ID, domain.Queued, domain.Claimed, req.WorkerID, now))
	})
	if err != nil {
		return nil, classify(err)
	}

	return claimed, nil
}

func (s *storage) MarkRunning(ctx context.Context, taskID int64, workerID string) error {
	_, err := s.transition(ctx, taskID, workerID, func(task *domain.Task, now time.Time) (*domain.Task, error) {
		return task.MarkRunning(workerID, now)
	})
	return err
}

func (s *storage) ReportResult(ctx context.Context, taskID int64, workerID string, result domain.TaskResult) (*domain.Task, error) {
	return s.transition(ctx, taskID, workerID, func(task *domain.Task, now time.Time) (*domain.Task, error) {
		return task.ApplyResult(workerID, result, now, s.policy)
	})
}

func (s *storage) Cancel(ctx context.Context, taskID int64) error {
	_, err := s.transition(ctx, taskID, "", func(task *domain.Task, now time.Time) (*domain.Task, error) {
		return task.Cancel(now)
	})
	return err
}

// ReapStale locks the stale rows with SKIP LOCKED, so concurrent reapers split the work and
// every task is reaped once.
func (s *storage) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("%w: reap timeout must be positive, got %s", errval.ErrInvalidArgument, timeout)
	}

	now := s.now()
	cutoff := now.Add(-timeout)

	var reaped int
	err := s.inTx(ctx, func(qtx *Queries) error {
		rows, err := qtx.GetStaleTasksForUpdate(ctx, cutoff)
		if err != nil {
			return err
		}

		for _, row := range rows {
			task, err := convertTask(row)
			if err != nil {
				return err
			}
			next, err := task.Reap(cutoff, now, s.policy)
			if err != nil {
				return err
			}
			if err := saveTransition(ctx, qtx, task, next, task.WorkerID, now); err != nil {
				return err
			}
			slog.WarnContext(ctx, "reaped stale task", "task_id", task.ID, "worker_id", task.WorkerID, "new_status", next.Status)
		}

		reaped = len(rows)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	return reaped, nil
}

func (s *storage) GetTaskByID(ctx context.Context, taskID int64) (*domain.Task, error) {
	row, err := s.queries.GetTaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %d", errval.ErrNotFound, taskID)
		}

		return nil, classify(err)
	}

	return convertTask(row)
}

func (s *storage) GetTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", errval.ErrInvalidArgument, status)
	}

	rows, err := s.queries.GetLimitedTasksByStatus(ctx, GetLimitedTasksByStatusParams{
		Status: string(status),
		Limit:  int32(domain.ListLimit(limit)),
	})
	if err != nil {
		return nil, classify(err)
	}

	return convertTasks(rows)
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	rows, err := s.queries.GetTaskStatusChangeHistory(ctx, taskID)
	if err != nil {
		return nil, classify(err)
	}

	if len(rows) == 0 {
		if _, err := s.GetTaskByID(ctx, taskID); err != nil {
			return nil, err
		}
	}

	return convertTaskStatusChangeHistories(rows), nil
}

func (s *storage) transition(ctx context.Context, taskID int64, workerID string, fn func(*domain.Task, time.Time) (*domain.Task, error)) (*domain.Task, error) {
	var next *domain.Task
	err := s.inTx(ctx, func(qtx *Queries) error {
		row, err := qtx.GetTaskByIDForUpdate(ctx, taskID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: task %d", errval.ErrNotFound, taskID)
		}
		if err != nil {
			return err
		}

		current, err := convertTask(row)
		if err != nil {
			return err
		}

		now := s.now()
		next, err = fn(current, now)
		if err != nil {
			return err
		}

		return saveTransition(ctx, qtx, current, next, workerID, now)
	})
	if err != nil {
		return nil, classify(err)
	}

	return next, nil
}

func (s *storage) inTx(ctx context.Context, fn func(qtx *Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(s.queries.WithTx(tx)); err != nil {
		err2 := tx.Rollback(ctx)
		if err2 != nil && !errors.Is(err2, pgx.ErrTxClosed) {
			slog.Error("Error occurred while rolling back transaction", "error", err2.Error())
		}

		return err
	}

	return tx.Commit(ctx)
}

func saveTransition(ctx context.Context, qtx *Queries, current, next *domain.Task, workerID string, now time.Time) error {
	result := pgtype.JSONB{Status: pgtype.Null}
	if next.Result != nil {
		var err error
		if result, err = toJSONB(next.Result); err != nil {
			return fmt.Errorf("%w: result is not serializable: %v", errval.ErrInvalidArgument, err)
		}
	}

	claimedAt := pgtype.Timestamptz{Status: pgtype.Null}
	if next.ClaimedAt != nil {
		claimedAt = pgtype.Timestamptz{Time: *next.ClaimedAt, Status: pgtype.Present}
	}

	affected, err := qtx.UpdateTaskState(ctx, UpdateTaskStateParams{
		ID:          current.ID,
		OldStatus:   string(current.Status),
		Status:      string(next.Status),
		RetryCount:  int32(next.RetryCount),
		WorkerID:    varchar(next.WorkerID),
		LastError:   text(next.LastError),
		Result:      result,
		AvailableAt: next.AvailableAt,
		ClaimedAt:   claimedAt,
		UpdatedAt:   next.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%w: task %d left status %s concurrently", errval.ErrInvalidTransition, current.ID, current.Status)
	}

	return qtx.InsertTaskStatusChangeHistory(ctx, historyParams(current.ID, current.Status, next.Status, workerID, now))
}

func historyParams(taskID int64, oldStatus, newStatus domain.TaskStatus, workerID string, now time.Time) InsertTaskStatusChangeHistoryParams {
	return InsertTaskStatusChangeHistoryParams{
		TaskID:    taskID,
		OldStatus: varchar(string(oldStatus)),
		NewStatus: string(newStatus),
		WorkerID:  varchar(workerID),
		CreatedAt: now,
	}
}

func toJSONB(v any) (pgtype.JSONB, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return pgtype.JSONB{}, err
	}
	return pgtype.JSONB{Bytes: b, Status: pgtype.Present}, nil
}

func varchar(s string) pgtype.Varchar {
	if s == "" {
		return pgtype.Varchar{Status: pgtype.Null}
	}
	return pgtype.Varchar{String: s, Status: pgtype.Present}
}

func text(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: s, Status: pgtype.Present}
}

func convertTask(task Task) (*domain.Task, error) {
	castedItem := &domain.Task{
		ID:          task.ID,
		TaskType:    task.TaskType,
		Parameters:  map[string]string{},
		Priority:    int(task.Priority),
		Status:      domain.TaskStatus(task.Status),
		RetryCount:  int(task.RetryCount),
		MaxRetries:  int(task.MaxRetries),
		WorkerID:    task.WorkerID.String,
		LastError:   task.LastError.String,
		CreatedAt:   task.CreatedAt.Time.UTC(),
		AvailableAt: task.AvailableAt.Time.UTC(),
		UpdatedAt:   task.UpdatedAt.Time.UTC(),
	}

	if task.Parameters.Status == pgtype.Present {
		if err := json.Unmarshal(task.Parameters.Bytes, &castedItem.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of task %d: %w", task.ID, err)
		}
	}
	if task.Result.Status == pgtype.Present {
		var result domain.TaskResult
		if err := json.Unmarshal(task.Result.Bytes, &result); err != nil {
			return nil, fmt.Errorf("decode result of task %d: %w", task.ID, err)
		}
		castedItem.Result = &result
	}
	if task.ClaimedAt.Status == pgtype.Present {
		claimedAt := task.ClaimedAt.Time.UTC()
		castedItem.ClaimedAt = &claimedAt
	}

	return castedItem, nil
}

func convertTasks(tasks []Task) ([]*domain.Task, error) {
	castedTasks := []*domain.Task{}
	for _, item := range tasks {
		castedTask, err := convertTask(item)
		if err != nil {
			return nil, err
		}
		castedTasks = append(castedTasks, castedTask)
	}

	return castedTasks, nil
}

func convertTaskStatusChangeHistory(item TasksStatusChangeHistory) *domain.TaskStatusChangeHistory {
	castedItem := &domain.TaskStatusChangeHistory{
		ID:        item.ID,
		TaskID:    item.TaskID,
		OldStatus: domain.TaskStatus(item.OldStatus.String),
		NewStatus: domain.TaskStatus(item.NewStatus),
		WorkerID:  item.WorkerID.String,
		CreatedAt: item.CreatedAt.Time.UTC(),
	}

	return castedItem
}

func convertTaskStatusChangeHistories(items []TasksStatusChangeHistory) []*domain.TaskStatusChangeHistory {
	castedItems := []*domain.TaskStatusChangeHistory{}
	for _, item := range items {
		castedItem := convertTaskStatusChangeHistory(item)
		castedItems = append(castedItems, castedItem)
	}

	return castedItems
}
