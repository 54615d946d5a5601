package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/prismq/taskqueue/db"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/strategy"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"
)

const taskColumns = `id, task_type, parameters, priority, status, retry_count, max_retries, worker_id, last_error, result, created_at, available_at, claimed_at, updated_at`

type Option func(*storage)

// WithClock replaces time.Now as the source of every stored timestamp.
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
	db     *sql.DB
	now    func() time.Time
	policy domain.RetryPolicy
}

// Migrate brings the database behind a sqlite:// migration URI up to date.
func Migrate(migrationUri string) error {
	d, err := iofs.New(db.Migrations, db.SQLiteMigrationsDir)
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

func NewStorage(ctx context.Context, dsn string, maxOpenConns int, opts ...Option) (*storage, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		conn.SetMaxOpenConns(maxOpenConns)
	}

	err = backoff.Retry(func() error {
		if err := conn.PingContext(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping sqlite database.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3), ctx))
	if err != nil {
		_ = conn.Close()
		return nil, classify(err)
	}

	s := &storage{
		db:  conn,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *storage) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *storage) Close() error {
	return s.db.Close()
}

func (s *storage) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	now := s.now()
	task, err := domain.NewTask(req, now)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrInvalidArgument, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tasks (task_type, parameters, priority, status, retry_count, max_retries, created_at, available_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?) RETURNING id`,
			task.TaskType, string(params), task.Priority, string(domain.Queued), task.MaxRetries,
			nanos(now), nanos(now), nanos(now),
		).Scan(&task.ID)
		if err != nil {
			return err
		}

		return insertHistory(ctx, tx, task.ID, "", domain.Queued, "", now)
	})
	if err != nil {
		return nil, classify(err)
	}

	return task, nil
}

// ClaimTask selects and claims in one UPDATE ... RETURNING. The transaction holds SQLite's
// writer lock from BEGIN (_txlock=immediate), and the outer status check keeps the update a
// compare-and-swap even if the connection was opened without it.
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
	args := []any{string(domain.Claimed), req.WorkerID, nanos(now), nanos(now), string(domain.Queued), nanos(now)}
	typeFilter := ""
	if len(req.TaskTypes) > 0 {
		typeFilter = " AND task_type IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(req.TaskTypes)), ", ") + ")"
		for _, taskType := range req.TaskTypes {
			args = append(args, taskType)
		}
	}
	args = append(args, string(domain.Queued))

	query := fmt.Sprintf(`UPDATE tasks SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND available_at <= ?%s
			ORDER BY %s
			LIMIT 1
		) AND status = ?
		RETURNING %s`, typeFilter, orderBy, taskColumns)

	var claimed *domain.Task
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		claimed = task
		return insertHistory(ctx, tx, task.ID, domain.Queued, domain.Claimed, req.WorkerID, now)
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

func (s *storage) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("%w: reap timeout must be positive, got %s", errval.ErrInvalidArgument, timeout)
	}

	now := s.now()
	cutoff := now.Add(-timeout)

	var reaped int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) AND claimed_at < ? ORDER BY id`,
			string(domain.Claimed), string(domain.Running), nanos(cutoff),
		)
		if err != nil {
			return err
		}
		stale, err := scanTasks(rows)
		if err != nil {
			return err
		}

		for _, task := range stale {
			next, err := task.Reap(cutoff, now, s.policy)
			if err != nil {
				return err
			}
			if err := saveTransition(ctx, tx, task, next, task.WorkerID, now); err != nil {
				return err
			}
			slog.WarnContext(ctx, "reaped stale task", "task_id", task.ID, "worker_id", task.WorkerID, "new_status", next.Status)
		}

		reaped = len(stale)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	return reaped, nil
}

func (s *storage) GetTaskByID(ctx context.Context, taskID int64) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %d", errval.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, classify(err)
	}

	return task, nil
}

func (s *storage) GetTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", errval.ErrInvalidArgument, status)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id LIMIT ?`,
		string(status), domain.ListLimit(limit),
	)
	if err != nil {
		return nil, classify(err)
	}

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, classify(err)
	}

	return tasks, nil
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, old_status, new_status, worker_id, created_at FROM tasks_status_change_history WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := []*domain.TaskStatusChangeHistory{}
	for rows.Next() {
		var (
			item      domain.TaskStatusChangeHistory
			oldStatus sql.NullString
			newStatus string
			workerID  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.TaskID, &oldStatus, &newStatus, &workerID, &createdAt); err != nil {
			return nil, classify(err)
		}
		item.OldStatus = domain.TaskStatus(oldStatus.String)
		item.NewStatus = domain.TaskStatus(newStatus)
		item.WorkerID = workerID.String
		item.CreatedAt = fromNanos(createdAt)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if len(items) == 0 {
		if _, err := s.GetTaskByID(ctx, taskID); err != nil {
			return nil, err
		}
	}

	return items, nil
}

// transition loads a task inside a write transaction, applies fn and stores the outcome.
func (s *storage) transition(ctx context.Context, taskID int64, workerID string, fn func(*domain.Task, time.Time) (*domain.Task, error)) (*domain.Task, error) {
	var next *domain.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %d", errval.ErrNotFound, taskID)
		}
		if err != nil {
			return err
		}

		now := s.now()
		next, err = fn(current, now)
		if err != nil {
			return err
		}

		return saveTransition(ctx, tx, current, next, workerID, now)
	})
	if err != nil {
		return nil, classify(err)
	}

	return next, nil
}

func (s *storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil && !errors.Is(err2, sql.ErrTxDone) {
			slog.Error("Error occurred while rolling back transaction", "error", err2.Error())
		}

		return err
	}

	return tx.Commit()
}

// saveTransition writes next over current, guarded by current's status.
func saveTransition(ctx context.Context, tx *sql.Tx, current, next *domain.Task, workerID string, now time.Time) error {
	result, err := encodeResult(next.Result)
	if err != nil {
		return err
	}

	var claimedAt any
	if next.ClaimedAt != nil {
		claimedAt = nanos(*next.ClaimedAt)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, retry_count = ?, worker_id = ?, last_error = ?, result = ?, available_at = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next.Status), next.RetryCount, nullString(next.WorkerID), nullString(next.LastError), result,
		nanos(next.AvailableAt), claimedAt, nanos(next.UpdatedAt),
		current.ID, string(current.Status),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%w: task %d left status %s concurrently", errval.ErrInvalidTransition, current.ID, current.Status)
	}

	return insertHistory(ctx, tx, current.ID, current.Status, next.Status, workerID, now)
}

func insertHistory(ctx context.Context, tx *sql.Tx, taskID int64, oldStatus, newStatus domain.TaskStatus, workerID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks_status_change_history (task_id, old_status, new_status, worker_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, nullString(string(oldStatus)), string(newStatus), nullString(workerID), nanos(now),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task                   domain.Task
		params, status         string
		workerID, lastError    sql.NullString
		result                 sql.NullString
		createdAt, availableAt int64
		updatedAt              int64
		claimedAt              sql.NullInt64
	)

	err := row.Scan(&task.ID, &task.TaskType, &params, &task.Priority, &status, &task.RetryCount, &task.MaxRetries,
		&workerID, &lastError, &result, &createdAt, &availableAt, &claimedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Parameters = map[string]string{}
	if err := json.Unmarshal([]byte(params), &task.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of task %d: %w", task.ID, err)
	}
	if result.Valid {
		var r domain.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of task %d: %w", task.ID, err)
		}
		task.Result = &r
	}
	task.WorkerID = workerID.String
	task.LastError = lastError.String
	task.CreatedAt = fromNanos(createdAt)
	task.AvailableAt = fromNanos(availableAt)
	task.UpdatedAt = fromNanos(updatedAt)
	if claimedAt.Valid {
		t := fromNanos(claimedAt.Int64)
		task.ClaimedAt = &t
	}

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*domain.Task, error) {
	defer rows.Close()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func encodeResult(result *domain.TaskResult) (any, error) {
	if result == nil {
		return nil, nil
	}

	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: result is not serializable: %v", errval.ErrInvalidArgument, err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
