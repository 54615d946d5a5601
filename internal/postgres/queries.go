package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

const taskColumns = `id, task_type, parameters, priority, status, retry_count, max_retries, worker_id, last_error, result, created_at, available_at, claimed_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var i Task
	err := row.Scan(
		&i.ID,
		&i.TaskType,
		&i.Parameters,
		&i.Priority,
		&i.Status,
		&i.RetryCount,
		&i.MaxRetries,
		&i.WorkerID,
		&i.LastError,
		&i.Result,
		&i.CreatedAt,
		&i.AvailableAt,
		&i.ClaimedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func scanTasks(rows pgx.Rows, err error) ([]Task, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Task{}
	for rows.Next() {
		i, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertTask = `INSERT INTO tasks (task_type, parameters, priority, status, max_retries, created_at, available_at, updated_at)
VALUES ($1, $2, $3, 'queued', $4, $5, $5, $5)
RETURNING id`

type InsertTaskParams struct {
	TaskType   string
	Parameters pgtype.JSONB
	Priority   int32
	MaxRetries int32
	Now        time.Time
}

func (q *Queries) InsertTask(ctx context.Context, arg InsertTaskParams) (int64, error) {
	row := q.db.QueryRow(ctx, insertTask,
		arg.TaskType,
		arg.Parameters,
		arg.Priority,
		arg.MaxRetries,
		arg.Now,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

// claimTask is completed with a whitelisted ORDER BY clause. SKIP LOCKED lets concurrent
// claimers pass over a row another transaction is taking, and the outer status check keeps the
// update a compare-and-swap.
const claimTask = `UPDATE tasks
SET status = 'claimed', worker_id = $2, claimed_at = $1, updated_at = $1
WHERE id = (
    SELECT id FROM tasks
    WHERE status = 'queued'
      AND available_at <= $1
      AND (cardinality($3::text[]) = 0 OR task_type = ANY($3::text[]))
    ORDER BY %s
    LIMIT 1
    FOR UPDATE SKIP LOCKED
) AND status = 'queued'
RETURNING ` + taskColumns

type ClaimTaskParams struct {
	Now       time.Time
	WorkerID  string
	TaskTypes []string
	OrderBy   string
}

func (q *Queries) ClaimTask(ctx context.Context, arg ClaimTaskParams) (Task, error) {
	taskTypes := arg.TaskTypes
	if taskTypes == nil {
		taskTypes = []string{}
	}

	row := q.db.QueryRow(ctx, fmt.Sprintf(claimTask, arg.OrderBy), arg.Now, arg.WorkerID, taskTypes)
	return scanTask(row)
}

const getTaskByID = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

func (q *Queries) GetTaskByID(ctx context.Context, id int64) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByID, id))
}

const getTaskByIDForUpdate = getTaskByID + ` FOR UPDATE`

func (q *Queries) GetTaskByIDForUpdate(ctx context.Context, id int64) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByIDForUpdate, id))
}

const getLimitedTasksByStatus = `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY id LIMIT $2`

type GetLimitedTasksByStatusParams struct {
	Status string
	Limit  int32
}

func (q *Queries) GetLimitedTasksByStatus(ctx context.Context, arg GetLimitedTasksByStatusParams) ([]Task, error) {
	return scanTasks(q.db.Query(ctx, getLimitedTasksByStatus, arg.Status, arg.Limit))
}

const getStaleTasksForUpdate = `SELECT ` + taskColumns + ` FROM tasks
WHERE status IN ('claimed', 'running') AND claimed_at < $1
ORDER BY id
FOR UPDATE SKIP LOCKED`

func (q *Queries) GetStaleTasksForUpdate(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return scanTasks(q.db.Query(ctx, getStaleTasksForUpdate, cutoff))
}

const updateTaskState = `UPDATE tasks
SET status = $3, retry_count = $4, worker_id = $5, last_error = $6, result = $7, available_at = $8, claimed_at = $9, updated_at = $10
WHERE id = $1 AND status = $2`

type UpdateTaskStateParams struct {
	ID          int64
	OldStatus   string
	Status      string
	RetryCount  int32
	WorkerID    pgtype.Varchar
	LastError   pgtype.Text
	Result      pgtype.JSONB
	AvailableAt time.Time
	ClaimedAt   pgtype.Timestamptz
	UpdatedAt   time.Time
}

func (q *Queries) UpdateTaskState(ctx context.Context, arg UpdateTaskStateParams) (int64, error) {
	result, err := q.db.Exec(ctx, updateTaskState,
		arg.ID,
		arg.OldStatus,
		arg.Status,
		arg.RetryCount,
		arg.WorkerID,
		arg.LastError,
		arg.Result,
		arg.AvailableAt,
		arg.ClaimedAt,
		arg.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const insertTaskStatusChangeHistory = `INSERT INTO tasks_status_change_history (task_id, old_status, new_status, worker_id, created_at)
VALUES ($1, $2, $3, $4, $5)`

type InsertTaskStatusChangeHistoryParams struct {
	TaskID    int64
	OldStatus pgtype.Varchar
	NewStatus string
	WorkerID  pgtype.Varchar
	CreatedAt time.Time
}

func (q *Queries) InsertTaskStatusChangeHistory(ctx context.Context, arg InsertTaskStatusChangeHistoryParams) error {
	_, err := q.db.Exec(ctx, insertTaskStatusChangeHistory,
		arg.TaskID,
		arg.OldStatus,
		arg.NewStatus,
		arg.WorkerID,
		arg.CreatedAt,
	)
	return err
}

const getTaskStatusChangeHistory = `SELECT id, task_id, old_status, new_status, worker_id, created_at
FROM tasks_status_change_history WHERE task_id = $1 ORDER BY id`

func (q *Queries) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]TasksStatusChangeHistory, error) {
	rows, err := q.db.Query(ctx, getTaskStatusChangeHistory, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []TasksStatusChangeHistory{}
	for rows.Next() {
		var i TasksStatusChangeHistory
		if err := rows.Scan(
			&i.ID,
			&i.TaskID,
			&i.OldStatus,
			&i.NewStatus,
			&i.WorkerID,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
