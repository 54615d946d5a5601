package postgres

import (
	"github.com/jackc/pgtype"
)

type Task struct {
	ID          int64
	TaskType    string
	Parameters  pgtype.JSONB
	Priority    int32
	Status      string
	RetryCount  int32
	MaxRetries  int32
	WorkerID    pgtype.Varchar
	LastError   pgtype.Text
	Result      pgtype.JSONB
	CreatedAt   pgtype.Timestamptz
	AvailableAt pgtype.Timestamptz
	ClaimedAt   pgtype.Timestamptz
	UpdatedAt   pgtype.Timestamptz
}

type TasksStatusChangeHistory struct {
	ID        int64
	TaskID    int64
	OldStatus pgtype.Varchar
	NewStatus string
	WorkerID  pgtype.Varchar
	CreatedAt pgtype.Timestamptz
}
