package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/strategy"
)

type TaskStatus string

const (
	Queued    TaskStatus = "queued"
	Claimed   TaskStatus = "claimed"
	Running   TaskStatus = "running"
	Completed TaskStatus = "completed"
	Failed    TaskStatus = "failed"
	Cancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case Queued, Claimed, Running, Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of schedulable work. Parameters are interpreted only by the handler
// registered for TaskType.
type Task struct {
	ID          int64             `json:"id"`
	TaskType    string            `json:"task_type"`
	Parameters  map[string]string `json:"parameters"`
	Priority    int               `json:"priority"`
	Status      TaskStatus        `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	WorkerID    string            `json:"worker_id,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Result      *TaskResult       `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	AvailableAt time.Time         `json:"available_at"`
	ClaimedAt   *time.Time        `json:"claimed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SortValues exposes the fields claiming strategies order by.
func (t *Task) SortValues() strategy.Values {
	return strategy.Values{
		ID:         t.ID,
		Priority:   t.Priority,
		CreatedAt:  t.CreatedAt,
		RetryCount: t.RetryCount,
	}
}

// SortTasks orders tasks the way s offers them to claimers.
func SortTasks(s strategy.Strategy, tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return strategy.Compare(s, tasks[i].SortValues(), tasks[j].SortValues()) < 0
	})
}

// TaskResult is the outcome of one execution attempt.
type TaskResult struct {
	Success        bool               `json:"success"`
	Data           any                `json:"data,omitempty"`
	Error          string             `json:"error,omitempty"`
	ItemsProcessed int                `json:"items_processed"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Failure builds a failed result carrying err's message.
func Failure(err error) TaskResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return TaskResult{Success: false, Error: msg}
}

// Validate reports whether the result can be stored: items_processed must not be negative and
// both metrics and data must be representable as JSON.
func (r TaskResult) Validate() error {
	if r.ItemsProcessed < 0 {
		return fmt.Errorf("%w: items_processed must be >= 0, got %d", errval.ErrInvalidArgument, r.ItemsProcessed)
	}
	for name, v := range r.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: metric %q is not a finite number", errval.ErrInvalidArgument, name)
		}
	}
	if _, err := json.Marshal(r); err != nil {
		return fmt.Errorf("%w: result is not JSON encodable: %w", errval.ErrInvalidArgument, err)
	}

	return nil
}

type EnqueueRequest struct {
	TaskType   string
	Parameters map[string]string
	Priority   int
	MaxRetries int
}

type ClaimRequest struct {
	Strategy strategy.Strategy
	WorkerID string
	// TaskTypes restricts the claim to these types; empty means any type.
	TaskTypes []string
}
