package domain

import "context"

// Queue carries wake-up notifications for idle workers. Notifications are hints: a worker that
// misses one still finds the task on its next poll, and tasks are always claimed from Storage.
type Queue interface {
	IsHealthy() bool
	// Notify tells one idle worker of taskType that taskID may be claimable.
	Notify(ctx context.Context, taskType string, taskID int64) error
	// Subscribe calls wake for every notification about taskType until ctx is done.
	Subscribe(ctx context.Context, consumerName, taskType string, wake func(taskID int64)) error
	Close() error
}
