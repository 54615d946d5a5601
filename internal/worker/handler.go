package worker

import (
	"context"

	"github.com/prismq/taskqueue/internal/domain"
)

// Handler runs the business logic of one task type. A returned error, or a panic, is recorded
// as a failed attempt and goes through the retry policy.
type Handler interface {
	Execute(ctx context.Context, params map[string]string) (domain.TaskResult, error)
}

type HandlerFunc func(ctx context.Context, params map[string]string) (domain.TaskResult, error)

func (f HandlerFunc) Execute(ctx context.Context, params map[string]string) (domain.TaskResult, error) {
	return f(ctx, params)
}
