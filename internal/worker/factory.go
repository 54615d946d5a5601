package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/strategy"
)

// Constructor builds the handler of a task type from the shared dependencies.
type Constructor func(deps Dependencies) (Handler, error)

type UnknownTaskTypeError struct {
	TaskType   string
	Registered []string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unknown task type %q, registered task types are: %s", e.TaskType, strings.Join(e.Registered, ", "))
}

func (e *UnknownTaskTypeError) Is(target error) bool {
	return target == errval.ErrUnknownTaskType
}

// Factory maps task types to handler constructors and builds workers bound to one of them.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	strategies   *strategy.Registry
}

// NewFactory creates an empty factory resolving strategy names through strategies, or through
// the built-in strategies when it is nil.
func NewFactory(strategies *strategy.Registry) *Factory {
	if strategies == nil {
		strategies = strategy.NewRegistry()
	}

	return &Factory{
		constructors: map[string]Constructor{},
		strategies:   strategies,
	}
}

// Register adds or replaces the constructor of taskType.
func (f *Factory) Register(taskType string, c Constructor) error {
	if taskType == "" {
		return fmt.Errorf("%w: task type is empty", errval.ErrInvalidArgument)
	}
	if c == nil {
		return fmt.Errorf("%w: constructor for %s is nil", errval.ErrInvalidArgument, taskType)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[taskType] = c
	return nil
}

// RegisterHandler registers a handler that needs no dependencies.
func (f *Factory) RegisterHandler(taskType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: handler for %s is nil", errval.ErrInvalidArgument, taskType)
	}

	return f.Register(taskType, func(Dependencies) (Handler, error) {
		return h, nil
	})
}

func (f *Factory) TaskTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.constructors))
	for taskType := range f.constructors {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

// Lookup fails with *UnknownTaskTypeError when taskType was never registered.
func (f *Factory) Lookup(taskType string) (Constructor, error) {
	f.mu.RLock()
	c, ok := f.constructors[taskType]
	f.mu.RUnlock()

	if !ok {
		return nil, &UnknownTaskTypeError{TaskType: taskType, Registered: f.TaskTypes()}
	}
	return c, nil
}

func (f *Factory) Strategies() *strategy.Registry {
	return f.strategies
}

// Create builds a worker for taskType. Settings from deps.Config are applied first and opts
// override them.
func (f *Factory) Create(taskType, workerID string, deps Dependencies, opts ...Option) (*Worker, error) {
	c, err := f.Lookup(taskType)
	if err != nil {
		return nil, err
	}

	strategyName := deps.Config.Strategy
	if strategyName == "" {
		strategyName = strategy.FIFO.Name()
	}
	st, err := f.strategies.Lookup(strategyName)
	if err != nil {
		return nil, err
	}

	handler, err := c(deps)
	if err != nil {
		return nil, fmt.Errorf("build handler for %s: %w", taskType, err)
	}

	configured := []Option{WithStrategy(st)}
	if d := deps.Config.PollInterval(); d > 0 {
		configured = append(configured, WithPollInterval(d))
	}
	if d := deps.Config.TaskTimeout(); d > 0 {
		configured = append(configured, WithTaskTimeout(d))
	}
	if d := deps.Config.StorageBackoff(); d > 0 {
		configured = append(configured, WithStorageBackoff(d))
	}

	return New(workerID, taskType, handler, deps, append(configured, opts...)...)
}
