package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prismq/taskqueue/internal/errval"
)

// UnknownStrategyError is returned for names that are not registered. It matches
// errval.ErrUnknownStrategy with errors.Is.
type UnknownStrategyError struct {
	Name  string
	Valid []string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown claiming strategy %q, valid strategies are: %s", e.Name, strings.Join(e.Valid, ", "))
}

func (e *UnknownStrategyError) Is(target error) bool {
	return target == errval.ErrUnknownStrategy
}

// Registry maps strategy names to strategies. Create one at startup and pass it to whatever
// needs to resolve names.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, k := range Kinds() {
		r.strategies[k.Name()] = k
	}
	return r
}

// Register adds a custom strategy, replacing an earlier custom strategy with the same name.
// Built-in names are reserved.
func (r *Registry) Register(s Strategy) error {
	name := normalize(s.Name())
	if name == "" {
		return fmt.Errorf("%w: strategy name is empty", errval.ErrInvalidArgument)
	}
	if _, err := Parse(name); err == nil {
		return fmt.Errorf("%w: strategy %s is built in", errval.ErrInvalidArgument, name)
	}
	if _, err := OrderBy(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
	return nil
}

// Lookup resolves a strategy by name, ignoring case.
func (r *Registry) Lookup(name string) (Strategy, error) {
	r.mu.RLock()
	s, ok := r.strategies[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownStrategyError{Name: name, Valid: r.Names()}
	}
	return s, nil
}

// Names returns the registered strategy names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
