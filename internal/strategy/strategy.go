// Package strategy defines the claiming strategies that decide which queued task is handed to
// the next worker. A strategy is an ordered list of sort keys; the same keys drive the
// in-memory comparator and the ORDER BY clause rendered by the SQL backends.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/prismq/taskqueue/internal/errval"
)

type Column string

const (
	ColumnPriority   Column = "priority"
	ColumnCreatedAt  Column = "created_at"
	ColumnRetryCount Column = "retry_count"
	ColumnID         Column = "id"
)

var orderableColumns = map[Column]bool{
	ColumnPriority:   true,
	ColumnCreatedAt:  true,
	ColumnRetryCount: true,
	ColumnID:         true,
}

type SortKey struct {
	Column Column
	Desc   bool
}

func Asc(c Column) SortKey  { return SortKey{Column: c} }
func Desc(c Column) SortKey { return SortKey{Column: c, Desc: true} }

// Strategy is a named ordering over queued tasks. Strategies hold no state.
type Strategy interface {
	Name() string
	Keys() []SortKey
}

// Kind enumerates the built-in strategies.
type Kind int

const (
	FIFO Kind = iota + 1
	LIFO
	Priority
)

func (k Kind) Name() string {
	switch k {
	case FIFO:
		return "FIFO"
	case LIFO:
		return "LIFO"
	case Priority:
		return "PRIORITY"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) String() string { return k.Name() }

func (k Kind) Keys() []SortKey {
	switch k {
	case FIFO:
		return []SortKey{Asc(ColumnCreatedAt), Desc(ColumnPriority)}
	case LIFO:
		return []SortKey{Desc(ColumnCreatedAt), Desc(ColumnPriority)}
	case Priority:
		return []SortKey{Desc(ColumnPriority), Asc(ColumnCreatedAt)}
	default:
		return nil
	}
}

// Kinds returns the built-in strategies in declaration order.
func Kinds() []Kind { return []Kind{FIFO, LIFO, Priority} }

// Parse resolves a built-in strategy name, ignoring case.
func Parse(name string) (Kind, error) {
	normalized := normalize(name)
	for _, k := range Kinds() {
		if k.Name() == normalized {
			return k, nil
		}
	}

	valid := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		valid = append(valid, k.Name())
	}
	return 0, &UnknownStrategyError{Name: name, Valid: valid}
}

type custom struct {
	name string
	keys []SortKey
}

func (c custom) Name() string    { return c.name }
func (c custom) Keys() []SortKey { return append([]SortKey(nil), c.keys...) }

// Custom builds a user-defined strategy. Keys may only reference orderable task columns.
func Custom(name string, keys ...SortKey) (Strategy, error) {
	normalized := normalize(name)
	if normalized == "" {
		return nil, fmt.Errorf("%w: strategy name is empty", errval.ErrInvalidArgument)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: strategy %s has no sort keys", errval.ErrInvalidArgument, normalized)
	}
	for _, key := range keys {
		if !orderableColumns[key.Column] {
			return nil, fmt.Errorf("%w: strategy %s orders by unknown column %q", errval.ErrInvalidArgument, normalized, key.Column)
		}
	}

	return custom{name: normalized, keys: append([]SortKey(nil), keys...)}, nil
}

// OrderKeys returns the strategy keys with the id tie-breaker appended, so that no two tasks
// ever compare equal.
func OrderKeys(s Strategy) []SortKey {
	keys := s.Keys()
	for _, key := range keys {
		if key.Column == ColumnID {
			return keys
		}
	}
	return append(keys, Asc(ColumnID))
}

// OrderBy renders the strategy as an SQL ORDER BY list, e.g. "priority DESC, created_at ASC, id ASC".
func OrderBy(s Strategy) (string, error) {
	keys := OrderKeys(s)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if !orderableColumns[key.Column] {
			return "", fmt.Errorf("%w: strategy %s orders by unknown column %q", errval.ErrInvalidArgument, s.Name(), key.Column)
		}
		direction := "ASC"
		if key.Desc {
			direction = "DESC"
		}
		parts = append(parts, string(key.Column)+" "+direction)
	}

	return strings.Join(parts, ", "), nil
}

// Values are the task fields a strategy may order by.
type Values struct {
	ID         int64
	Priority   int
	CreatedAt  time.Time
	RetryCount int
}

// Compare returns -1 when a is offered before b, 1 when after, 0 only for the same task.
func Compare(s Strategy, a, b Values) int {
	for _, key := range OrderKeys(s) {
		c := compareColumn(key.Column, a, b)
		if key.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareColumn(column Column, a, b Values) int {
	switch column {
	case ColumnPriority:
		return compareInt(int64(a.Priority), int64(b.Priority))
	case ColumnCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case ColumnRetryCount:
		return compareInt(int64(a.RetryCount), int64(b.RetryCount))
	case ColumnID:
		return compareInt(a.ID, b.ID)
	default:
		return 0
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
