package strategy

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/prismq/taskqueue/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sorted(s Strategy, values []Values) []int64 {
	out := append([]Values(nil), values...)
	sort.Slice(out, func(i, j int) bool { return Compare(s, out[i], out[j]) < 0 })
	ids := make([]int64, 0, len(out))
	for _, v := range out {
		ids = append(ids, v.ID)
	}
	return ids
}

func TestBuiltInOrdering(t *testing.T) {
	values := []Values{
		{ID: 1, Priority: 1, CreatedAt: base},
		{ID: 2, Priority: 5, CreatedAt: base.Add(time.Second)},
		{ID: 3, Priority: 3, CreatedAt: base.Add(2 * time.Second)},
		{ID: 4, Priority: 9, CreatedAt: base.Add(2 * time.Second)},
	}

	assert.Equal(t, []int64{1, 2, 4, 3}, sorted(FIFO, values))
	assert.Equal(t, []int64{4, 3, 2, 1}, sorted(LIFO, values))
	assert.Equal(t, []int64{4, 2, 3, 1}, sorted(Priority, values))
}

func TestPriority_sameCreatedAt(t *testing.T) {
	values := []Values{
		{ID: 1, Priority: 1, CreatedAt: base},
		{ID: 2, Priority: 5, CreatedAt: base},
		{ID: 3, Priority: 3, CreatedAt: base},
	}

	assert.Equal(t, []int64{2, 3, 1}, sorted(Priority, values))
}

func TestCompare_isStrict(t *testing.T) {
	a := Values{ID: 1, Priority: 2, CreatedAt: base}
	b := Values{ID: 2, Priority: 2, CreatedAt: base}

	for _, k := range Kinds() {
		assert.Equal(t, -1, Compare(k, a, b), k.Name())
		assert.Equal(t, 1, Compare(k, b, a), k.Name())
		assert.Equal(t, 0, Compare(k, a, a), k.Name())
	}
}

func TestOrderBy(t *testing.T) {
	clause, err := OrderBy(Priority)
	require.NoError(t, err)
	assert.Equal(t, "priority DESC, created_at ASC, id ASC", clause)

	clause, err = OrderBy(LIFO)
	require.NoError(t, err)
	assert.Equal(t, "created_at DESC, priority DESC, id ASC", clause)
}

type rogue struct{}

func (rogue) Name() string    { return "ROGUE" }
func (rogue) Keys() []SortKey { return []SortKey{{Column: "id; DROP TABLE tasks"}} }

func TestOrderBy_rejectsUnknownColumns(t *testing.T) {
	_, err := OrderBy(rogue{})
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]Kind{"fifo": FIFO, "Lifo": LIFO, " PRIORITY ": Priority} {
		got, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Parse("random")
	require.Error(t, err)
	assert.ErrorIs(t, err, errval.ErrUnknownStrategy)
	assert.Contains(t, err.Error(), "FIFO, LIFO, PRIORITY")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	s, err := r.Lookup("priority")
	require.NoError(t, err)
	assert.Equal(t, Priority, s)

	fewestRetries, err := Custom("fewest_retries", Asc(ColumnRetryCount), Desc(ColumnPriority))
	require.NoError(t, err)
	require.NoError(t, r.Register(fewestRetries))

	s, err = r.Lookup("Fewest_Retries")
	require.NoError(t, err)
	assert.Equal(t, "FEWEST_RETRIES", s.Name())
	assert.Equal(t, []string{"FEWEST_RETRIES", "FIFO", "LIFO", "PRIORITY"}, r.Names())

	_, err = r.Lookup("nope")
	var unknown *UnknownStrategyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, r.Names(), unknown.Valid)
	assert.ErrorIs(t, err, errval.ErrUnknownStrategy)
}

func TestRegistry_builtInsAreReserved(t *testing.T) {
	r := NewRegistry()
	fake, err := Custom("fifo", Desc(ColumnID))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Register(fake), errval.ErrInvalidArgument)
	s, err := r.Lookup("FIFO")
	require.NoError(t, err)
	assert.Equal(t, FIFO, s)
}

func TestCustom_validation(t *testing.T) {
	_, err := Custom("", Asc(ColumnID))
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	_, err = Custom("empty")
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)

	_, err = Custom("bad", Asc("payload"))
	assert.ErrorIs(t, err, errval.ErrInvalidArgument)
}
