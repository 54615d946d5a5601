package worker

import (
	"errors"
	"testing"

	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/errval"
	"github.com/prismq/taskqueue/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Create(t *testing.T) {
	f := NewFactory(nil)
	require.NoError(t, f.RegisterHandler("fetch", succeed(1)))

	deps := Dependencies{
		Store:  newStore(t),
		Config: configs.WorkerConfig{Strategy: "priority", PollIntervalInMillis: 250},
	}
	w, err := f.Create("fetch", "w7", deps)
	require.NoError(t, err)

	assert.Equal(t, "w7", w.ID())
	assert.Equal(t, "fetch", w.TaskType())
	assert.Equal(t, strategy.Priority, w.Strategy())
	assert.Equal(t, Idle, w.State())

	w, err = f.Create("fetch", "w8", deps, WithStrategy(strategy.LIFO))
	require.NoError(t, err)
	assert.Equal(t, strategy.LIFO, w.Strategy())
}

func TestFactory_unknownTaskType(t *testing.T) {
	f := NewFactory(nil)
	require.NoError(t, f.RegisterHandler("score", succeed(1)))
	require.NoError(t, f.RegisterHandler("fetch", succeed(1)))

	_, err := f.Create("classify", "w1", Dependencies{Store: newStore(t)})
	require.ErrorIs(t, err, errval.ErrUnknownTaskType)

	var unknown *UnknownTaskTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"fetch", "score"}, unknown.Registered)
	assert.Contains(t, err.Error(), `"classify"`)
	assert.Contains(t, err.Error(), "fetch, score")
}

func TestFactory_unknownStrategy(t *testing.T) {
	f := NewFactory(nil)
	require.NoError(t, f.RegisterHandler("fetch", succeed(1)))

	_, err := f.Create("fetch", "w1", Dependencies{
		Store:  newStore(t),
		Config: configs.WorkerConfig{Strategy: "random"},
	})
	assert.ErrorIs(t, err, errval.ErrUnknownStrategy)
}

func TestFactory_customStrategy(t *testing.T) {
	registry := strategy.NewRegistry()
	retryFirst, err := strategy.Custom("RETRY_FIRST", strategy.Desc(strategy.ColumnRetryCount))
	require.NoError(t, err)
	require.NoError(t, registry.Register(retryFirst))

	f := NewFactory(registry)
	require.NoError(t, f.RegisterHandler("fetch", succeed(1)))

	w, err := f.Create("fetch", "w1", Dependencies{
		Store:  newStore(t),
		Config: configs.WorkerConfig{Strategy: "retry_first"},
	})
	require.NoError(t, err)
	assert.Equal(t, "RETRY_FIRST", w.Strategy().Name())
}

func TestFactory_registerOverwrites(t *testing.T) {
	f := NewFactory(nil)
	calls := map[string]int{}

	require.NoError(t, f.Register("fetch", func(Dependencies) (Handler, error) {
		calls["first"]++
		return succeed(1), nil
	}))
	require.NoError(t, f.Register("fetch", func(Dependencies) (Handler, error) {
		calls["second"]++
		return succeed(1), nil
	}))

	_, err := f.Create("fetch", "w1", Dependencies{Store: newStore(t)})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"second": 1}, calls)
	assert.Equal(t, []string{"fetch"}, f.TaskTypes())
}

func TestFactory_constructorError(t *testing.T) {
	f := NewFactory(nil)
	require.NoError(t, f.Register("fetch", func(Dependencies) (Handler, error) {
		return nil, errors.New("missing api key")
	}))

	_, err := f.Create("fetch", "w1", Dependencies{Store: newStore(t)})
	assert.ErrorContains(t, err, "missing api key")
}

func TestFactory_registerValidation(t *testing.T) {
	f := NewFactory(nil)

	assert.ErrorIs(t, f.Register("", func(Dependencies) (Handler, error) { return nil, nil }), errval.ErrInvalidArgument)
	assert.ErrorIs(t, f.Register("fetch", nil), errval.ErrInvalidArgument)
	assert.ErrorIs(t, f.RegisterHandler("fetch", nil), errval.ErrInvalidArgument)
	assert.Empty(t, f.TaskTypes())
}
