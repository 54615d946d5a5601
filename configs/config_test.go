package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "FIFO", cfg.Worker.Strategy)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval())
	assert.False(t, cfg.RabbitMQ.Enabled())
	assert.False(t, cfg.RedisConfig.Enabled())
}

func TestLoad_fromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DB_USERNAME", "prismq")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_DATABASE", "tasks")
	t.Setenv("WORKER_STRATEGY", "priority")
	t.Setenv("WORKER_POLL_INTERVAL_IN_MILLIS", "250")
	t.Setenv("RABBIT_HOST", "rabbit")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, "postgres://prismq:secret@db:5432/tasks?sslmode=require&pool_max_conns=4", cfg.Database.ToDbConnectionUri())
	assert.Equal(t, "pgx5://prismq:secret@db:5432/tasks?sslmode=require", cfg.Database.ToMigrationUri())
	assert.Equal(t, "priority", cfg.Worker.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval())
	assert.True(t, cfg.RabbitMQ.Enabled())
	assert.Equal(t, "prismq.tasks.fetch", cfg.RabbitMQ.QueueName("fetch"))
}

func TestLoad_rejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := Load()
	assert.ErrorContains(t, err, "unsupported STORE_BACKEND")
}

func TestSQLiteConfig_ToDSN(t *testing.T) {
	s := SQLiteConfig{Path: "/tmp/q.db", BusyTimeoutInMillis: 100}

	assert.Equal(t, "file:/tmp/q.db?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", s.ToDSN())
	assert.Equal(t, "sqlite:///tmp/q.db", s.ToMigrationUri())
}

func TestLoad_serverTaskTypes(t *testing.T) {
	t.Setenv("SERVER_TASK_TYPES", "fetch,score")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "score"}, cfg.ServerTaskTypes)
}
