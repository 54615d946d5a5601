package configs

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
)

type Config struct {
	ServerPort             string   `envconfig:"SERVER_PORT" default:"8080"`
	ServerTimeOutInSeconds int64    `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	HealthPort             string   `envconfig:"HEALTH_PORT" default:"8081"`
	ServerTaskTypes        []string `envconfig:"SERVER_TASK_TYPES"`
	LogLevel               string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string   `envconfig:"LOG_FORMAT" default:"text"`
	StoreBackend           string   `envconfig:"STORE_BACKEND" default:"sqlite"`
	Database               DatabaseConfig
	SQLite                 SQLiteConfig
	Remote                 RemoteConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
	Worker                 WorkerConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT" default:"5432"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
}

type SQLiteConfig struct {
	Path                string `envconfig:"SQLITE_PATH" default:"prismq_tasks.db"`
	BusyTimeoutInMillis int    `envconfig:"SQLITE_BUSY_TIMEOUT_IN_MILLIS" default:"5000"`
	MaxOpenConns        int    `envconfig:"SQLITE_MAX_OPEN_CONNS" default:"4"`
}

// RemoteConfig points workers at a task manager REST API instead of a local database.
type RemoteConfig struct {
	URL              string `envconfig:"TASK_MANAGER_URL"`
	TimeOutInSeconds int64  `envconfig:"TASK_MANAGER_TIME_OUT_IN_SECONDS" default:"10"`
}

type RabbitMQConfig struct {
	Username    string `envconfig:"RABBIT_USERNAME"`
	Password    string `envconfig:"RABBIT_PASSWORD"`
	Host        string `envconfig:"RABBIT_HOST"`
	Port        string `envconfig:"RABBIT_PORT" default:"5672"`
	QueuePrefix string `envconfig:"RABBIT_QUEUE_PREFIX" default:"prismq.tasks."`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT" default:"6379"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

type WorkerConfig struct {
	ID                      string `envconfig:"WORKER_ID"`
	TaskType                string `envconfig:"WORKER_TASK_TYPE"`
	Strategy                string `envconfig:"WORKER_STRATEGY" default:"FIFO"`
	MaxRetries              int    `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	PollIntervalInMillis    int64  `envconfig:"WORKER_POLL_INTERVAL_IN_MILLIS" default:"1000"`
	TaskTimeOutInSeconds    int64  `envconfig:"WORKER_TASK_TIME_OUT_IN_SECONDS" default:"300"`
	StorageBackoffInSeconds int64  `envconfig:"WORKER_STORAGE_BACKOFF_IN_SECONDS" default:"60"`
	RetryBaseDelayInMillis  int64  `envconfig:"RETRY_BASE_DELAY_IN_MILLIS" default:"0"`
	RetryMaxDelayInMillis   int64  `envconfig:"RETRY_MAX_DELAY_IN_MILLIS" default:"600000"`
	ReapTimeOutInSeconds    int64  `envconfig:"REAP_TIME_OUT_IN_SECONDS" default:"900"`
	ReapIntervalInSeconds   int64  `envconfig:"REAP_INTERVAL_IN_SECONDS" default:"60"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToDSN returns a modernc.org/sqlite data source name. Writers take the database lock at BEGIN
// so that concurrent transactions queue on the busy timeout instead of failing on upgrade.
func (s SQLiteConfig) ToDSN() string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		s.Path,
		s.BusyTimeoutInMillis,
	)
}

// ToMigrationUri returns the golang-migrate URI for the sqlite driver
func (s SQLiteConfig) ToMigrationUri() string {
	return "sqlite://" + s.Path
}

func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeOutInSeconds) * time.Second
}

// Enabled reports whether RabbitMQ notifications are configured
func (d RabbitMQConfig) Enabled() bool {
	return d.Host != ""
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// QueueName returns the notification queue of a task type
func (d RabbitMQConfig) QueueName(taskType string) string {
	return d.QueuePrefix + taskType
}

// Enabled reports whether the Redis lock is configured
func (d RedisConfig) Enabled() bool {
	return d.Host != ""
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalInMillis) * time.Millisecond
}

func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeOutInSeconds) * time.Second
}

func (w WorkerConfig) StorageBackoff() time.Duration {
	return time.Duration(w.StorageBackoffInSeconds) * time.Second
}

func (w WorkerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(w.RetryBaseDelayInMillis) * time.Millisecond
}

func (w WorkerConfig) RetryMaxDelay() time.Duration {
	return time.Duration(w.RetryMaxDelayInMillis) * time.Millisecond
}

func (w WorkerConfig) ReapTimeout() time.Duration {
	return time.Duration(w.ReapTimeOutInSeconds) * time.Second
}

func (w WorkerConfig) ReapInterval() time.Duration {
	return time.Duration(w.ReapIntervalInSeconds) * time.Second
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unable to load .env: %w", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to process env: %w", err)
	}

	switch cfg.StoreBackend {
	case BackendSQLite, BackendPostgres, BackendRemote:
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q, valid backends are: %s, %s, %s", cfg.StoreBackend, BackendSQLite, BackendPostgres, BackendRemote)
	}

	return &cfg, nil
}

func InitConfig() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Unable to load config %v", err)
	}

	return cfg
}

// SetupLogger installs the default slog logger described by LOG_LEVEL and LOG_FORMAT
func (c *Config) SetupLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
