package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/backend"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/metrics"
	"github.com/prismq/taskqueue/internal/rabbitmq"
	"github.com/prismq/taskqueue/internal/strategy"
	"github.com/prismq/taskqueue/internal/worker"
	"github.com/prismq/taskqueue/pkg/process"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := configs.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg.SetupLogger()

	if len(args) > 0 && args[0] == "enqueue" {
		return runEnqueue(args[1:], cfg, stdout, stderr)
	}

	registry := strategy.NewRegistry()
	factory, err := process.NewFactory(registry)
	if err != nil {
		slog.Error("Unable to register task handlers", "error", err)
		return 1
	}

	opts, err := parseWorkerFlags(args, cfg.Worker, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg.Worker = opts

	// invalid strategies and task types are startup errors
	if _, err := registry.Lookup(opts.Strategy); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if _, err := factory.Lookup(opts.TaskType); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg)
	if err != nil {
		slog.Error("Unable to open task store", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("An error occurred while closing task store", "error", err.Error())
		}
	}()

	deps := worker.Dependencies{
		Config:  opts,
		Store:   store,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Logger:  slog.Default(),
	}

	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.QueuePrefix, []string{opts.TaskType})
		if err != nil {
			// notifications only shorten the idle latency
			slog.Warn("RabbitMQ is unavailable, polling only", "error", err)
		} else {
			defer func() {
				if err := rabbitClient.Close(); err != nil {
					slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
				}
			}()
			deps.Queue = rabbitClient
			slog.Info("RabbitMQ has been initialized successfully")
		}
	}

	w, err := factory.Create(opts.TaskType, opts.ID, deps)
	if err != nil {
		slog.Error("Unable to create worker", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthRouter(w, store, deps.Queue),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Starting health server", "port", cfg.HealthPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Worker is running. To exit press CTRL+C", "worker_id", opts.ID, "task_type", opts.TaskType)
	if err := w.Run(ctx); err != nil {
		slog.Error("Worker stopped on unrecoverable storage failure", "worker_id", opts.ID, "error", err)
		return 1
	}
	slog.Info("Worker is shutting down...", "worker_id", opts.ID)

	return 0
}

// parseWorkerFlags layers command line flags over the environment configuration.
func parseWorkerFlags(args []string, defaults configs.WorkerConfig, output io.Writer) (configs.WorkerConfig, error) {
	cfg := defaults
	if cfg.ID == "" {
		cfg.ID = defaultWorkerID()
	}

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.ID, "worker-id", cfg.ID, "unique worker id")
	fs.StringVar(&cfg.TaskType, "task-type", cfg.TaskType, "task type to process (required)")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "claiming strategy: FIFO, LIFO or PRIORITY")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "default max retries of enqueued tasks")
	pollInterval := fs.Duration("poll-interval", cfg.PollInterval(), "idle poll interval")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if cfg.TaskType == "" {
		return cfg, errors.New("--task-type is required")
	}
	if cfg.ID == "" {
		return cfg, errors.New("--worker-id must not be empty")
	}
	if cfg.MaxRetries < 0 {
		return cfg, fmt.Errorf("--max-retries must not be negative, got %d", cfg.MaxRetries)
	}
	if *pollInterval <= 0 {
		return cfg, fmt.Errorf("--poll-interval must be positive, got %s", *pollInterval)
	}
	cfg.PollIntervalInMillis = pollInterval.Milliseconds()

	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func healthRouter(w *worker.Worker, store domain.Storage, queue domain.Queue) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/readiness", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "worker_id": w.ID(), "state": w.State().String()})
	})
	r.GET("/liveness", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			slog.Error("Task store seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		if queue != nil && !queue.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up", "state": w.State().String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func parseEnqueueFlags(args []string, defaults configs.WorkerConfig, output io.Writer) (domain.EnqueueRequest, error) {
	req := domain.EnqueueRequest{
		TaskType:   defaults.TaskType,
		MaxRetries: defaults.MaxRetries,
		Parameters: map[string]string{},
	}

	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&req.TaskType, "task-type", req.TaskType, "task type (required)")
	fs.IntVar(&req.Priority, "priority", 0, "priority, higher is more urgent")
	fs.IntVar(&req.MaxRetries, "max-retries", req.MaxRetries, "retries before the task fails permanently")
	fs.Func("param", "task parameter as key=value, repeatable", func(s string) error {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return fmt.Errorf("parameter %q is not key=value", s)
		}
		req.Parameters[key] = value
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if fs.NArg() > 0 {
		return req, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if req.TaskType == "" {
		return req, errors.New("--task-type is required")
	}
	if req.MaxRetries < 0 {
		return req, fmt.Errorf("--max-retries must not be negative, got %d", req.MaxRetries)
	}

	return req, nil
}

// runEnqueue adds one task, mostly for operators and smoke tests.
func runEnqueue(args []string, cfg *configs.Config, stdout, stderr io.Writer) int {
	req, err := parseEnqueueFlags(args, cfg.Worker, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second+cfg.Remote.Timeout())
	defer cancel()

	store, err := backend.Open(ctx, cfg)
	if err != nil {
		slog.Error("Unable to open task store", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	defer store.Close()

	task, err := store.Enqueue(ctx, req)
	if err != nil {
		slog.Error("Unable to enqueue task", "error", err)
		return 1
	}

	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.QueuePrefix, []string{task.TaskType})
		if err == nil {
			if err := rabbitClient.Notify(ctx, task.TaskType, task.ID); err != nil {
				slog.Warn("failed to publish task notification", "task_id", task.ID, "error", err)
			}
			_ = rabbitClient.Close()
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(task); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
