package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/backend"
	"github.com/prismq/taskqueue/internal/metrics"
	"github.com/prismq/taskqueue/internal/redis"
	"github.com/prismq/taskqueue/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	timeout  time.Duration
	interval time.Duration
	once     bool
}

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

	opts, err := parseFlags(args, cfg.Worker, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
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

	reaperOpts := []supervisor.Option{
		supervisor.WithLogger(slog.Default()),
		supervisor.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	}
	if cfg.RedisConfig.Enabled() && !opts.once {
		redisClient, err := redis.NewClient(cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			slog.Error("Invalid Redis configuration", "error", err)
			return 1
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Error("An error occurred while closing Redis connection", "error", err.Error())
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			slog.Error("Redis seems not to be pingable", "error", err)
			return 1
		}
		reaperOpts = append(reaperOpts, supervisor.WithLock(redisClient))
		slog.Info("Redis connection has been initialized successfully")
	}

	reaper, err := supervisor.NewReaper(store, opts.timeout, opts.interval, reaperOpts...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if opts.once {
		n, err := reaper.RunOnce(ctx)
		if err != nil {
			slog.Error("Reaping stale tasks failed", "error", err)
			return 1
		}
		fmt.Fprintf(stdout, "reaped %d stale tasks\n", n)
		return 0
	}

	if err := reaper.Run(ctx); err != nil {
		slog.Error("Reaper stopped", "error", err)
		return 1
	}
	return 0
}

// parseFlags layers command line flags over the environment configuration.
func parseFlags(args []string, defaults configs.WorkerConfig, output io.Writer) (options, error) {
	opts := options{
		timeout:  defaults.ReapTimeout(),
		interval: defaults.ReapInterval(),
	}

	fs := flag.NewFlagSet("reaper", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "claims older than this are presumed dead")
	fs.DurationVar(&opts.interval, "interval", opts.interval, "time between sweeps")
	fs.BoolVar(&opts.once, "once", false, "sweep once and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if opts.timeout <= 0 {
		return opts, fmt.Errorf("--timeout must be positive, got %s", opts.timeout)
	}
	if opts.interval <= 0 {
		return opts, fmt.Errorf("--interval must be positive, got %s", opts.interval)
	}

	return opts, nil
}
