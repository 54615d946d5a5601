package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prismq/taskqueue/configs"
	"github.com/prismq/taskqueue/internal/backend"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/metrics"
	"github.com/prismq/taskqueue/internal/rabbitmq"
	"github.com/prismq/taskqueue/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// covers the storage connect retries
const startupTimeout = time.Minute

func main() {
	cfg := configs.InitConfig()
	cfg.SetupLogger()

	if cfg.StoreBackend == configs.BackendRemote {
		log.Fatal("the task manager must own its task store, STORE_BACKEND=remote is only valid for workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	storage, err := backend.Open(startupCtx, cfg)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			slog.Error("An error occurred while closing task store", "error", err.Error())
		}
	}()

	var queue domain.Queue
	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.QueuePrefix, cfg.ServerTaskTypes)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := rabbitClient.Close(); err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		queue = rabbitClient
		slog.Info("RabbitMQ has been initialized successfully")
	}

	router, serverLogic, err := setupHTTPServer(cfg, storage, queue, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		log.Fatal(err)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.ServerTimeOutInSeconds) * time.Second,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err)
		}
	}()
	serverLogic.MarkReady()

	<-ctx.Done()
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}

func setupHTTPServer(cfg *configs.Config, storage domain.Storage, queue domain.Queue, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*gin.Engine, *server.ServerLogic, error) {
	opts := []server.Option{
		server.WithMetrics(metrics.New(reg)),
		server.WithDefaultMaxRetries(cfg.Worker.MaxRetries),
	}
	if queue != nil {
		opts = append(opts, server.WithQueue(queue))
	}
	if len(cfg.ServerTaskTypes) > 0 {
		opts = append(opts, server.WithTaskTypes(cfg.ServerTaskTypes...))
	}

	serverLogic := server.NewServerLogic(storage, opts...)
	router, err := server.NewRouter(serverLogic, gatherer)
	if err != nil {
		return nil, nil, err
	}

	return router, serverLogic, nil
}
