package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credit-predictions/internal/config"
	"credit-predictions/internal/dispatch"
	"credit-predictions/internal/metrics"
	"credit-predictions/internal/model"
	"credit-predictions/internal/repository"
	"credit-predictions/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.RabbitMQURL == "" {
		return errors.New("RABBITMQ_URL is required to run a standalone worker")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	logger = logger.With("worker_id", workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := repository.Migrate(ctx, db, logger); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	if err := m.Register(); err != nil {
		return err
	}

	transport, err := dispatch.NewAMQPTransport(cfg.RabbitMQURL, watermill.NewSlogLogger(logger))
	if err != nil {
		return err
	}
	defer transport.Close()

	store := repository.NewStore(db, logger)
	gateway := model.NewGateway(model.DefaultRegistry(), cfg.CostPerRow, logger)
	// Workers only run jobs; they never dispatch.
	predictions := service.NewPredictionService(store, gateway, nil, cfg.AvailableModels, m, logger)

	worker, err := dispatch.NewWorker(cfg.WorkerOptions(workerID), transport.Jobs, transport.Publisher, predictions, m, logger)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("Worker consuming", "queue", cfg.QueueName, "metrics_port", cfg.MetricsPort)
	return worker.Run(ctx)
}
