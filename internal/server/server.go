package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"credit-predictions/internal/config"
	"credit-predictions/internal/dispatch"
	"credit-predictions/internal/domain"
	"credit-predictions/internal/handler"
	"credit-predictions/internal/metrics"
	"credit-predictions/internal/model"
	"credit-predictions/internal/repository"
	"credit-predictions/internal/service"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	transport *dispatch.Transport
	worker    *dispatch.Worker
	cancel    context.CancelFunc
	logger    *slog.Logger
	port      string

	writeTimeout time.Duration
}

// NewServer connects to Postgres, applies migrations and wires the API.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize database connection
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test database connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Successfully connected to database")

	if err := repository.Migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s, err := newServer(cfg, repository.NewStore(db, logger), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

// NewWithStore wires the API over an existing store. Used with the
// in-memory store in tests.
func NewWithStore(cfg *config.Config, store domain.Store, logger *slog.Logger) (*Server, error) {
	return newServer(cfg, store, logger)
}

func newServer(cfg *config.Config, store domain.Store, logger *slog.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	if err := m.Register(); err != nil {
		return nil, err
	}

	// Without a broker the worker runs inside this process.
	wmLogger := watermill.NewSlogLogger(logger)
	var transport *dispatch.Transport
	if cfg.RabbitMQURL != "" {
		t, err := dispatch.NewAMQPTransport(cfg.RabbitMQURL, wmLogger)
		if err != nil {
			return nil, err
		}
		// Jobs submitted before any worker subscribes wait in the queue.
		if err := t.DeclareQueue(cfg.QueueName); err != nil {
			t.Close()
			return nil, err
		}
		transport = t
	} else {
		transport = dispatch.NewInProcessTransport(wmLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		transport:    transport,
		cancel:       cancel,
		logger:       logger,
		writeTimeout: cfg.RPCTimeout + 15*time.Second,
	}

	dispatcher := dispatch.NewDispatcher(transport.Publisher, transport.Replies, dispatch.Options{
		Queue:   cfg.QueueName,
		Timeout: cfg.RPCTimeout,
	}, m, logger)
	if err := dispatcher.Start(ctx); err != nil {
		s.shutdown()
		return nil, err
	}

	gateway := model.NewGateway(model.DefaultRegistry(), cfg.CostPerRow, logger)

	// Initialize services
	accountService := service.NewAccountService(store, logger)
	predictionService := service.NewPredictionService(store, gateway, dispatcher, cfg.AvailableModels, m, logger)

	if cfg.RabbitMQURL == "" {
		workerID := cfg.WorkerID
		if workerID == "" {
			workerID = "embedded-" + uuid.NewString()[:8]
		}
		worker, err := dispatch.NewWorker(cfg.WorkerOptions(workerID), transport.Jobs, transport.Publisher, predictionService, m, logger)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.worker = worker
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("Embedded worker stopped", "error", err)
			}
		}()
		select {
		case <-worker.Running():
		case <-time.After(10 * time.Second):
			s.shutdown()
			return nil, fmt.Errorf("embedded worker did not start")
		}
	}

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService)
	predictionHandler := handler.NewPredictionHandler(predictionService, accountService)

	// Setup router
	router := mux.NewRouter()

	// Add middleware for logging
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/health", s.health).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})).Methods("GET")
	router.HandleFunc("/models", predictionHandler.ListModels).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(handler.RequireUser)

	// Account routes
	api.HandleFunc("/account", accountHandler.CreateAccount).Methods("POST")
	api.HandleFunc("/account/balance", accountHandler.GetBalance).Methods("GET")
	api.HandleFunc("/account/top-up", accountHandler.TopUp).Methods("POST")
	api.HandleFunc("/account/transactions", accountHandler.ListTransactions).Methods("GET")

	// Prediction routes; history is registered before the job lookup.
	api.HandleFunc("/predict", predictionHandler.Submit).Methods("POST")
	api.HandleFunc("/predict/sync", predictionHandler.SubmitSync).Methods("POST")
	api.HandleFunc("/predict/history", predictionHandler.History).Methods("GET")
	api.HandleFunc("/predict/{job_id}", predictionHandler.GetJob).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Check database connectivity in health check
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_id", r.Header.Get(handler.UserIDHeader),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	// Create HTTP server; writes outlast the RPC timeout of sync calls.
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	// Start server in background
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	// Shutdown HTTP server
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	s.shutdown()

	// Close database connection
	if s.db != nil {
		s.db.Close()
	}
	return err
}

func (s *Server) shutdown() {
	s.cancel()
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			s.logger.Warn("Failed to close worker", "error", err)
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Failed to close transport", "error", err)
	}
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger - use io.Discard for tests to avoid panic
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		// Production environment - use stdout
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	// Start the server and get the actual port
	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
