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
	"sync"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"account-ledger/internal/config"
	"account-ledger/internal/domain"
	"account-ledger/internal/events"
	"account-ledger/internal/handler"
	"account-ledger/internal/repository"
	"account-ledger/internal/repository/memory"
	"account-ledger/internal/repository/mongostore"
	"account-ledger/internal/service"
)

// backend is implemented by every storage driver.
type backend interface {
	Accounts() domain.AccountStore
	Movements() domain.Ledger
	Transfers() domain.TransferJournal
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	router   *mux.Router
	server   *http.Server
	backend  backend
	repairer *service.TransferRepairer
	closers  []func(context.Context) error
	logger   *slog.Logger
	port     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{logger: logger}

	repos, err := s.openBackend(cfg)
	if err != nil {
		s.close(context.Background())
		return nil, err
	}

	var publisher service.MovementPublisher
	if cfg.RedisAddr != "" {
		client, err := events.NewClient(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			s.close(context.Background())
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		publisher = events.NewPublisher(client, cfg.RedisStream)
		logger.Info("Publishing movements to redis", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	}

	retry := service.DefaultRetryPolicy()
	if cfg.CreditRetryAttempts > 0 {
		retry.MaxAttempts = cfg.CreditRetryAttempts
	}
	if cfg.CreditRetryInterval > 0 {
		retry.InitialInterval = cfg.CreditRetryInterval
	}

	repair := service.DefaultRepairerConfig()
	if cfg.RepairInterval > 0 {
		repair.Interval = cfg.RepairInterval
	}
	if cfg.RepairStaleAfter > 0 {
		repair.StaleAfter = cfg.RepairStaleAfter
	}
	if cfg.RepairBatchSize > 0 {
		repair.BatchSize = cfg.RepairBatchSize
	}

	// Initialize services
	accountService := service.NewAccountService(repos, publisher, logger)
	transactionService := service.NewTransactionService(repos, publisher, retry, logger)
	historyService := service.NewHistoryService(repos.Ledger, logger)
	s.repairer = service.NewTransferRepairer(repos.Transfers, transactionService, repair, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService)
	transactionHandler := handler.NewTransactionHandler(transactionService)
	movementHandler := handler.NewMovementHandler(historyService)

	// Setup router
	router := mux.NewRouter()

	// Add middleware for logging
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/deposits", accountHandler.Deposit).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/withdrawals", accountHandler.Withdraw).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/movements", movementHandler.AccountMovements).Methods("GET")
	router.HandleFunc("/movements", movementHandler.AllMovements).Methods("GET")

	// Transfer routes
	router.HandleFunc("/transfers", transactionHandler.Transfer).Methods("POST")
	router.HandleFunc("/transfers/{transfer_id}", transactionHandler.GetTransfer).Methods("GET")

	router.HandleFunc("/health", s.health).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) openBackend(cfg *config.Config) (service.Repositories, error) {
	ctx := context.Background()

	switch cfg.StorageDriver {
	case config.DriverMemory:
		s.backend = memory.NewStore()
		s.logger.Warn("Using in-memory storage, balances are lost on restart")

	case config.DriverPostgres:
		dsn := cfg.GetDBConnectionString()
		if cfg.DBAutoMigrate {
			if err := repository.Migrate(dsn, cfg.DBName, s.logger); err != nil {
				return service.Repositories{}, err
			}
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return service.Repositories{}, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })

		// Configure connection pool for better performance
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return service.Repositories{}, fmt.Errorf("database ping failed: %w", err)
		}
		s.logger.Info("Successfully connected to database")

		store := repository.NewStore(db, s.logger)
		s.backend = store
		return service.Repositories{
			Accounts:  store.Accounts(),
			Ledger:    store.Movements(),
			Transfers: store.Transfers(),
			Recorder:  store,
		}, nil

	case config.DriverMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, s.logger)
		if err != nil {
			return service.Repositories{}, err
		}
		s.closers = append(s.closers, store.Close)
		s.backend = store
	}

	return service.Repositories{
		Accounts:  s.backend.Accounts(),
		Ledger:    s.backend.Movements(),
		Transfers: s.backend.Transfers(),
	}, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.backend.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "storage unavailable"})
		return
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
				"user_agent", r.UserAgent(),
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

// Listen binds the port. Port "0" picks a free one.
func (s *Server) Listen(port string) (net.Listener, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return listener, nil
}

// Serve blocks until the server is shut down.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Starting server", "port", s.port)
	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// RunRepairer resumes stale transfers until ctx is done.
func (s *Server) RunRepairer(ctx context.Context) error {
	return s.repairer.Run(ctx)
}

// Start serves HTTP and runs the repairer in the background.
func (s *Server) Start(port string) (string, error) {
	listener, err := s.Listen(port)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(listener); err != nil {
			s.logger.Error("Server failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		_ = s.RunRepairer(ctx)
	}()

	return s.port, nil
}

// Stop gracefully shuts down the server and releases the storage backend.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.close(ctx)
	return err
}

func (s *Server) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Error("Failed to close resource", "error", err)
		}
	}
	s.closers = nil
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
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.close(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
