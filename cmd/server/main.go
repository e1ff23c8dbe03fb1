/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the earnings engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load env configuration, apply command-line overrides
  2. Build logger and metrics
  3. Load the calculation policy (defaults when no file is given)
  4. Open the store (memory, sqlite or postgres)
  5. Pick the worker lock (in-process, or Redis when enabled)
  6. Wire the engine, handler and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (SERVER_PORT, default: 8080)
  -driver  Store driver: memory, sqlite, postgres (DB_DRIVER, default: sqlite)
  -db      SQLite database path (DB_PATH, default: earnings.db)
           Use ":memory:" for in-memory database
  -policy  JSON or YAML policy file (POLICY_FILE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  ./server -db="./data/earnings.db"
  ./server -driver=memory -port=3000
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/earnings-engine/api"
	"github.com/warp/earnings-engine/config"
	"github.com/warp/earnings-engine/earnings"
	"github.com/warp/earnings-engine/earnings/store"
	"github.com/warp/earnings-engine/factory"
	"github.com/warp/earnings-engine/lock"
	"github.com/warp/earnings-engine/logging"
	"github.com/warp/earnings-engine/metrics"
	"github.com/warp/earnings-engine/store/postgres"
	"github.com/warp/earnings-engine/store/sqlite"
)

const appName = "earnings-engine"

func main() {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	driver := flag.String("driver", cfg.Database.Driver, "Store driver: memory, sqlite or postgres")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	policyFile := flag.String("policy", cfg.PolicyFile, "JSON or YAML policy file")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Database.Driver = *driver
	cfg.Database.Path = *dbPath
	cfg.PolicyFile = *policyFile

	logger := logging.New(logging.Options{AppName: appName, Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	// Policy
	policy := earnings.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := factory.NewPolicyFactory().LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			logger.Fatalf("Failed to load policy: %v", err)
		}
		policy = p
		logger.WithField("file", cfg.PolicyFile).Info("Loaded calculation policy")
	}

	// Store
	txStore, ping, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()
	logger.WithField("driver", cfg.Database.Driver).Info("Store ready")

	m := metrics.New("earnings")
	clock := earnings.SystemClock{Location: earnings.LoadLocation(cfg.Timezone)}
	opts := []earnings.Option{
		earnings.WithClock(clock),
		earnings.WithLogger(logger),
		earnings.WithRecorder(m),
	}

	// Lock
	if cfg.Redis.Enabled {
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		locker := lock.NewRedisLocker(client, lock.Options{TTL: cfg.Redis.LockTTL, Wait: cfg.Redis.LockWait}, logger)
		opts = append(opts, earnings.WithLocker(locker))
		logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis worker lock")
	}

	engine := earnings.NewShiftEngine(txStore, policy, opts...)

	handler := api.NewHandler(engine, policy)
	handler.Ping = ping

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:      logger,
		Metrics:     m,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server starting on http://localhost:%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return
	}

	logger.Info("Server stopped")
}

// openStore returns the configured store with its health check and closer.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (earnings.TxStore, func(context.Context) error, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewTxMemory(), nil, func() error { return nil }, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s.Close, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection.
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
