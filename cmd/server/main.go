/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then flags)
  2. Initialize logging and tracing
  3. Open the local store (SQLite, or memory when the path is empty)
  4. Wire remote client, synchronizer, ledger service and live hub
  5. Start the HTTP server
  6. Reconcile once, then start the periodic scheduler

COMMAND-LINE FLAGS (override environment):
  -port     HTTP server port (HTTP_PORT, default 8080)
  -db       SQLite database path (DB_PATH, default points.db)
            Use "" for an in-memory store
  -remote   Remote store base URL (REMOTE_URL)
  -emulate  Serve the remote in-process under /remote (EMULATE_REMOTE)

TRACING (environment only):
  OTEL_ENDPOINT      OTLP/HTTP traces URL, e.g. http://localhost:4318/v1/traces
                     Tracing is off when empty
  OTEL_SERVICE_NAME  Reported service name (default points-ledger)
  OTEL_SAMPLE_RATIO  Fraction of root traces sampled (default 1)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconcile scheduler (waits for a running reconcile)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush pending spans
  5. Close the local store

EXAMPLES:
  # Self-contained demo
  ./server -emulate -db=""

  # Against a json-server remote
  REMOTE_URL=http://localhost:3001 ./server -db="./data/points.db"

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
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/live"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/remote"
	"github.com/warp/points-ledger/store/sqlite"
	"github.com/warp/points-ledger/tracing"
)

// localStore is what the server needs from its local persistence.
type localStore interface {
	ledger.EventStore
	ledger.RunStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}

	// Flags
	flag.StringVar(&cfg.HTTP.Port, "port", cfg.HTTP.Port, "HTTP server port")
	flag.StringVar(&cfg.DB.Path, "db", cfg.DB.Path, `SQLite database path ("" for memory)`)
	flag.StringVar(&cfg.Remote.URL, "remote", cfg.Remote.URL, "Remote store base URL")
	flag.BoolVar(&cfg.EmulateRemote, "emulate", cfg.EmulateRemote, "Serve the remote store in-process")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.Trace)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("flush traces", "error", err)
		}
	}()

	// Initialize store
	local, closeStore, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	// Remote: emulated in-process or external
	var emulator *api.RemoteServer
	remoteURL := cfg.Remote.URL
	if cfg.EmulateRemote {
		seed, _ := api.ScenarioSnapshot(api.DefaultScenario, time.Now())
		emulator = api.NewRemoteServer(store.NewMemory(), logger.With("component", "remote-emulator"),
			api.WithRemotePolicy(cfg.Policy()))
		if err := emulator.Load(context.Background(), seed); err != nil {
			return err
		}
		remoteURL = fmt.Sprintf("http://127.0.0.1:%s/remote", cfg.HTTP.Port)
	}

	hub := live.NewHub(logger.With("component", "live"))
	syncer := ledger.NewSynchronizer(remote.NewClient(remoteURL), cfg.SyncTimeout, logger.With("component", "sync"))
	svc := ledger.NewService(local, syncer,
		ledger.WithDenialPolicy(cfg.Policy()),
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithInvalidator(hub),
	)
	scheduler := ledger.NewReconcileScheduler(svc, local, cfg.ReconcileInterval, logger.With("component", "reconcile"))

	handler := api.NewHandler(svc, scheduler, local, logger)
	if emulator != nil {
		handler.Emulator = emulator
		handler.SetCurrentScenario(api.DefaultScenario)
	}
	router := api.NewRouter(handler, api.RouterConfig{
		Live:           hub,
		AllowedOrigins: cfg.CORSOrigins,
	})

	// Create server. No write timeout: /api/live streams indefinitely.
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+cfg.HTTP.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", cfg.HTTP.Port, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", ln.Addr().String(), "remote", remoteURL, "policy", cfg.Policy())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// The local store may be stale or empty: pull the remote state first.
	// On failure the server keeps serving what it has.
	if _, err := scheduler.RunNow(context.Background(), ledger.TriggerStartup); err != nil {
		logger.Warn("startup reconcile failed, serving local state", "error", err)
	}
	scheduler.Start()

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore opens the SQLite store at path, or an in-memory store when
// path is empty.
func openStore(path string) (localStore, func(), error) {
	if path == "" {
		slog.Info("using in-memory local store")
		return store.NewMemory(), func() {}, nil
	}

	db, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			slog.Error("close database", "error", err)
		}
	}, nil
}
