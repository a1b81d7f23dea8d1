/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (flags over environment)
  2. Set up slog/tint logging
  3. Open the SQLite store (schema is migrated on open)
  4. Build generator, dispatcher, trigger, workflow and metrics
  5. Start dispatcher workers and, if enabled, the scheduler
  6. Serve HTTP until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections, wait for active requests (30s)
  3. Drain the dispatcher queue
  4. Close the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlements.db"

  # In-memory database, synchronous generation, hourly scheduler
  ./server -db=":memory:" -dispatch=inline -scheduler

SEE ALSO:
  - config/config.go: all flags and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	logger := logging.Setup(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	assembler := settlement.NewAssembler()

	gen := settlement.NewGenerator(store,
		settlement.WithConcurrency(cfg.DriverConcurrency),
		settlement.WithDriverTimeout(cfg.DriverTimeout),
		settlement.WithGeneratorLogger(logger),
		settlement.WithGeneratorObserver(m),
		settlement.WithGeneratorAssembler(assembler),
	)

	var dispatcher settlement.Dispatcher
	switch cfg.DispatchMode {
	case settlement.ModeAsync:
		q := settlement.NewQueueDispatcher(gen, cfg.QueueSize, cfg.QueueWorkers, logger)
		q.Start()
		defer q.Stop()
		dispatcher = q
	default:
		dispatcher = settlement.NewInlineDispatcher(gen)
	}

	trigger := settlement.NewTrigger(gen, dispatcher, logger)
	workflow := settlement.NewWorkflow(store,
		settlement.WithWorkflowLogger(logger),
		settlement.WithWorkflowObserver(m),
		settlement.WithWorkflowAssembler(assembler),
	)

	handler := api.NewHandler(store, trigger, workflow, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m.Handler(),
		Logger:         logger,
	})

	scheduler := api.NewGenerationScheduler(trigger, logger)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "dispatch", cfg.DispatchMode, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
