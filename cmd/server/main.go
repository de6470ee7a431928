/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the trade ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Configure logging
  3. Initialize SQLite store
  4. Connect the optional Redis state cache
  5. Create the ledger service and replay anything left pending
  6. Start the replay scheduler (when REPLAY_SCHEDULE is set)
  7. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides LEDGER_DB_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. Notable: LOG_LEVEL, DEV_MODE, TAX_*, REPLAY_SCHEDULE,
  REDIS_URL.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running replay)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close cache and database connections

EXAMPLES:
  ./server -db="./data/ledger.db"
  REPLAY_SCHEDULE="@every 5m" ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/service.go: Replay orchestration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/trade-ledger/api"
	"github.com/warp/trade-ledger/config"
	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/scheduler"
	"github.com/warp/trade-ledger/store/cache"
	"github.com/warp/trade-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	log := newLogger(cfg)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("failed to initialize database")
	}
	defer store.Close()

	opts := []ledger.Option{ledger.WithWorkers(cfg.ReplayWorkers)}

	// Optional Redis state cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		opts = append(opts, ledger.WithCache(cache.NewRedisStateCache(rdb, cfg.StateCacheTTL)))
		log.Info().Dur("ttl", cfg.StateCacheTTL).Msg("redis state cache enabled")
	}

	svc := ledger.NewService(store, store, cfg.Pricing(), log, opts...)

	// Bring every item up to date before serving
	reports, err := svc.ReplayAll(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("startup replay failed")
	}
	log.Info().Int("items", len(reports)).Msg("startup replay complete")

	// Scheduler
	var sched *scheduler.Scheduler
	if cfg.ReplaySchedule != "" {
		sched = scheduler.New(log)
		job := scheduler.NewReplayJob(svc, 10*time.Minute, log)
		if err := sched.AddJob(cfg.ReplaySchedule, job); err != nil {
			log.Fatal().Err(err).Msg("invalid REPLAY_SCHEDULE")
		}
		sched.Start()
	}

	// Create router
	handler := api.NewHandler(store, svc, log)
	router := api.NewRouter(handler, log)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", *port).Str("db", *dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// newLogger writes JSON in production and colored console output in dev mode.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
