package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"flume/internal/config"
	"flume/internal/engine"
	"flume/internal/logging"
	"flume/internal/observability"
	"flume/internal/run"
	"flume/internal/server/app"
	serverhttp "flume/internal/server/http"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := runServer(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "flume-server: %v\n", err)
		os.Exit(1)
	}
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, set := os.LookupEnv("FLUME_LOG_LEVEL"); !set && cfg.LogLevel != "" {
		os.Setenv("FLUME_LOG_LEVEL", cfg.LogLevel)
	}
	logger := logging.NewComponentLogger("Server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(observability.Config{
		Metrics: observability.MetricsConfig{
			Enabled:        cfg.Metrics.Enabled,
			PrometheusPort: cfg.Metrics.Port,
		},
		Tracing: observability.TracingConfig{
			Enabled:        cfg.Tracing.Enabled,
			Exporter:       cfg.Tracing.Exporter,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			ServiceName:    cfg.Tracing.ServiceName,
		},
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown()

	runs, eventLog, closeStorage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeStorage()

	brokers := app.NewBrokerRegistry(
		cfg.Streaming.ConsumePollInterval,
		cfg.Streaming.ReclaimInterval,
		cfg.Streaming.BrokerIdleThreshold,
	)
	brokers.StartReclaimer()
	defer brokers.StopReclaimer()

	reaper := app.NewEventReaper(eventLog, cfg.Streaming.ReaperInterval, cfg.Streaming.EventRetention)
	reaper.Start()
	defer reaper.Stop()

	streaming := app.NewStreamingService(eventLog, brokers, runs, obs.Metrics, obs.Tracer)

	// The scripted echo engine serves until a real graph engine is attached
	// through the Engine port.
	coordinator := app.NewRunCoordinator(
		engine.NewEchoEngine(),
		streaming,
		runs,
		obs.Metrics,
		obs.Tracer,
		cfg.Streaming.WaitDoneTimeout,
	)

	router := serverhttp.NewRouter(coordinator, streaming, runs, serverhttp.RouterConfig{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		HeartbeatInterval: cfg.Streaming.HeartbeatInterval,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Run shutdown: %v", err)
		}
		return nil
	})

	return group.Wait()
}

// openStorage builds the run store and event log for the configured driver.
// SQLite shares one database handle between both; Postgres shares one pool.
func openStorage(ctx context.Context, cfg config.StorageConfig) (run.Store, app.EventLog, func(), error) {
	switch cfg.Driver {
	case "memory":
		return run.NewMemoryStore(), app.NewMemoryEventLog(), func() {}, nil

	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite database: %w", err)
		}
		runs, err := run.NewSQLiteStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		eventLog, err := app.NewSQLiteEventLogFromDB(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return runs, eventLog, func() { db.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		runs := run.NewPostgresStore(pool)
		if err := runs.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		eventLog := app.NewPostgresEventLog(pool)
		if err := eventLog.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return runs, eventLog, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
