// Package main is the entry point for the caseflow server.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/cases"
	"github.com/stadswerk/caseflow/internal/config"
	"github.com/stadswerk/caseflow/internal/definition"
	"github.com/stadswerk/caseflow/internal/engine"
	"github.com/stadswerk/caseflow/internal/events"
	"github.com/stadswerk/caseflow/internal/external"
	"github.com/stadswerk/caseflow/internal/idempotency"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/outbox"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load process definitions.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	defStore := definition.NewStore(defs)
	metrics.SetDefinitionsLoaded(float64(len(defs)))
	metrics.RecordDefinitionReload("success")

	// Surface invalid graphs at startup rather than on first use.
	for _, def := range defs {
		if _, err := defStore.Load(def.Process, nil); err != nil {
			logger.Error("definition validation failed",
				zap.String("process", def.Process),
				zap.String("file", def.SourceFile),
				zap.Error(err))
			return 1
		}
	}

	// Step 5: Initialize the case store.
	caseStore, storeCloser, err := buildCaseStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the idempotency store (optional).
	idemStore, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	// Step 7: Build the domain services.
	emitter := events.NewEmitter(logger)
	eng := engine.New(caseStore, defStore, engine.NewExprEvaluator(), emitter, metrics, logger)

	themes := make(map[string]cases.ProcessBinding, len(cfg.Themes))
	for theme, tc := range cfg.Themes {
		themes[theme] = cases.ProcessBinding{Process: tc.Process, Imports: tc.Imports}
	}
	caseService := cases.NewService(caseStore, eng, emitter, themes, metrics, logger)

	// Step 8: Build the outbox dispatcher.
	var dispatcher *outbox.Dispatcher
	if cfg.Dispatcher.Enabled {
		breaker := external.NewCircuitBreaker(
			cfg.External.CaseRegistry.CircuitBreaker.FailureThreshold,
			cfg.External.CaseRegistry.CircuitBreaker.SuccessThreshold,
			cfg.External.CaseRegistry.CircuitBreaker.Timeout,
		)
		dispatcher = outbox.New(
			caseStore,
			external.NewProcessEngineClient(cfg.External.ProcessEngine.BaseURL, cfg.External.ProcessEngine.Timeout, logger),
			external.NewCaseRegistryClient(cfg.External.CaseRegistry.BaseURL, cfg.External.CaseRegistry.Timeout, breaker, logger),
			metrics,
			outbox.Options{
				Interval:         cfg.Dispatcher.Interval,
				BatchSize:        cfg.Dispatcher.BatchSize,
				MaxStartAttempts: cfg.Dispatcher.MaxStartAttempts,
				BaseBackoff:      cfg.Dispatcher.BaseBackoff,
				MaxBackoff:       cfg.Dispatcher.MaxBackoff,
			},
			logger,
		)
	}

	// Step 9: Build the HTTP router.
	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return defStore.Checksum() != "" },
	}
	if hc, ok := caseStore.(observability.HealthChecker); ok {
		ready.CaseStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Cases:   transport.NewCaseHandler(caseService),
		Tasks:   transport.NewTaskHandler(eng, caseStore, idemStore, cfg.Idempotency.DefaultTTL, logger),
		Metrics: metrics,
		Ready:   ready,
		Log:     logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if dispatcher != nil {
		go dispatcher.Run(bgCtx)
	}

	// Step 11: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.Bool("dispatcher", dispatcher != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCaseStore creates the case store based on config.
func buildCaseStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory case store")
		return store.NewMemStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}

		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory idempotency store")
			return idempotency.NewMemoryStore(), nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	}
}
