// Package main is the entry point for the flaggate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations, or fall back
//     to the in-memory store when DATABASE_URL is unset.
//  3. Register the known flag catalog and freeze the registry.
//  4. Create the flag service (seeding unstored flags with their defaults),
//     the requirement cache, and the enforcement guards.
//  5. Start the management HTTP server with the request guard in front.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flaggate/flaggate/internal/config"
	"github.com/flaggate/flaggate/internal/core"
	"github.com/flaggate/flaggate/internal/guard"
	"github.com/flaggate/flaggate/internal/logging"
	"github.com/flaggate/flaggate/internal/metrics"
	"github.com/flaggate/flaggate/internal/middleware"
	"github.com/flaggate/flaggate/internal/registry"
	"github.com/flaggate/flaggate/internal/require"
	"github.com/flaggate/flaggate/internal/server"
	"github.com/flaggate/flaggate/internal/service"
	"github.com/flaggate/flaggate/internal/store"
	"github.com/flaggate/flaggate/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var flagStore store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}

		metrics.RegisterPoolMetrics(m.Registry, pool)
		flagStore = store.NewPostgresStore(pool)
		log.Info("using postgres flag store")
	} else {
		flagStore = store.NewMemoryStore()
		log.Warn("DATABASE_URL is unset, flag state will not survive restarts")
	}

	reg := registry.New()
	if err := registerKnownFlags(reg); err != nil {
		return fmt.Errorf("register flags: %w", err)
	}
	reg.Freeze()

	svc, err := service.New(flagStore, reg,
		service.WithLogger(log),
		service.WithCacheTTL(cfg.ValueCacheTTL),
		service.WithStoreTimeout(cfg.StoreTimeout),
		service.WithEvaluationRecorder(m.RecordEvaluation),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	if err := svc.Seed(ctx); err != nil {
		return fmt.Errorf("seed flags: %w", err)
	}

	requirementCache := require.NewCache(flagStore,
		require.WithLogger(log),
		require.WithTTL(cfg.RequirementCacheTTL),
		require.WithRefreshHooks(m.IncCacheLoads, m.IncCacheInvalidations),
	)
	svc.OnRequirementsChanged(requirementCache.Invalidate)

	checker := guard.NewChecker(require.NewResolver(requirementCache), svc, log, m)
	requestGuard := guard.NewRequestGuard(checker)

	apiHandler := server.NewHTTPHandler(svc, server.WithMaxJSONBodySize(cfg.MaxJSONBodySize))
	httpHandler := newHTTPHandler(apiHandler, requestGuard, m, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flaggate-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

func newHTTPHandler(apiHandler http.Handler, requestGuard *guard.RequestGuard, m *metrics.Metrics, log *slog.Logger) http.Handler {
	guardedAPIHandler := requestGuard.Middleware(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", guardedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", m.Handler())

	chain := middleware.HTTPRequestLogging(log)(mux)
	return m.HTTPMiddleware(chain)
}

// registerKnownFlags declares the flag catalog. The registry is
// configuration: new flags ship as code, values and requirements are data.
func registerKnownFlags(reg *registry.Registry) error {
	registrations := []struct {
		name        string
		flagType    core.FlagType
		value       core.Value
		description string
	}{
		{
			name:        "BANKING_ACCOUNT_TYPES_ENABLED",
			flagType:    core.TypeBoolean,
			value:       core.BoolValue(true),
			description: "Gates creation of typed accounts (ewa, bnpl) at the repository layer.",
		},
		{
			name:        "BILL_PAYMENTS_ENABLED",
			flagType:    core.TypeBoolean,
			value:       core.BoolValue(true),
			description: "Gates the bill payment method family at the service layer.",
		},
		{
			name:        "EWA_ROLLOUT",
			flagType:    core.TypePercentage,
			value:       core.PercentValue(0),
			description: "Gradual rollout of earned-wage-access operations.",
		},
		{
			name:        "BNPL_EARLY_ACCESS",
			flagType:    core.TypeSegment,
			value:       core.SegmentsValue("beta"),
			description: "Restricts buy-now-pay-later operations to early-access segments.",
		},
		{
			name:        "PAYMENTS_MAINTENANCE_WINDOW",
			flagType:    core.TypeTimeWindow,
			value:       core.WindowValue(nil, nil),
			description: "Allows payment endpoints only inside the configured window.",
		},
	}

	for _, registration := range registrations {
		if err := reg.Register(registration.name, registration.flagType, registration.value, registration.description); err != nil {
			return err
		}
	}

	return nil
}
