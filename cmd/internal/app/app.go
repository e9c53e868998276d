// Package app wires the entangle server runtime: config, logging, HTTP routes,
// the status watch gateway, metrics, and the optional audit database.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"entangle/cmd/internal/audit"
	"entangle/cmd/internal/metrics"
	"entangle/cmd/internal/protocol"
	"entangle/cmd/internal/protocol/api"
	"entangle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// App is the entangle server runtime. It owns the session store, the HTTP
// handler tree, and the audit database pool when one is configured.
type App struct {
	cfg Config
	log Logger

	store   *protocol.Store
	engine  *protocol.Engine
	metrics *metrics.Metrics

	dbPool    *pgxpool.Pool
	dbEnabled bool
	audit     audit.Sink
	tracing   *sdktrace.TracerProvider

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	pcfg, err := protocol.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(registry))

	store := protocol.NewStore(protocol.WithObserver(m))
	engine, err := protocol.NewEngine(pcfg, store,
		protocol.WithLogger(log),
		protocol.WithStageObserver(m),
	)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}

	sink, dbPool, dbEnabled, err := newAuditSink(context.Background(), cfg, log)
	if err != nil {
		shutdownTracing(context.Background(), tp, log)
		return nil, err
	}

	stages, err := api.NewHandler(log, engine, api.LoadConfigFromEnv(),
		api.WithAuditSink(sink),
		api.WithTracerProvider(tp),
	)
	if err != nil {
		closeAudit(sink, dbPool)
		shutdownTracing(context.Background(), tp, log)
		return nil, err
	}

	watch, err := realtime.NewWatchGateway(log, engine, realtime.LoadWatchConfigFromEnv(), realtime.WithWatchObserver(m))
	if err != nil {
		closeAudit(sink, dbPool)
		shutdownTracing(context.Background(), tp, log)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		engine:    engine,
		metrics:   m,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		audit:     sink,
		tracing:   tp,
		handler:   newRouter(log, cfg, dbPool, dbEnabled, stages, watch, registry),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the expiry janitor, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if a.cfg.SweepInterval > 0 {
		go a.store.RunJanitor(janitorCtx, a.cfg.SweepInterval, func(n int) {
			if n > 0 {
				a.log.Debug("sessions.swept", "count", n, "live", a.store.Len())
			}
		})
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws/watch",
		"db_enabled", a.dbEnabled,
		"otel_exporter", a.cfg.OTelExporter,
		"session_ttl", protocol.SessionTTL.String(),
		"sweep_interval", a.cfg.SweepInterval.String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		closeAudit(a.audit, a.dbPool)
		shutdownTracing(context.Background(), a.tracing, a.log)
		return err
	}

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		closeAudit(a.audit, a.dbPool)
		shutdownTracing(shutdownCtx, a.tracing, a.log)
		return err
	}

	closeAudit(a.audit, a.dbPool)
	shutdownTracing(shutdownCtx, a.tracing, a.log)

	// Sessions are memory-resident; whatever was live is gone now.
	a.log.Info("server.stopped", "dropped_sessions", a.store.Len())
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newAuditSink decides between the Postgres audit log and a no-op sink.
func newAuditSink(ctx context.Context, cfg Config, log Logger) (audit.Sink, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.audit_nop")
		return audit.NopSink{}, nil, false, nil
	}

	pool, err := openAuditPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresSink.Close() is a no-op
	sink, err := audit.NewPostgresSink(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sink.EnsureSchema(schemaCtx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.audit_postgres")
	return sink, pool, true, nil
}

func closeAudit(sink audit.Sink, pool *pgxpool.Pool) {
	if sink != nil {
		_ = sink.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
