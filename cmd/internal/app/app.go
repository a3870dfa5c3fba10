// Package app wires the threadsync server runtime: config, logging, HTTP
// routes, the realtime bus gateway and the delivery service.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"threadsync/cmd/internal/bus"
	"threadsync/cmd/internal/delivery"
)

// App is the threadsync server runtime. It owns the HTTP server, the bus
// hub and gateway, and the delivery store.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub      *bus.Hub
	gateway  *bus.Gateway
	store    delivery.Store
	delivery *delivery.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	busMetrics := bus.NewMetrics(reg)
	hub := bus.NewHub(log, bus.WithHubMetrics(busMetrics), bus.WithQueueSize(cfg.HubQueueSize))
	gw := bus.NewGateway(log, hub, cfg.GatewayConfig(), busMetrics)

	store, pool, err := newDeliveryStore(ctx, cfg, log)
	if err != nil {
		hub.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		dbPool:    pool,
		dbEnabled: pool != nil,
		hub:       hub,
		gateway:   gw,
		store:     store,
		delivery:  delivery.NewHandler(log, store, hub),
	}, nil
}

// Handler returns the root HTTP handler with middleware applied.
//
// The gateway enforces its own origin policy, so CORS only wraps the API
// routes.
func (a *App) Handler() http.Handler {
	api := http.NewServeMux()
	registerHTTP(api, a)

	var apiHandler http.Handler = api
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		apiHandler = WithCORS(apiHandler, a.cfg, a.log)
	}

	root := http.NewServeMux()
	root.Handle("/ws", a.gateway)
	root.Handle("/", apiHandler)

	return WithRequestLogging(WithSecurityHeaders(root), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
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
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the hub first ends their subscriptions.
	a.hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.Close()
		return err
	}

	a.Close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases the hub, the delivery store and the DB pool.
func (a *App) Close() {
	a.hub.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// newDeliveryStore decides between Postgres-backed marks and the in-memory store.
//
// Ownership: the app owns the pool. PostgresStore.Close is a no-op.
func newDeliveryStore(ctx context.Context, cfg Config, log Logger) (delivery.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return delivery.NewMemoryStore(), nil, nil
	}

	pool, err := NewPool(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	st, err := delivery.NewPostgresStore(pool, delivery.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}
