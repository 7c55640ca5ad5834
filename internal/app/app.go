// Package app wires all Kapell subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPersistentStore, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kapellhq/kapell/internal/conductor"
	"github.com/kapellhq/kapell/internal/config"
	"github.com/kapellhq/kapell/internal/health"
	"github.com/kapellhq/kapell/internal/observe"
	"github.com/kapellhq/kapell/internal/server"
	"github.com/kapellhq/kapell/internal/session"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/store"
	"github.com/kapellhq/kapell/pkg/store/postgres"
)

// shutdownGrace bounds the in-flight request drain during Shutdown.
const shutdownGrace = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider model.Provider
	persist  store.PersistentStore
	metrics  *observe.Metrics
	sessions *session.Store
	cond     *conductor.Service
	srv      *server.Server
	handler  http.Handler
	httpSrv  *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPersistentStore injects a durable store instead of creating one from
// the config's Postgres DSN.
func WithPersistentStore(ps store.PersistentStore) Option {
	return func(a *App) { a.persist = ps }
}

// WithMetrics injects a metrics sink instead of initialising the OTel
// pipeline.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The provider comes
// from main via the config registry.
func New(ctx context.Context, cfg *config.Config, provider model.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initSessions()
	a.initConductor()
	a.initHTTP()

	return a, nil
}

// initObserve sets up the OTel meter/tracer providers unless a metrics sink
// was injected.
func (a *App) initObserve(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initStore connects the durable store when a DSN is configured. State stays
// purely in process memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.persist != nil || a.cfg.Store.PostgresDSN == "" {
		return nil
	}
	ps, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	a.persist = ps
	a.closers = append(a.closers, func(context.Context) error {
		ps.Close()
		return nil
	})
	slog.Info("durable session store connected")
	return nil
}

func (a *App) initSessions() {
	a.sessions = session.NewStore(
		session.WithMaxTurns(a.cfg.Session.MaxTurns),
		session.WithPendingTTL(a.cfg.Session.PendingTTL()),
		session.WithRateLimit(a.cfg.Session.RateLimitPerMin, time.Minute),
		session.WithCreateHook(func() {
			a.metrics.ActiveSessions.Add(context.Background(), 1)
		}),
	)
}

func (a *App) initConductor() {
	opts := []conductor.Option{conductor.WithMetrics(a.metrics)}
	if a.persist != nil {
		opts = append(opts, conductor.WithPersistentStore(a.persist))
	}
	a.cond = conductor.New(a.sessions, a.provider, opts...)
}

// initHTTP assembles the route table: the WebSocket endpoint, Prometheus
// metrics, and the health probes, all behind the tracing middleware.
func (a *App) initHTTP() {
	a.srv = server.New(a.cond, a.sessions,
		server.WithMaxEventBytes(a.cfg.Server.MaxEventBytes),
		server.WithOriginPatterns(a.cfg.Server.OriginPatterns),
		server.WithMetrics(a.metrics),
	)

	mux := http.NewServeMux()
	a.srv.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.healthHandler().Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthHandler builds the readiness checker set for the configured
// dependencies.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		{
			Name: "provider",
			Check: func(context.Context) error {
				if a.provider == nil {
					return errors.New("no model provider configured")
				}
				return nil
			},
		},
	}
	if pg, ok := a.persist.(*postgres.Store); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
	}
	return health.New(checkers...)
}

// Handler returns the fully assembled HTTP handler. Used by tests to drive
// the server through httptest.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions exposes the session store, mainly for tests.
func (a *App) Sessions() *session.Store { return a.sessions }

// Run serves until ctx is cancelled, then drains in-flight work and returns.
func (a *App) Run(ctx context.Context) error {
	if interval := a.cfg.Session.SweepInterval(); interval > 0 {
		a.sessions.StartSweeper(ctx, interval)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	slog.Info("server listening",
		"addr", ln.Addr().String(),
		"provider", a.provider.Name(),
		"tls", a.cfg.Server.TLS != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var serveErr error
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			serveErr = a.httpSrv.Serve(ln)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown drains the HTTP server and tears down all subsystems in
// reverse-init order. It respects the context deadline on top of the
// built-in grace period.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http drain error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](drainCtx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
