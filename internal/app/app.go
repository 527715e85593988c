// Package app wires all Parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithSpeechCache, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parley-voice/parley/internal/bridge"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/contextstore"
	"github.com/parley-voice/parley/internal/health"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/relay"
	"github.com/parley-voice/parley/internal/resilience"
	"github.com/parley-voice/parley/internal/speechcache"
	"github.com/parley-voice/parley/internal/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultCacheTTL applies when cache.ttl is not configured.
const defaultCacheTTL = 7 * 24 * time.Hour

// defaultShutdownTimeout bounds graceful shutdown when timeouts.shutdown is
// not configured.
const defaultShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Parley HTTP surface:
// session issuance, the websocket relay, context lookups, the speech cache,
// health probes and metrics.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store    contextstore.Store
	pinger   health.Pinger
	cache    *speechcache.Cache
	issuer   *token.Issuer
	verifier *token.Verifier
	relay    *relay.Server
	bridge   *bridge.Bridge
	sessions *SessionManager
	metrics  *observe.Metrics
	mux      *http.ServeMux

	// breakerState reports the context store breaker for /readyz. Nil when
	// no store is configured.
	breakerState func() string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a context store instead of connecting one from config.
func WithStore(s contextstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSpeechCache injects a speech cache instead of creating one from config.
func WithSpeechCache(c *speechcache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: token issuer and verifier,
// context store connection, speech cache schema, relay construction, and
// route registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initTokens(); err != nil {
		return nil, fmt.Errorf("app: init tokens: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	a.sessions = NewSessionManager(cfg.Token.TTL)
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTokens creates the session token issuer and verifier from the shared
// signing secret.
func (a *App) initTokens() error {
	secret := []byte(a.cfg.Token.Secret)

	issuer, err := token.NewIssuer(secret, a.cfg.Token.TTL)
	if err != nil {
		return err
	}
	verifier, err := token.NewVerifier(secret)
	if err != nil {
		return err
	}

	a.issuer = issuer
	a.verifier = verifier
	return nil
}

// initStore connects the context store and speech cache, or leaves them nil
// when no DSN is configured. A configured store is wrapped in a circuit
// breaker so a dead database fails conversation lookups fast.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			slog.Warn("store.postgres_dsn is empty; context lookups and the speech cache are disabled")
		} else {
			dims := a.cfg.Store.EmbeddingDimensions
			if dims == 0 {
				dims = 1536
			}

			var storeOpts []contextstore.Option
			if model := a.cfg.Store.EmbeddingModel; model != "" {
				embedder, err := contextstore.NewOpenAIEmbedder(a.cfg.Upstream.APIKey, model)
				if err != nil {
					return fmt.Errorf("create embedder: %w", err)
				}
				storeOpts = append(storeOpts, contextstore.WithEmbedder(embedder))
			}

			pg, err := contextstore.New(ctx, dsn, dims, storeOpts...)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
			a.pinger = pg

			guarded := resilience.NewGuardedStore(pg, resilience.CircuitBreakerConfig{
				Name: "contextstore",
			})
			a.store = guarded
			a.breakerState = func() string { return guarded.BreakerState().String() }

			if a.cache == nil {
				ttl := a.cfg.Cache.TTL
				if ttl <= 0 {
					ttl = defaultCacheTTL
				}
				cache, err := speechcache.New(ctx, pg.Pool(), ttl)
				if err != nil {
					return fmt.Errorf("create speech cache: %w", err)
				}
				a.cache = cache
			}
		}
	}

	if a.store != nil {
		m := a.metrics
		a.bridge = bridge.New(a.store)
		a.bridge.OnLookup = func(d time.Duration, failed bool) {
			m.RecordContextLookup(context.Background(), d, failed)
		}
	}

	return nil
}

// initRelay constructs the websocket relay with the observability hooks
// feeding the metrics instruments.
func (a *App) initRelay() error {
	m := a.metrics
	srv, err := relay.NewServer(relay.Config{
		UpstreamURL: a.cfg.Upstream.URL,
		APIKey:      a.cfg.Upstream.APIKey,
		Model:       a.cfg.Upstream.Model,
		Verifier:    a.verifier,
		BufferDepth: a.cfg.Relay.BufferDepth,
		OnMessage: func(direction string, _ int) {
			m.RecordRelayMessage(context.Background(), direction)
		},
		OnOverflow: func(direction string) {
			m.RecordRelayOverflow(context.Background(), direction)
		},
	})
	if err != nil {
		return err
	}
	a.relay = srv
	return nil
}

// initRoutes builds the HTTP mux. The relay endpoint is wrapped to keep the
// active session gauge current; everything else goes through the observe
// middleware for request metrics and trace propagation.
func (a *App) initRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("POST /v1/context", a.handleContext)
	mux.HandleFunc("POST /v1/speech", a.handleSpeechLookup)
	mux.HandleFunc("PUT /v1/speech", a.handleSpeechStore)

	mux.Handle("GET /v1/realtime", http.HandlerFunc(a.handleRealtime))

	checkers := []health.Checker{
		health.Database(a.pinger),
		health.Upstream(a.cfg.Upstream.URL),
	}
	if a.breakerState != nil {
		checkers = append(checkers, health.Breaker("context_store", a.breakerState))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.mux = mux
}

// Handler returns the application's HTTP handler with middleware applied.
// Exposed for tests that drive the app through httptest.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

// handleRealtime tracks the live session gauge around the relay's websocket
// lifetime.
func (a *App) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)
	a.relay.ServeHTTP(w, r)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address until ctx is cancelled,
// then shuts the server down gracefully within the configured budget.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("server listening", "addr", a.cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	budget := a.cfg.Timeouts.Shutdown
	if budget <= 0 {
		budget = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	return a.Shutdown(shutdownCtx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
