// Package app wires the parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the HTTP surface and the
// session manager, Run serves until its context is cancelled, and Shutdown
// tears everything down in order.
//
// Routes:
//
//	GET /v1/session  WebSocket voice session (one at a time, 409 while busy)
//	GET /v1/voices   voices of the synthesis provider, if it can list them
//	GET /healthz     liveness
//	GET /readyz      readiness
//	GET /metrics     Prometheus scrape endpoint
//
// For testing, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

const (
	readHeaderTimeout   = 10 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of a parley server.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	health   *health.Handler
	sessions *SessionManager
	handler  http.Handler

	gatherer       prometheus.Gatherer
	originPatterns []string
	ackTimeout     time.Duration
	drainTimeout   time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves g on /metrics instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts
// matching patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(a *App) { a.originPatterns = patterns }
}

// WithAckTimeout bounds how long playback waits for the browser to confirm
// that an audio chunk started.
func WithAckTimeout(d time.Duration) Option {
	return func(a *App) { a.ackTimeout = d }
}

// WithDrainTimeout bounds the graceful HTTP shutdown in Run.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *App) { a.drainTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the instantiated providers.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}

	a := &App{
		providers:    providers,
		log:          slog.Default(),
		drainTimeout: defaultDrainTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Synthesis circuit breaker ─────────────────────────────────────
	if cb := cfg.Synthesis.CircuitBreaker; cb.Enabled {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "tts:" + providers.TTSName,
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			Logger:       a.log,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    a.Config,
		Providers: providers,
		Metrics:   a.metrics,
		Breaker:   a.breaker,
		Logger:    a.log,
	})
	a.closers = append(a.closers, a.sessions.Shutdown)

	// ── 4. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{{
		Name: "session_slot",
		Check: func(context.Context) error {
			if info, busy := a.sessions.Active(); busy {
				return fmt.Errorf("session %s is active", info.SessionID)
			}
			return nil
		},
	}}
	if a.breaker != nil {
		checkers = append(checkers, health.Checker{
			Name: "synthesis",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers)

	// ── 5. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.gatherer))
	mux.Handle("GET /v1/voices", voicesHandler(providers.TTS, a.log))
	mux.Handle("GET /v1/session", &sessionHandler{
		sm:             a.sessions,
		log:            a.log,
		ackTimeout:     a.ackTimeout,
		originPatterns: a.originPatterns,
	})
	a.handler = observe.Middleware(a.metrics,
		observe.WithAccessLogger(a.log),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)

	return a, nil
}

// Handler returns the instrumented HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the configuration new sessions are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled. It then marks the server as draining, ends the active session
// and shuts the listener down gracefully. Run returns ctx.Err() after a
// clean stop.
func (a *App) Run(ctx context.Context) error {
	addr := a.Config().Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)

		// WebSocket connections are hijacked, so the server does not wait
		// for them; ending the session closes the socket.
		if err := a.sessions.Shutdown(); err != nil {
			a.log.Warn("session shutdown error", "err", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig installs the hot-reloadable parts of next: log level,
// conversation, voice and gate settings. New sessions pick them up; the
// running session keeps its settings. Changes that need a restart are
// logged and ignored.
func (a *App) ApplyConfig(next *config.Config) {
	cur := a.Config()
	d := config.Diff(cur, next)

	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	if !d.HotReloadable() {
		return
	}

	merged := *cur
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Conversation = next.Conversation
	merged.Voice = next.Voice
	merged.Gate = next.Gate
	a.cfg.Store(&merged)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
	}
	a.log.Info("config reloaded",
		"log_level_changed", d.LogLevelChanged,
		"conversation_changed", d.ConversationChanged,
		"voice_changed", d.VoiceChanged,
		"gate_changed", d.GateChanged,
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel maps a config log level to its slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
