// Package app wires the switchboard subsystems into a running call server.
//
// New builds the process-wide pieces: the persona store and directory, the
// session registry, the shared circuit breakers, health checks and the HTTP
// routes. Every accepted media stream then gets its own session and turn
// controller. Shutdown drains active calls before it closes the server and
// the remaining resources.
//
// For testing, inject doubles via functional options (WithAgentStore,
// WithLogger, ...) and drive the routes through [App.Handler].
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchboard/internal/agent"
	"github.com/MrWong99/switchboard/internal/agent/agentstore"
	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/health"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/transcript"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/telephony"
)

// Providers holds one interface value per provider slot. LLM, STT, TTS and
// VAD are required. Calls may be nil, which disables outbound calls and
// remote hang-up. Populated by main.go via the config registry.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Calls telephony.CallControl

	// Names label provider metrics.
	Names pipeline.ProviderNames
}

// App owns all subsystem lifetimes and serves the call endpoints.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    agentstore.Store
	pool     *pgxpool.Pool
	dir      atomic.Pointer[agent.Directory]
	registry *session.Registry
	breakers pipeline.Breakers
	fixer    *transcript.Corrector
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// draining rejects new calls once Shutdown has started.
	draining atomic.Bool

	// reloadMu serialises Reload calls from the config watcher.
	reloadMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAgentStore injects a persona store instead of creating one from config.
func WithAgentStore(s agentstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the app the level variable behind the process logger so
// that config reloads can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: persona store connection and
// migration, persona seeding, registry and breaker construction, and route
// registration. It does not start listening; see [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := checkProviders(providers); err != nil {
		return nil, err
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Persona store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init agent store: %w", err)
	}

	// ── 2. Personas ──────────────────────────────────────────────────────
	if err := a.seedAgents(ctx, cfg.Agents); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: seed agents: %w", err)
	}
	a.dir.Store(agent.NewDirectory(a.store, cfg.Agents.Default))

	// ── 3. Sessions + breakers ───────────────────────────────────────────
	a.registry = session.NewRegistry(session.WithMaxCalls(cfg.Server.MaxCalls))
	a.breakers = pipeline.Breakers{
		STT: a.newBreaker("stt"),
		LLM: a.newBreaker("llm"),
		TTS: a.newBreaker("tts"),
	}
	a.fixer = transcript.New()

	// ── 4. Health + routes ───────────────────────────────────────────────
	checkers := []health.Checker{
		health.Ping("providers", a.checkBreakers),
		health.Capacity("registry", a.registry.Len, cfg.Server.MaxCalls),
	}
	if a.pool != nil {
		checkers = append(checkers, health.Ping("agentstore", a.pool.Ping))
	}
	a.health = health.New(checkers...)
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// checkProviders reports every missing mandatory provider.
func checkProviders(p *Providers) error {
	if p == nil {
		return errors.New("app: providers must not be nil")
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is not configured"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is not configured"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is not configured"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad engine is not configured"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured, otherwise keeps
// personas in memory.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.store = agentstore.NewMemStore()
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}

	st := agentstore.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	a.pool = pool
	a.store = st
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.log.Info("app: persona store connected", "backend", "postgres")
	return nil
}

// seedAgents writes the inline personas and the personas of the agents file
// into the store. Configured personas overwrite stored ones with the same id.
func (a *App) seedAgents(ctx context.Context, cfg config.AgentsConfig) error {
	list := append([]agent.Agent(nil), cfg.Inline...)
	if cfg.File != "" {
		fromFile, err := agent.LoadFile(cfg.File)
		if err != nil {
			return err
		}
		list = append(list, fromFile...)
	}
	if err := agentstore.Seed(ctx, a.store, list); err != nil {
		return err
	}
	if len(list) > 0 {
		a.log.Info("app: personas loaded", "count", len(list), "default", cfg.Default)
	}
	return nil
}

// newBreaker builds the shared breaker of a stage. State changes are counted
// in the breaker transition metric.
func (a *App) newBreaker(stage string) *resilience.CircuitBreaker {
	cfg := a.cfg.Providers.Breaker.CircuitBreaker(stage)
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		a.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
	return resilience.NewCircuitBreaker(cfg)
}

// checkBreakers fails readiness while any shared stage breaker is open.
func (a *App) checkBreakers(context.Context) error {
	var errs []error
	for _, br := range []struct {
		stage string
		cb    *resilience.CircuitBreaker
	}{
		{"stt", a.breakers.STT},
		{"llm", a.breakers.LLM},
		{"tts", a.breakers.TTS},
	} {
		if br.cb.State() == resilience.StateOpen {
			errs = append(errs, fmt.Errorf("%s breaker open, retry in %s", br.stage, br.cb.RetryAfter().Round(time.Second)))
		}
	}
	return errors.Join(errs...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with every route and the observability
// middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Directory returns the persona directory currently used for new calls.
func (a *App) Directory() *agent.Directory { return a.dir.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. It does not drain calls; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		tls := a.cfg.Server.TLS
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	a.log.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains active calls, stops the HTTP server and tears down the
// remaining subsystems. It respects the context deadline: calls still running
// when ctx expires are abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "active_calls", a.registry.Len(), "closers", len(a.closers))

		a.draining.Store(true)
		a.health.SetDraining(true)

		if err := a.registry.Drain(ctx); err != nil {
			a.log.Warn("app: call drain incomplete", "remaining", a.registry.Len(), "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("app: http shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}
		a.runClosers()

		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("app: closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config: log level and
// personas. Active calls keep the persona they started with. It is shaped as
// a config.ChangeFunc.
func (a *App) Reload(_, next *config.Config, d config.ConfigDiff) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	ctx := context.Background()
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}

	for _, ch := range d.AgentChanges {
		if !ch.Removed {
			continue
		}
		if err := a.store.Delete(ctx, ch.ID); err != nil {
			a.log.Warn("app: remove persona", "agent", ch.ID, "err", err)
		}
	}
	// The agents file is re-read on every reload since the watcher only
	// observes the main config file.
	if d.AgentsChanged || next.Agents.File != "" {
		if err := a.seedAgents(ctx, next.Agents); err != nil {
			a.log.Warn("app: reload personas", "err", err)
		}
	}

	if d.DefaultAgentChanged {
		a.dir.Store(agent.NewDirectory(a.store, d.NewDefaultAgent))
		a.log.Info("app: default persona changed", "agent", d.NewDefaultAgent)
	}
}
