// Package app wires all Mira subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// subsystems from config, Run serves the admin endpoint and watches the
// config file, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCredentials,
// WithTurnSink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miravoice/mira/internal/config"
	"github.com/miravoice/mira/internal/credentials"
	"github.com/miravoice/mira/internal/health"
	"github.com/miravoice/mira/internal/mood"
	"github.com/miravoice/mira/internal/observe"
	"github.com/miravoice/mira/internal/persist"
	"github.com/miravoice/mira/pkg/capture"
	"github.com/miravoice/mira/pkg/playback"
)

// shutdownTimeout bounds the HTTP server drain during shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the Mira voice pipeline.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	captureDev  capture.Device
	playbackDev playback.Device

	creds    credentials.Provider
	sink     persist.TurnSink
	store    *persist.Store
	analyzer *mood.Analyzer
	metrics  *observe.Metrics
	levelVar *slog.LevelVar

	sessions  *SessionManager
	watchPath string
	watcher   *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCredentials injects an API key source instead of creating one from config.
func WithCredentials(p credentials.Provider) Option {
	return func(a *App) { a.creds = p }
}

// WithTurnSink injects a turn sink instead of creating one from config.
func WithTurnSink(s persist.TurnSink) Option {
	return func(a *App) { a.sink = s }
}

// WithMoodAnalyzer injects a mood analyzer instead of creating one from config.
func WithMoodAnalyzer(m *mood.Analyzer) Option {
	return func(a *App) { a.analyzer = m }
}

// WithMetrics overrides the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config hot reloads can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigWatch makes Run watch the config file at path and apply supported
// changes without a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the credential
// source, the turn store, and the mood classifier. Session devices are
// injected; they are not touched until a session starts.
func New(ctx context.Context, cfg *config.Config, captureDev capture.Device, playbackDev playback.Device, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		captureDev:  captureDev,
		playbackDev: playbackDev,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initCredentials(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}
	if err := a.initPersistence(ctx); err != nil {
		return nil, fmt.Errorf("app: init persistence: %w", err)
	}
	if err := a.initMood(); err != nil {
		return nil, fmt.Errorf("app: init mood: %w", err)
	}

	a.sessions = NewSessionManager(a)
	return a, nil
}

// initCredentials chooses between the static dev key and the credential
// endpoint client.
func (a *App) initCredentials() error {
	if a.creds != nil {
		return nil
	}
	switch {
	case a.cfg.Transport.APIKey != "":
		a.creds = credentials.StaticProvider(a.cfg.Transport.APIKey)
	case a.cfg.Transport.CredentialEndpoint != "":
		a.creds = credentials.NewClient(a.cfg.Transport.CredentialEndpoint)
	default:
		return fmt.Errorf("transport needs either api_key or credential_endpoint")
	}
	return nil
}

// initPersistence connects the PostgreSQL turn store, or falls back to the
// in-memory sink when persistence is not configured.
func (a *App) initPersistence(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	dsn := a.cfg.Persistence.PostgresDSN
	if dsn == "" {
		slog.Info("persistence disabled, conversation turns stay in memory")
		a.sink = &persist.MemorySink{}
		return nil
	}

	store, err := persist.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.sink = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMood builds the turn mood classifier when configured.
func (a *App) initMood() error {
	if a.analyzer != nil || a.cfg.Mood.APIKey == "" {
		return nil
	}

	var opts []mood.Option
	if a.cfg.Mood.Model != "" {
		opts = append(opts, mood.WithModel(a.cfg.Mood.Model))
	}
	if a.cfg.Mood.BaseURL != "" {
		opts = append(opts, mood.WithBaseURL(a.cfg.Mood.BaseURL))
	}
	analyzer, err := mood.New(a.cfg.Mood.APIKey, opts...)
	if err != nil {
		return err
	}
	a.analyzer = analyzer
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the current configuration snapshot. Hot reloads swap the
// pointer; callers must not mutate the result.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoint and the config watcher until ctx is
// cancelled, then drains the HTTP server and stops the active session.
func (a *App) Run(ctx context.Context) error {
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.applyConfigChange)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	g, ctx := errgroup.WithContext(ctx)

	addr := a.Config().Server.ListenAddr
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.Handler()}

		g.Go(func() error {
			slog.Info("admin endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.sessions.Stop()
		return nil
	})

	return g.Wait()
}

// Handler builds the admin HTTP handler: health probes and the Prometheus
// scrape endpoint, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Database(a.store))
	}
	if ep := a.Config().Transport.CredentialEndpoint; ep != "" {
		checkers = append(checkers, health.Endpoint("credentials", ep))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// applyConfigChange reacts to a validated config file change. Log level
// updates apply immediately; persona and voice changes take effect on the
// next session.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(slogLevel(d.NewLogLevel))
		}
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.PersonaChanged || d.VoiceChanged {
		slog.Info("persona or voice changed, applies to the next session",
			"voice", new.Transport.Voice,
			"persona", new.Persona.Name,
		)
	}
}

// slogLevel maps the config level onto slog's scale.
func slogLevel(l config.LogLevel) slog.Level {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and tears down subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.sessions.Stop()

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
