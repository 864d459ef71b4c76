// Package app wires the voicerelay subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New guards the providers, builds
// the probes and the gin router, Run serves HTTP until the context ends, and
// Shutdown drains in-flight requests and runs the registered closers.
//
// For testing, inject mock providers through [Providers] and a listener via
// [WithListener]. When an option is not provided, New falls back to the
// package-level metrics and listens on the configured address.
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

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/httpapi"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// readHeaderTimeout bounds how long a client may take to send headers.
// Bodies and responses are unbounded because audio streams are long-lived.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider role. Both are required.
// Populated by main.go via the config registry.
type Providers struct {
	Dialogue llm.Provider
	Speech   tts.Provider
}

// warmer is implemented by speech providers that load a model on first use.
type warmer interface {
	Warm(ctx context.Context) error
	Loaded() bool
}

// App owns all subsystem lifetimes and serves the voicerelay API.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	dialogue *resilience.Dialogue
	speech   *resilience.Speech
	model    warmer
	probes   *health.Handler
	handler  http.Handler
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records provider, breaker, and HTTP metrics on m and serves h
// at /metrics. A nil h leaves /metrics unmounted.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown after the HTTP server has
// drained.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the providers into the HTTP surface. The
// providers struct comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.Dialogue == nil || providers.Speech == nil {
		return nil, errors.New("app: dialogue and speech providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider guards ───────────────────────────────────────────────
	a.initGuards()

	// ── 2. Probes ────────────────────────────────────────────────────────
	a.initProbes()

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	slog.InfoContext(ctx, "app initialised",
		"dialogue", cfg.Providers.Dialogue.Name,
		"speech", cfg.Providers.Speech.Name,
		"voices_dir", cfg.Voices.Dir,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initGuards wraps each provider in its own circuit breaker.
func (a *App) initGuards() {
	onChange := func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		a.metrics.RecordBreakerState(context.Background(), name, int64(to))
	}
	newBreaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.Config{
			Name:          name,
			MaxFailures:   a.cfg.Breaker.MaxFailures,
			ResetTimeout:  a.cfg.Breaker.ResetTimeout,
			OnStateChange: onChange,
		})
	}

	a.dialogue = resilience.GuardDialogue(a.providers.Dialogue, newBreaker("dialogue"),
		resilience.WithMetrics(a.metrics),
		resilience.WithProviderName(a.cfg.Providers.Dialogue.Name),
	)
	a.speech = resilience.GuardSpeech(a.providers.Speech, newBreaker("speech"),
		resilience.WithMetrics(a.metrics),
		resilience.WithProviderName(a.cfg.Providers.Speech.Name),
	)
}

// initProbes builds the readiness checks. The model check is only added when
// the speech provider is asked to preload, since a lazily loaded model is
// not a readiness failure.
func (a *App) initProbes() {
	checks := []health.Checker{
		health.DirWritable("voice_dir", a.cfg.Voices.Dir),
		health.Configured("dialogue", dialogueConfigured(a.cfg.Providers.Dialogue)),
		health.Configured("speech", speechConfigured(a.cfg.Providers.Speech)),
	}
	if w, ok := a.providers.Speech.(warmer); ok && optBool(a.cfg.Providers.Speech.Options, "preload") {
		a.model = w
		checks = append(checks, health.Ready("speech_model", w.Loaded, "model not loaded yet"))
	}
	a.probes = health.New(checks...)
}

func (a *App) initHTTP() error {
	api, err := httpapi.New(a.dialogue, a.speech,
		httpapi.WithMetrics(a.metrics),
		httpapi.WithSystemPrompt(a.cfg.Chat.SystemPrompt),
		httpapi.WithInfo(httpapi.Info{
			DialogueProvider:   a.cfg.Providers.Dialogue.Name,
			SpeechProvider:     a.cfg.Providers.Speech.Name,
			DialogueConfigured: dialogueConfigured(a.cfg.Providers.Dialogue),
			SpeechConfigured:   speechConfigured(a.cfg.Providers.Speech),
		}),
	)
	if err != nil {
		return err
	}

	engine := httpapi.Build(api, httpapi.Options{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Release:        a.cfg.Server.Env == "production",
		Health:         a.probes,
		Metrics:        a.metricsHandler,
	})
	a.handler = observe.Middleware(a.metrics)(engine)
	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// call Shutdown afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	if a.model != nil {
		go a.warm(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", a.Addr())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the address the server listens on.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.srv.Addr
}

func (a *App) warm(ctx context.Context) {
	start := time.Now()
	if err := a.model.Warm(ctx); err != nil {
		if ctx.Err() == nil {
			slog.Error("speech model preload failed", "err", err)
		}
		return
	}
	slog.Info("speech model preloaded", "duration", time.Since(start))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, waits for in-flight requests, and
// then runs the closers in order. It respects the context deadline: if ctx
// expires, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
			if ctx.Err() != nil {
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// keylessDialogue lists dialogue backends that need no API key.
var keylessDialogue = map[string]bool{
	"ollama":            true,
	"openai-compatible": true,
}

func dialogueConfigured(e config.ProviderEntry) bool {
	return e.APIKey != "" || keylessDialogue[e.Name]
}

func speechConfigured(e config.ProviderEntry) bool {
	return e.Name == "local" || e.APIKey != ""
}

// optBool reads a boolean from a provider options map, accepting YAML
// booleans and the strings "true"/"false".
func optBool(opts map[string]any, key string) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
