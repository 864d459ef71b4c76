// Command voicerelay is the main entry point for the voicerelay assistant
// backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicerelay/pkg/provider/llm/openai"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voicerelay/pkg/provider/tts/local"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// defaultOpenAIModel is used for the "openai" dialogue provider when no
// model is configured.
const defaultOpenAIModel = "gpt-4o-mini"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional dotenv file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicerelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicerelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicerelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Voice registry ────────────────────────────────────────────────────────
	voices, err := voice.New(cfg.Voices.Dir, voice.WithSampleRate(cfg.Voices.SampleRate))
	if err != nil {
		slog.Error("failed to open voice registry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, deps{
		voices:   voices,
		metrics:  telemetry.Metrics,
		timeouts: cfg.Timeouts,
	})

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(telemetry.Metrics, telemetry.Handler),
		app.WithCloser(func() error { return telemetry.Shutdown(context.Background()) }),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing default config file is not an error: the
// service then runs from defaults and environment variables alone.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Load("")
	}
	return cfg, err
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// deps carries what provider factories need beyond their config entry.
type deps struct {
	voices   *voice.Registry
	metrics  *observe.Metrics
	timeouts config.TimeoutsConfig
}

// anyllmProviders are the dialogue vendors served through any-llm-go.
var anyllmProviders = []string{"anthropic", "groq", "gemini", "deepseek", "mistral"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, d deps) {
	// ── Dialogue ──────────────────────────────────────────────────────────────
	// Hosted any-llm-go vendors share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range anyllmProviders {
		reg.RegisterDialogue(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p.WithTimeout(d.timeouts.Dialogue), nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterDialogue("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p.WithTimeout(d.timeouts.Dialogue), nil
	})

	// openai and any server speaking its chat-completions API go through
	// openai-go directly.
	newOpenAI := func(entry config.ProviderEntry, model string) (llm.Provider, error) {
		opts := []openai.Option{openai.WithTimeout(d.timeouts.Dialogue)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, model, opts...)
	}
	reg.RegisterDialogue("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return newOpenAI(entry, model)
	})
	reg.RegisterDialogue("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		return newOpenAI(entry, entry.Model)
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("local", func(entry config.ProviderEntry) (tts.Provider, error) {
		var engineOpts []local.HTTPEngineOption
		if device := optString(entry.Options, "device"); device != "" {
			engineOpts = append(engineOpts, local.WithDevice(device))
		}
		engine, err := local.NewHTTPEngine(entry.BaseURL, engineOpts...)
		if err != nil {
			return nil, err
		}
		return local.New(d.voices, engine,
			local.WithSynthesisTimeout(d.timeouts.Synthesize),
			local.WithFallbackHook(func(ctx context.Context, _ string) {
				d.metrics.RecordVoiceFallback(ctx, "local")
			}),
			local.WithLoadHook(func(ctx context.Context, err error) {
				status := "ok"
				if err != nil {
					status = "error"
				}
				d.metrics.RecordModelLoad(ctx, status)
			}),
		)
	})

	reg.RegisterSpeech("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{
			elevenlabs.WithRegistry(d.voices),
			elevenlabs.WithTimeouts(d.timeouts.Clone, d.timeouts.Synthesize, d.timeouts.List),
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if optString(entry.Options, "stream_transport") == "websocket" {
			opts = append(opts, elevenlabs.WithWebSocketStreaming(true))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"dialogue", "speech"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	dialogue, err := reg.CreateDialogue(cfg.Providers.Dialogue)
	if err != nil {
		return nil, fmt.Errorf("create dialogue provider %q: %w", cfg.Providers.Dialogue.Name, err)
	}
	ps.Dialogue = dialogue
	slog.Info("provider created", "kind", "dialogue", "name", cfg.Providers.Dialogue.Name)

	speech, err := reg.CreateSpeech(cfg.Providers.Speech)
	if err != nil {
		return nil, fmt.Errorf("create speech provider %q: %w", cfg.Providers.Speech.Name, err)
	}
	ps.Speech = speech
	slog.Info("provider created", "kind", "speech", "name", cfg.Providers.Speech.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicerelay: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Dialogue", cfg.Providers.Dialogue.Name, cfg.Providers.Dialogue.Model)
	printProvider("Speech", cfg.Providers.Speech.Name, cfg.Providers.Speech.Model)
	printRow("Voices dir", cfg.Voices.Dir)
	printRow("Environment", cfg.Server.Env)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
