package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"dialogue": {"anthropic", "groq", "openai", "gemini", "ollama", "deepseek", "mistral", "openai-compatible"},
	"speech":   {"local", "elevenlabs"},
}

// apiKeyEnv maps provider names to the environment variable that supplies
// their API key when the config file leaves it empty.
var apiKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
}

// LoadDotEnv loads environment variables from the given .env files. Missing
// files are skipped; variables already set in the process win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// skips the file and builds the config from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if cfg, err = decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg:
//
//   - VOICERELAY_LISTEN_ADDR replaces server.listen_addr; PORT is used when
//     it is unset and the file leaves listen_addr empty.
//   - VOICERELAY_ALLOWED_ORIGINS (comma separated) replaces server.allowed_origins.
//   - ENV replaces server.env.
//   - Provider API keys (ANTHROPIC_API_KEY, GROQ_API_KEY, OPENAI_API_KEY,
//     ELEVENLABS_API_KEY, ...) fill providers.*.api_key when it is empty.
//
// lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("VOICERELAY_LISTEN_ADDR"); ok && v != "" {
		cfg.Server.ListenAddr = v
	} else if v, ok := lookup("PORT"); ok && v != "" && cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := lookup("VOICERELAY_ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for o := range strings.SplitSeq(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if v, ok := lookup("ENV"); ok && v != "" {
		cfg.Server.Env = v
	}
	fillAPIKey(&cfg.Providers.Dialogue, lookup)
	fillAPIKey(&cfg.Providers.Speech, lookup)
}

func fillAPIKey(e *ProviderEntry, lookup func(string) (string, bool)) {
	if e.APIKey != "" {
		return
	}
	name, ok := apiKeyEnv[e.Name]
	if !ok {
		return
	}
	if v, ok := lookup(name); ok {
		e.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	for i, o := range cfg.Server.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q must be \"*\" or an http(s) origin", i, o))
		}
	}

	// Providers
	errs = append(errs, validateProviderName("dialogue", cfg.Providers.Dialogue.Name)...)
	errs = append(errs, validateProviderName("speech", cfg.Providers.Speech.Name)...)
	if cfg.Providers.Speech.Name == "local" && cfg.Providers.Speech.BaseURL == "" {
		errs = append(errs, errors.New("providers.speech.base_url is required for the local provider"))
	}
	if cfg.Providers.Dialogue.Name == "openai-compatible" && cfg.Providers.Dialogue.BaseURL == "" {
		errs = append(errs, errors.New("providers.dialogue.base_url is required for openai-compatible"))
	}
	warnMissingKey("dialogue", cfg.Providers.Dialogue)
	warnMissingKey("speech", cfg.Providers.Speech)

	// Voices
	if cfg.Voices.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("voices.sample_rate %d must be positive", cfg.Voices.SampleRate))
	}

	// Timeouts
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"clone", cfg.Timeouts.Clone},
		{"synthesize", cfg.Timeouts.Synthesize},
		{"list", cfg.Timeouts.List},
		{"dialogue", cfg.Timeouts.Dialogue},
	} {
		if t.d < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must not be negative", t.name))
		}
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName rejects a name that is empty or not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) []error {
	known := ValidProviderNames[kind]
	if name == "" {
		return []error{fmt.Errorf("providers.%s.name is required; valid values: %s", kind, strings.Join(known, ", "))}
	}
	if slices.Contains(known, name) {
		return nil
	}
	return []error{fmt.Errorf("providers.%s.name %q is unknown; valid values: %s", kind, name, strings.Join(known, ", "))}
}

// warnMissingKey logs when a hosted provider has no configured key. Requests
// can still succeed with a per-request key header.
func warnMissingKey(kind string, e ProviderEntry) {
	if _, hosted := apiKeyEnv[e.Name]; !hosted || e.APIKey != "" {
		return
	}
	slog.Warn("provider has no API key; requests must supply one per call",
		"kind", kind,
		"name", e.Name,
		"env", apiKeyEnv[e.Name],
	)
}
