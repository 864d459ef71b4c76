// Package config provides the configuration schema, loader, and provider
// factory registry for the voicerelay server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr     = ":8000"
	DefaultAllowedOrigin  = "http://localhost:5173"
	DefaultDialogue       = "groq"
	DefaultSpeech         = "local"
	DefaultLocalURL       = "http://127.0.0.1:8001"
	DefaultVoiceDir       = "voices"
	DefaultSampleRate     = 24000
	DefaultCloneTimeout   = 60 * time.Second
	DefaultSynthTimeout   = 30 * time.Second
	DefaultListTimeout    = 15 * time.Second
	DefaultDialogTimeout  = 60 * time.Second
	DefaultMaxFailures    = 5
	DefaultBreakerTimeout = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Voices    VoicesConfig    `yaml:"voices"`
	Chat      ChatConfig      `yaml:"chat"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the CORS origins permitted to call the API.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Env names the deployment environment ("development", "production").
	// It only affects the gin mode.
	Env string `yaml:"env"`
}

// ProvidersConfig selects the dialogue and speech implementations. Each
// entry names a factory registered in the [Registry].
type ProvidersConfig struct {
	Dialogue ProviderEntry `yaml:"dialogue"`
	Speech   ProviderEntry `yaml:"speech"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "anthropic", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For the local
	// speech provider it is the address of the inference sidecar.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// VoicesConfig locates the on-disk voice registry.
type VoicesConfig struct {
	// Dir holds voice metadata and reference audio. Default: "voices".
	Dir string `yaml:"dir"`

	// SampleRate is the rate reference audio is normalised to. Default: 24000.
	SampleRate int `yaml:"sample_rate"`
}

// ChatConfig holds dialogue defaults.
type ChatConfig struct {
	// SystemPrompt replaces the built-in prompt when a request carries none.
	SystemPrompt string `yaml:"system_prompt"`
}

// TimeoutsConfig bounds each provider operation.
type TimeoutsConfig struct {
	Clone      time.Duration `yaml:"clone"`
	Synthesize time.Duration `yaml:"synthesize"`
	List       time.Duration `yaml:"list"`
	Dialogue   time.Duration `yaml:"dialogue"`
}

// BreakerConfig tunes the circuit breakers guarding each provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive upstream failures that open
	// the circuit. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{DefaultAllowedOrigin}
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "development"
	}
	if cfg.Providers.Dialogue.Name == "" {
		cfg.Providers.Dialogue.Name = DefaultDialogue
	}
	if cfg.Providers.Speech.Name == "" {
		cfg.Providers.Speech.Name = DefaultSpeech
	}
	if cfg.Providers.Speech.Name == "local" && cfg.Providers.Speech.BaseURL == "" {
		cfg.Providers.Speech.BaseURL = DefaultLocalURL
	}
	if cfg.Voices.Dir == "" {
		cfg.Voices.Dir = DefaultVoiceDir
	}
	if cfg.Voices.SampleRate == 0 {
		cfg.Voices.SampleRate = DefaultSampleRate
	}
	if cfg.Timeouts.Clone == 0 {
		cfg.Timeouts.Clone = DefaultCloneTimeout
	}
	if cfg.Timeouts.Synthesize == 0 {
		cfg.Timeouts.Synthesize = DefaultSynthTimeout
	}
	if cfg.Timeouts.List == 0 {
		cfg.Timeouts.List = DefaultListTimeout
	}
	if cfg.Timeouts.Dialogue == 0 {
		cfg.Timeouts.Dialogue = DefaultDialogTimeout
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultBreakerTimeout
	}
}
