package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  allowed_origins:
    - http://localhost:5173
    - https://assistant.example.com
  env: production

providers:
  dialogue:
    name: anthropic
    api_key: sk-ant-test
    model: claude-sonnet-4-20250514
  speech:
    name: elevenlabs
    api_key: el-test
    options:
      output_format: mp3_44100_128

voices:
  dir: /var/lib/voicerelay/voices
  sample_rate: 22050

chat:
  system_prompt: You are terse.

timeouts:
  clone: 90s
  synthesize: 20s

breaker:
  max_failures: 3
  reset_timeout: 10s
`

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("allowed_origins = %v, want 2 entries", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.Dialogue.Name != "anthropic" || cfg.Providers.Dialogue.APIKey != "sk-ant-test" {
		t.Errorf("dialogue = %+v", cfg.Providers.Dialogue)
	}
	if got := cfg.Providers.Speech.Options["output_format"]; got != "mp3_44100_128" {
		t.Errorf("speech output_format = %v", got)
	}
	if cfg.Voices.Dir != "/var/lib/voicerelay/voices" || cfg.Voices.SampleRate != 22050 {
		t.Errorf("voices = %+v", cfg.Voices)
	}
	if cfg.Chat.SystemPrompt != "You are terse." {
		t.Errorf("system_prompt = %q", cfg.Chat.SystemPrompt)
	}
	if cfg.Timeouts.Clone != 90*time.Second || cfg.Timeouts.Synthesize != 20*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	// Unset timeouts fall back to defaults.
	if cfg.Timeouts.List != config.DefaultListTimeout || cfg.Timeouts.Dialogue != config.DefaultDialogTimeout {
		t.Errorf("default timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if !slices.Equal(cfg.Server.AllowedOrigins, []string{config.DefaultAllowedOrigin}) {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.Dialogue.Name != config.DefaultDialogue {
		t.Errorf("dialogue name = %q", cfg.Providers.Dialogue.Name)
	}
	if cfg.Providers.Speech.Name != "local" || cfg.Providers.Speech.BaseURL != config.DefaultLocalURL {
		t.Errorf("speech = %+v", cfg.Providers.Speech)
	}
	if cfg.Voices.Dir != config.DefaultVoiceDir || cfg.Voices.SampleRate != config.DefaultSampleRate {
		t.Errorf("voices = %+v", cfg.Voices)
	}
	if cfg.Timeouts.Clone != 60*time.Second || cfg.Timeouts.Synthesize != 30*time.Second || cfg.Timeouts.List != 15*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Breaker.MaxFailures != config.DefaultMaxFailures {
		t.Errorf("breaker.max_failures = %d", cfg.Breaker.MaxFailures)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "unknown dialogue provider",
			yaml:    "providers:\n  dialogue:\n    name: eliza\n",
			wantErr: `providers.dialogue.name "eliza" is unknown`,
		},
		{
			name:    "unknown speech provider",
			yaml:    "providers:\n  speech:\n    name: coqui\n",
			wantErr: `providers.speech.name "coqui" is unknown`,
		},
		{
			name:    "openai-compatible needs base url",
			yaml:    "providers:\n  dialogue:\n    name: openai-compatible\n",
			wantErr: "base_url is required for openai-compatible",
		},
		{
			name:    "bad origin",
			yaml:    "server:\n  allowed_origins: [\"localhost:5173\"]\n",
			wantErr: "allowed_origins[0]",
		},
		{
			name:    "negative timeout",
			yaml:    "timeouts:\n  list: -1s\n",
			wantErr: "timeouts.list",
		},
		{
			name:    "negative breaker failures",
			yaml:    "breaker:\n  max_failures: -2\n",
			wantErr: "breaker.max_failures",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  dialogue:
    name: eliza
breaker:
  reset_timeout: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "eliza", "reset_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"dialogue", "speech"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
	if !slices.Contains(config.ValidProviderNames["speech"], "elevenlabs") {
		t.Error("elevenlabs should be a known speech provider")
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		cfg   config.Config
		vars  map[string]string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "keys fill empty entries",
			cfg: config.Config{Providers: config.ProvidersConfig{
				Dialogue: config.ProviderEntry{Name: "groq"},
				Speech:   config.ProviderEntry{Name: "elevenlabs"},
			}},
			vars: map[string]string{"GROQ_API_KEY": "gsk", "ELEVENLABS_API_KEY": "xi"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Providers.Dialogue.APIKey != "gsk" || cfg.Providers.Speech.APIKey != "xi" {
					t.Errorf("keys = %q, %q", cfg.Providers.Dialogue.APIKey, cfg.Providers.Speech.APIKey)
				}
			},
		},
		{
			name: "file key wins",
			cfg: config.Config{Providers: config.ProvidersConfig{
				Dialogue: config.ProviderEntry{Name: "anthropic", APIKey: "from-file"},
			}},
			vars: map[string]string{"ANTHROPIC_API_KEY": "from-env"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Providers.Dialogue.APIKey != "from-file" {
					t.Errorf("key = %q, want from-file", cfg.Providers.Dialogue.APIKey)
				}
			},
		},
		{
			name: "local speech takes no key",
			cfg: config.Config{Providers: config.ProvidersConfig{
				Speech: config.ProviderEntry{Name: "local"},
			}},
			vars: map[string]string{"ELEVENLABS_API_KEY": "xi"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Providers.Speech.APIKey != "" {
					t.Errorf("key = %q, want empty", cfg.Providers.Speech.APIKey)
				}
			},
		},
		{
			name: "listen addr and origins",
			cfg:  config.Config{Server: config.ServerConfig{ListenAddr: ":8000"}},
			vars: map[string]string{
				"VOICERELAY_LISTEN_ADDR":     "127.0.0.1:9999",
				"VOICERELAY_ALLOWED_ORIGINS": "http://a.test, https://b.test,,",
				"ENV":                        "production",
			},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Server.ListenAddr != "127.0.0.1:9999" {
					t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
				}
				if !slices.Equal(cfg.Server.AllowedOrigins, []string{"http://a.test", "https://b.test"}) {
					t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
				}
				if cfg.Server.Env != "production" {
					t.Errorf("env = %q", cfg.Server.Env)
				}
			},
		},
		{
			name: "port fills empty listen addr",
			vars: map[string]string{"PORT": "7000"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Server.ListenAddr != ":7000" {
					t.Errorf("listen_addr = %q, want :7000", cfg.Server.ListenAddr)
				}
			},
		},
		{
			name: "port does not override file",
			cfg:  config.Config{Server: config.ServerConfig{ListenAddr: ":8000"}},
			vars: map[string]string{"PORT": "7000"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Server.ListenAddr != ":8000" {
					t.Errorf("listen_addr = %q, want :8000", cfg.Server.ListenAddr)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			config.ApplyEnv(&cfg, env(tt.vars))
			tt.check(t, cfg)
		})
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  speech:\n    name: elevenlabs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ELEVENLABS_API_KEY", "xi-from-env")
	t.Setenv("VOICERELAY_LISTEN_ADDR", ":8123")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Speech.APIKey != "xi-from-env" {
		t.Errorf("speech key = %q", cfg.Providers.Speech.APIKey)
	}
	if cfg.Server.ListenAddr != ":8123" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadFromReader_ExampleConfig(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	cfg, err := config.LoadFromReader(f)
	if err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
	if cfg.Providers.Dialogue.Name != "groq" || cfg.Providers.Speech.Name != "local" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Timeouts.Clone != time.Minute {
		t.Errorf("clone timeout = %v", cfg.Timeouts.Clone)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VOICERELAY_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICERELAY_TEST_DOTENV", "")
	os.Unsetenv("VOICERELAY_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VOICERELAY_TEST_DOTENV"); got != "loaded" {
		t.Errorf("VOICERELAY_TEST_DOTENV = %q, want loaded", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateDialogue(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("dialogue: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateSpeech(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("speech: expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredDialogue(t *testing.T) {
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterDialogue("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateDialogue(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory saw model %q, want m1", gotEntry.Model)
	}
}

func TestRegistry_RegisteredSpeech(t *testing.T) {
	reg := config.NewRegistry()
	want := &ttsmock.Provider{}
	reg.RegisterSpeech("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateSpeech(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterSpeech("broken", func(e config.ProviderEntry) (tts.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateSpeech(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	for _, n := range []string{"groq", "anthropic"} {
		reg.RegisterDialogue(n, func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	}
	if got := reg.Names("dialogue"); !slices.Equal(got, []string{"anthropic", "groq"}) {
		t.Errorf("Names(dialogue) = %v", got)
	}
	if got := reg.Names("speech"); len(got) != 0 {
		t.Errorf("Names(speech) = %v, want empty", got)
	}
}
