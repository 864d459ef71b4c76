// Package anyllm provides dialogue providers backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-vendor client. Anthropic
// and Groq are the primary vendors; the other any-llm-go backends are
// available by name.
//
// Usage:
//
//	p, err := anyllm.NewAnthropic("", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.NewGroq("llama-3.3-70b-versatile")
//
// When a call carries its own key (credential.WithAPIKey) a backend is built
// for that call with the key replacing the configured one.
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Default models per vendor.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultGroqModel      = "llama-3.3-70b-versatile"
)

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	name    string
	model   string
	opts    []anyllmlib.Option
	timeout time.Duration

	// backend is built from opts at construction. It is nil when no key was
	// configured, in which case every call must carry its own key.
	backend anyllmlib.Provider
}

// New creates a Provider for the named vendor.
//
// providerName is one of: "anthropic", "groq", "openai", "gemini", "ollama",
// "deepseek", "mistral". An empty model selects the vendor default where one
// exists.
//
// opts are any-llm-go options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without a key option the backend falls back to the
// vendor's environment variable; if that is unset too, construction still
// succeeds and calls without a per-request key fail with InvalidInput.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(providerName)
	if name == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		model = defaultModel(name)
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty for provider %q", name)
	}
	if !supported(name) {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s", name, strings.Join(supportedNames, ", "))
	}

	p := &Provider{name: name, model: model, opts: opts, timeout: llm.DefaultTimeout}
	backend, err := createBackend(name, opts...)
	if err != nil {
		slog.Warn("anyllm: no default credentials, requests must supply a key", "provider", name, "err", err)
	} else {
		p.backend = backend
	}
	return p, nil
}

// NewAnthropic creates a Provider backed by Anthropic. An empty model selects
// [DefaultAnthropicModel]. Without options it reads ANTHROPIC_API_KEY.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGroq creates a Provider backed by Groq. An empty model selects
// [DefaultGroqModel]. Without options it reads GROQ_API_KEY.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// WithTimeout returns p with each call bounded by d instead of
// llm.DefaultTimeout.
func (p *Provider) WithTimeout(d time.Duration) *Provider {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// Name returns the vendor name.
func (p *Provider) Name() string { return p.name }

// Model returns the model identifier sent with each request.
func (p *Provider) Model() string { return p.model }

var supportedNames = []string{"anthropic", "groq", "openai", "gemini", "ollama", "deepseek", "mistral"}

func supported(name string) bool {
	for _, n := range supportedNames {
		if n == name {
			return true
		}
	}
	return false
}

func defaultModel(name string) string {
	switch name {
	case "anthropic":
		return DefaultAnthropicModel
	case "groq":
		return DefaultGroqModel
	default:
		return ""
	}
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case "anthropic":
		return anthropic.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// backendFor returns the backend to use for ctx, honouring a per-call key.
func (p *Provider) backendFor(ctx context.Context, op string) (anyllmlib.Provider, error) {
	key, ok := credential.APIKey(ctx)
	if !ok {
		if p.backend == nil {
			return nil, fault.InvalidInput(op, "no %s API key configured", p.name)
		}
		return p.backend, nil
	}
	opts := make([]anyllmlib.Option, 0, len(p.opts)+1)
	opts = append(opts, p.opts...)
	opts = append(opts, anyllmlib.WithAPIKey(key))
	b, err := createBackend(p.name, opts...)
	if err != nil {
		return nil, fault.InvalidInput(op, "%s rejected the supplied API key: %v", p.name, err)
	}
	return b, nil
}

// Ask implements llm.Provider.
func (p *Provider) Ask(ctx context.Context, req llm.AskRequest) (string, error) {
	const op = "anyllm.ask"
	if err := req.Validate(); err != nil {
		return "", err
	}
	backend, err := p.backendFor(ctx, op)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return "", fault.UpstreamCause(op, fmt.Errorf("%s completion: %w", p.name, err))
	}
	if len(resp.Choices) == 0 {
		return "", fault.Upstream(op, 0, p.name+" returned no choices")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// AskStream implements llm.Provider.
func (p *Provider) AskStream(ctx context.Context, req llm.AskRequest) (<-chan llm.Fragment, error) {
	const op = "anyllm.stream"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	backend, err := p.backendFor(ctx, op)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	chunks, errs := backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Fragment, llm.StreamBuffer)
	send := func(f llm.Fragment) bool {
		select {
		case ch <- f:
			return true
		case <-parent.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		defer cancel()

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !send(llm.Fragment{Text: text}) {
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		var streamErr error
		select {
		case streamErr = <-errs:
		case <-ctx.Done():
			streamErr = ctx.Err()
		}
		if parent.Err() != nil {
			return
		}
		if streamErr != nil {
			send(llm.Fragment{Err: fault.UpstreamCause(op, fmt.Errorf("%s stream: %w", p.name, streamErr))})
		}
	}()

	return ch, nil
}

// buildParams converts an AskRequest into any-llm-go CompletionParams. The
// system prompt is always the first message.
func (p *Provider) buildParams(req llm.AskRequest) anyllmlib.CompletionParams {
	turns := req.Turns()
	messages := make([]anyllmlib.Message, 0, len(turns)+1)
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleSystem,
		Content: req.Prompt(),
	})
	for _, t := range turns {
		messages = append(messages, anyllmlib.Message{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	maxTokens := llm.MaxTokens
	return anyllmlib.CompletionParams{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: &maxTokens,
	}
}
