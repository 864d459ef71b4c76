// Package openai provides a dialogue provider backed by the OpenAI chat
// completions API or any endpoint that speaks it (vLLM, LM Studio, Ollama's
// /v1 surface).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client  oai.Client
	model   string
	apiKey  string
	keyless bool
	timeout time.Duration
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. A provider with a
// custom base URL may run without an API key.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout bounds each call, streaming included. Defaults to
// llm.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a new OpenAI dialogue Provider. apiKey may be empty when a
// base URL is configured or when every call carries its own key.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{timeout: llm.DefaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		// Each call is a single attempt; failures surface to the caller.
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Provider{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		apiKey:  apiKey,
		keyless: cfg.baseURL != "",
		timeout: cfg.timeout,
	}, nil
}

// Model returns the model identifier sent with each request.
func (p *Provider) Model() string { return p.model }

// callOptions returns the per-call SDK options, applying a key carried in ctx.
func (p *Provider) callOptions(ctx context.Context, op string) ([]option.RequestOption, error) {
	key := credential.Resolve(ctx, p.apiKey)
	if key == "" {
		if p.keyless {
			return nil, nil
		}
		return nil, fault.InvalidInput(op, "no OpenAI API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// Ask implements llm.Provider.
func (p *Provider) Ask(ctx context.Context, req llm.AskRequest) (string, error) {
	const op = "openai.ask"
	if err := req.Validate(); err != nil {
		return "", err
	}
	callOpts, err := p.callOptions(ctx, op)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req), callOpts...)
	if err != nil {
		return "", upstream(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.Upstream(op, 0, "empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// AskStream implements llm.Provider.
func (p *Provider) AskStream(ctx context.Context, req llm.AskRequest) (<-chan llm.Fragment, error) {
	const op = "openai.stream"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	callOpts, err := p.callOptions(ctx, op)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req), callOpts...)
	if err := stream.Err(); err != nil {
		cancel()
		stream.Close()
		return nil, upstream(op, err)
	}

	ch := make(chan llm.Fragment, llm.StreamBuffer)
	go func() {
		defer close(ch)
		defer cancel()
		defer stream.Close()

		send := func(f llm.Fragment) bool {
			select {
			case ch <- f:
				return true
			case <-parent.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
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

		if parent.Err() != nil {
			return
		}
		if err := stream.Err(); err != nil {
			send(llm.Fragment{Err: upstream(op, err)})
		}
	}()

	return ch, nil
}

// buildParams converts an AskRequest into OpenAI SDK params. The system
// prompt is always the first message.
func (p *Provider) buildParams(req llm.AskRequest) oai.ChatCompletionNewParams {
	turns := req.Turns()
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, oai.SystemMessage(req.Prompt()))
	for _, t := range turns {
		messages = append(messages, convertTurn(t))
	}
	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: param.NewOpt(int64(llm.MaxTokens)),
	}
}

// convertTurn converts a conversation turn to an OpenAI SDK message param.
// Roles are validated before this point.
func convertTurn(t types.Turn) oai.ChatCompletionMessageParamUnion {
	if t.Role == types.RoleAssistant {
		return oai.AssistantMessage(t.Content)
	}
	return oai.UserMessage(t.Content)
}

// upstream converts an SDK error into an Upstream fault, keeping the vendor's
// status and message.
func upstream(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return fault.Upstream(op, apiErr.StatusCode, msg)
	}
	return fault.UpstreamCause(op, err)
}
