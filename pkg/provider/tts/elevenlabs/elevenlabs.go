// Package elevenlabs provides a hosted speech provider backed by the
// ElevenLabs REST API, with an optional WebSocket streaming transport. It
// implements the tts.Provider interface.
//
// Voices live in the ElevenLabs account. When a [voice.Registry] is supplied
// the provider also records each cloned voice's handle locally, so the rest of
// the system can resolve names without a round-trip.
//
// Every call resolves its API key through [credential.Resolve], letting a
// request carry its own key in place of the configured one.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL   = "https://api.elevenlabs.io/v1"
	defaultModel     = "eleven_turbo_v2_5"
	defaultOutputFmt = "mp3_44100_128"
	cloneDescription = "Voice clone for AI agent"
	clonedCategory   = "cloned"
	apiKeyHeader     = "xi-api-key"

	defaultCloneTimeout     = 60 * time.Second
	defaultSynthesisTimeout = 30 * time.Second
	defaultListTimeout      = 15 * time.Second

	// streamReadSize is the read size used when relaying a streamed response.
	streamReadSize = 1024
	streamChanBuf  = 64
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the REST base URL. The WebSocket URL is derived from
// it.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client. Per-operation deadlines are
// applied through the request context regardless of the client's Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithRegistry records cloned voices in r and removes them on delete.
func WithRegistry(r *voice.Registry) Option {
	return func(p *Provider) {
		p.registry = r
	}
}

// WithWebSocketStreaming selects the stream-input WebSocket endpoint for
// SynthesizeStream instead of the chunked HTTP endpoint.
func WithWebSocketStreaming(enabled bool) Option {
	return func(p *Provider) {
		p.websocket = enabled
	}
}

// WithOutputFormat sets the audio format requested over WebSocket
// (e.g., "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithTimeouts overrides the per-operation deadlines. Zero values keep the
// defaults of 60 s, 30 s, and 15 s.
func WithTimeouts(clone, synthesis, list time.Duration) Option {
	return func(p *Provider) {
		if clone > 0 {
			p.cloneTimeout = clone
		}
		if synthesis > 0 {
			p.synthTimeout = synthesis
		}
		if list > 0 {
			p.listTimeout = list
		}
	}
}

// Provider implements tts.Provider backed by ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	outputFormat string
	websocket    bool
	httpClient   *http.Client
	registry     *voice.Registry

	cloneTimeout time.Duration
	synthTimeout time.Duration
	listTimeout  time.Duration
}

// New creates a new ElevenLabs Provider. apiKey may be empty when every
// request supplies its own key through the context.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
		cloneTimeout: defaultCloneTimeout,
		synthTimeout: defaultSynthesisTimeout,
		listTimeout:  defaultListTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.model == "" {
		return nil, errors.New("elevenlabs: model must not be empty")
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return nil, fmt.Errorf("elevenlabs: invalid base URL: %w", err)
	}
	return p, nil
}

// MediaType implements tts.Provider.
func (p *Provider) MediaType() string { return tts.MediaTypeMPEG }

// ---- request/response types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// ttsRequest is the JSON body of POST /text-to-speech/{voice_id}[/stream].
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// addVoiceResponse is the JSON body returned by POST /voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// voicesResponse is the top-level response from GET /voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ---- CloneVoice ----

// CloneVoice uploads samples to POST /voices/add and returns the hosted voice.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples []voice.Sample) (types.Voice, error) {
	const op = "elevenlabs.clone"
	if strings.TrimSpace(name) == "" {
		return types.Voice{}, fault.InvalidInput(op, "name must not be empty")
	}
	if len(samples) == 0 {
		return types.Voice{}, fault.InvalidInput(op, "at least one audio sample is required")
	}
	for i, s := range samples {
		if len(s.Data) == 0 {
			return types.Voice{}, fault.InvalidInput(op, "sample %d (%q) is empty", i, s.Filename)
		}
	}

	body, contentType, err := buildCloneForm(name, samples)
	if err != nil {
		return types.Voice{}, fault.Internal(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cloneTimeout)
	defer cancel()
	resp, err := p.do(ctx, op, http.MethodPost, "/voices/add", contentType, body)
	if err != nil {
		return types.Voice{}, err
	}
	defer resp.Body.Close()

	var ar addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return types.Voice{}, fault.UpstreamCause(op, fmt.Errorf("decode response: %w", err))
	}
	if ar.VoiceID == "" {
		return types.Voice{}, fault.Upstream(op, resp.StatusCode, "response carried no voice_id")
	}

	v := types.Voice{ID: ar.VoiceID, Name: name, Reference: ar.VoiceID, Hosted: true, CreatedAt: time.Now().UTC()}
	if p.registry != nil {
		if err := p.registry.Record(ctx, v); err != nil {
			slog.Warn("elevenlabs: cloned voice not recorded locally", "voice_id", v.ID, "err", err)
		}
	}
	slog.Info("elevenlabs: voice cloned", "voice_id", v.ID, "name", name, "samples", len(samples))
	return v, nil
}

// buildCloneForm encodes the multipart body for POST /voices/add.
func buildCloneForm(name string, samples []voice.Sample) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return nil, "", fmt.Errorf("write name field: %w", err)
	}
	if err := mw.WriteField("description", cloneDescription); err != nil {
		return nil, "", fmt.Errorf("write description field: %w", err)
	}
	for i, s := range samples {
		filename := s.Filename
		if filename == "" {
			filename = fmt.Sprintf("sample_%d.webm", i)
		}
		fw, err := mw.CreateFormFile("files", filename)
		if err != nil {
			return nil, "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := fw.Write(s.Data); err != nil {
			return nil, "", fmt.Errorf("write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// ---- Synthesize ----

// Synthesize renders req via POST /text-to-speech/{voice_id}.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	const op = "elevenlabs.synthesize"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.synthTimeout)
	defer cancel()

	resp, err := p.postTTS(ctx, op, "/text-to-speech/"+url.PathEscape(req.VoiceID), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.UpstreamCause(op, fmt.Errorf("read audio: %w", err))
	}
	return &tts.SynthesisResult{Audio: audio, MediaType: tts.MediaTypeMPEG}, nil
}

func (p *Provider) postTTS(ctx context.Context, op, path string, req tts.SynthesisRequest) (*http.Response, error) {
	payload, err := json.Marshal(buildTTSRequest(req, p.model))
	if err != nil {
		return nil, fault.Internal(op, err)
	}
	return p.do(ctx, op, http.MethodPost, path, "application/json", bytes.NewReader(payload))
}

func buildTTSRequest(req tts.SynthesisRequest, model string) ttsRequest {
	return ttsRequest{
		Text:    req.Text,
		ModelID: model,
		VoiceSettings: voiceSettings{
			Stability:       req.Stability,
			SimilarityBoost: req.SimilarityBoost,
			Style:           req.Style,
		},
	}
}

// ---- ListVoices ----

// ListVoices returns the account's cloned voices. Premade and other built-in
// voices are filtered out.
func (p *Provider) ListVoices(ctx context.Context) ([]types.Voice, error) {
	const op = "elevenlabs.list"
	ctx, cancel := context.WithTimeout(ctx, p.listTimeout)
	defer cancel()

	resp, err := p.do(ctx, op, http.MethodGet, "/voices", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.UpstreamCause(op, fmt.Errorf("read response: %w", err))
	}
	voices, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fault.UpstreamCause(op, fmt.Errorf("decode response: %w", err))
	}
	return voices, nil
}

// parseVoicesResponse parses a GET /voices body into the cloned voices it
// lists.
func parseVoicesResponse(data []byte) ([]types.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	voices := make([]types.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		if v.Category != clonedCategory {
			continue
		}
		voices = append(voices, types.Voice{
			ID:        v.VoiceID,
			Name:      v.Name,
			Reference: v.VoiceID,
			Hosted:    true,
		})
	}
	return voices, nil
}

// ---- DeleteVoice ----

// DeleteVoice removes the voice from the account. A 404 from ElevenLabs
// reports false; any other failure is an upstream error.
func (p *Provider) DeleteVoice(ctx context.Context, id string) (bool, error) {
	const op = "elevenlabs.delete"
	if id == "" {
		return false, fault.InvalidInput(op, "voice_id must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, p.listTimeout)
	defer cancel()

	resp, err := p.do(ctx, op, http.MethodDelete, "/voices/"+url.PathEscape(id), "", nil)
	deleted := err == nil
	if err != nil {
		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
			return false, err
		}
	} else {
		resp.Body.Close()
	}

	if p.registry != nil {
		if _, rerr := p.registry.Delete(ctx, id); rerr != nil {
			slog.Warn("elevenlabs: local record not removed", "voice_id", id, "err", rerr)
		}
	}
	return deleted, nil
}

// ---- transport ----

// do issues a request and converts transport failures and non-2xx responses
// into upstream faults. On success the caller owns resp.Body.
func (p *Provider) do(ctx context.Context, op, method, path, contentType string, body io.Reader) (*http.Response, error) {
	key := credential.Resolve(ctx, p.apiKey)
	if key == "" {
		return nil, fault.InvalidInput(op, "no ElevenLabs API key configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fault.Internal(op, err)
	}
	req.Header.Set(apiKeyHeader, key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.HasPrefix(path, "/text-to-speech/") {
		req.Header.Set("Accept", tts.MediaTypeMPEG)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fault.UpstreamCause(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fault.Upstream(op, resp.StatusCode, errorMessage(data, resp.Status))
	}
	return resp, nil
}

// errorMessage extracts the provider's message from an error body. ElevenLabs
// answers either {"detail": "text"} or {"detail": {"status": ..., "message": ...}}.
func errorMessage(body []byte, status string) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &env) == nil && len(env.Detail) > 0 {
		var s string
		if json.Unmarshal(env.Detail, &s) == nil && s != "" {
			return s
		}
		var d struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Detail, &d) == nil && d.Message != "" {
			return d.Message
		}
		return string(env.Detail)
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return status
}
