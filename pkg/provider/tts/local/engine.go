package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/fault"
)

// Engine loads a speech model. Load is expensive and is called at most once
// per successful load by [Provider].
type Engine interface {
	Load(ctx context.Context) (Model, error)
}

// Model is a loaded speech model.
type Model interface {
	// Generate renders req.Text and returns a WAV payload. An empty
	// req.ReferencePath selects the model's built-in voice.
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)

	// SampleRate is the rate of the generated audio in Hz.
	SampleRate() int
}

// GenerateRequest is one synthesis call into the model.
type GenerateRequest struct {
	Text          string
	ReferencePath string
	Exaggeration  float64
	CFGWeight     float64
}

// ---- HTTP sidecar engine ----

const (
	loadEndpoint     = "/load"
	generateEndpoint = "/generate"

	defaultEngineTimeout = 60 * time.Second
)

// HTTPEngineOption is a functional option for configuring an [HTTPEngine].
type HTTPEngineOption func(*HTTPEngine)

// WithEngineTimeout sets the per-request HTTP timeout for calls to the
// inference server. Defaults to 60 s.
func WithEngineTimeout(d time.Duration) HTTPEngineOption {
	return func(e *HTTPEngine) {
		e.httpClient.Timeout = d
	}
}

// WithDevice selects the inference device requested at load time
// (e.g. "cuda", "cpu"). Empty lets the server decide.
func WithDevice(device string) HTTPEngineOption {
	return func(e *HTTPEngine) {
		e.device = device
	}
}

// HTTPEngine drives a Chatterbox inference server running beside this
// process. The server keeps the model weights in its own memory;
// POST /load asks it to load them and POST /generate renders one utterance.
// Reference audio is passed by path, so the server must share the voice
// registry's filesystem.
type HTTPEngine struct {
	serverURL  string
	device     string
	httpClient *http.Client
}

// NewHTTPEngine returns an engine targeting the server at serverURL
// (e.g. "http://localhost:8004").
func NewHTTPEngine(serverURL string, opts ...HTTPEngineOption) (*HTTPEngine, error) {
	if serverURL == "" {
		return nil, errors.New("local: serverURL must not be empty")
	}
	e := &HTTPEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultEngineTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

type loadRequest struct {
	Device string `json:"device,omitempty"`
}

type loadResponse struct {
	Status     string `json:"status"`
	SampleRate int    `json:"sample_rate"`
}

type generateRequest struct {
	Text            string  `json:"text"`
	AudioPromptPath string  `json:"audio_prompt_path,omitempty"`
	Exaggeration    float64 `json:"exaggeration"`
	CFGWeight       float64 `json:"cfg_weight"`
}

// Load implements [Engine].
func (e *HTTPEngine) Load(ctx context.Context) (Model, error) {
	const op = "local.load"
	body, err := e.post(ctx, op, loadEndpoint, loadRequest{Device: e.device})
	if err != nil {
		return nil, err
	}
	var lr loadResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, op, "decode load response", err)
	}
	return &httpModel{engine: e, sampleRate: lr.SampleRate}, nil
}

// httpModel is the handle returned by a successful [HTTPEngine.Load].
type httpModel struct {
	engine     *HTTPEngine
	sampleRate int
}

// SampleRate implements [Model]. Servers that do not report a rate are
// assumed to produce 24 kHz.
func (m *httpModel) SampleRate() int {
	if m.sampleRate <= 0 {
		return 24000
	}
	return m.sampleRate
}

// Generate implements [Model].
func (m *httpModel) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	const op = "local.generate"
	wav, err := m.engine.post(ctx, op, generateEndpoint, generateRequest{
		Text:            req.Text,
		AudioPromptPath: req.ReferencePath,
		Exaggeration:    req.Exaggeration,
		CFGWeight:       req.CFGWeight,
	})
	if err != nil {
		return nil, err
	}
	if audio.Sniff(wav) != audio.ContainerWAV {
		return nil, fault.Newf(fault.KindUpstream, op, "inference server returned %d bytes that are not WAV", len(wav))
	}
	return wav, nil
}

func (e *HTTPEngine) post(ctx context.Context, op, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Internal(op, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fault.Internal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fault.UpstreamCause(op, fmt.Errorf("POST %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.UpstreamCause(op, fmt.Errorf("read %s response: %w", endpoint, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Upstream(op, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// errorMessage extracts {"detail": "..."} from an error body, falling back to
// the raw text.
func errorMessage(body []byte) string {
	var d struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &d) == nil && d.Detail != "" {
		return d.Detail
	}
	return strings.TrimSpace(string(body))
}
