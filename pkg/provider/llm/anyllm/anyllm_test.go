package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/types"
)

// ── constructor ──────────────────────────────────────────────────────────────

func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "some-model"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNew_ModelRequiredWithoutDefault(t *testing.T) {
	if _, err := New("openai", "", anyllmlib.WithAPIKey("sk-test")); err == nil {
		t.Fatal("expected error for empty model on a vendor without default")
	}
}

func TestNew_VendorDefaults(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
		want string
	}{
		{"anthropic", func() (*Provider, error) { return NewAnthropic("", anyllmlib.WithAPIKey("sk-ant-test")) }, DefaultAnthropicModel},
		{"groq", func() (*Provider, error) { return NewGroq("", anyllmlib.WithAPIKey("gsk-test")) }, DefaultGroqModel},
		{"explicit", func() (*Provider, error) { return NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("k")) }, "claude-3-5-haiku-latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Model() != tt.want {
				t.Errorf("model = %q, want %q", p.Model(), tt.want)
			}
			if p.backend == nil {
				t.Error("expected backend to be built when a key is supplied")
			}
		})
	}
}

func TestNew_MissingKeyDefersToRequest(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p, err := NewAnthropic("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.backend != nil {
		t.Fatal("expected no default backend without a key")
	}
	_, err = p.Ask(context.Background(), llm.AskRequest{Question: "hi"})
	if !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want InvalidInput", err)
	}
}

// ── buildParams ──────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirstAndHistoryInOrder(t *testing.T) {
	p := &Provider{name: "anthropic", model: DefaultAnthropicModel}
	params := p.buildParams(llm.AskRequest{
		History: []types.Turn{
			{Role: types.RoleUser, Content: "one"},
			{Role: types.RoleAssistant, Content: "two"},
		},
		Question: "three",
	})
	if params.Model != DefaultAnthropicModel {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens == nil || *params.MaxTokens != llm.MaxTokens {
		t.Errorf("MaxTokens = %v, want %d", params.MaxTokens, llm.MaxTokens)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != llm.DefaultSystemPrompt {
		t.Errorf("messages[0] = %+v", params.Messages[0])
	}
	wantRoles := []string{"user", "assistant", "user"}
	wantText := []string{"one", "two", "three"}
	for i := range wantRoles {
		m := params.Messages[i+1]
		if m.Role != wantRoles[i] || m.ContentString() != wantText[i] {
			t.Errorf("messages[%d] = %s/%q, want %s/%q", i+1, m.Role, m.ContentString(), wantRoles[i], wantText[i])
		}
	}
}

func TestBuildParams_CustomSystemPrompt(t *testing.T) {
	p := &Provider{name: "groq", model: DefaultGroqModel}
	params := p.buildParams(llm.AskRequest{Question: "q", SystemPrompt: "Answer in German."})
	if got := params.Messages[0].ContentString(); got != "Answer in German." {
		t.Errorf("system prompt = %q", got)
	}
}

// ── round trips through the OpenAI-compatible backend ────────────────────────

// fakeVendor is an OpenAI-compatible chat endpoint.
type fakeVendor struct {
	mu      sync.Mutex
	keys    []string
	bodies  []map[string]any
	answer  []string
	status  int
	message string
}

func (f *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.keys = append(f.keys, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprintf(w, `{"error":{"message":%q,"type":"invalid_request_error"}}`, f.message)
		return
	}

	if stream, _ := body["stream"].(bool); stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range f.answer {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`,
		strings.Join(f.answer, ""))
}

func newCompatProvider(t *testing.T, f *fakeVendor) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("configured-key"), anyllmlib.WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAsk_ReturnsAnswer(t *testing.T) {
	f := &fakeVendor{answer: []string{"Paris", " is the capital."}}
	p := newCompatProvider(t, f)

	got, err := p.Ask(context.Background(), llm.AskRequest{Question: "Capital of France?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "Paris is the capital." {
		t.Errorf("answer = %q", got)
	}
	if f.keys[0] != "configured-key" {
		t.Errorf("key = %q, want configured-key", f.keys[0])
	}
}

func TestAsk_RequestKeyOverride(t *testing.T) {
	f := &fakeVendor{answer: []string{"ok"}}
	p := newCompatProvider(t, f)

	ctx := credential.WithAPIKey(context.Background(), "caller-key")
	if _, err := p.Ask(ctx, llm.AskRequest{Question: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Ask(context.Background(), llm.AskRequest{Question: "hi"}); err != nil {
		t.Fatal(err)
	}
	if f.keys[0] != "caller-key" || f.keys[1] != "configured-key" {
		t.Errorf("keys = %v, want [caller-key configured-key]", f.keys)
	}
}

func TestAsk_InvalidInputMakesNoCall(t *testing.T) {
	f := &fakeVendor{answer: []string{"x"}}
	p := newCompatProvider(t, f)
	_, err := p.Ask(context.Background(), llm.AskRequest{Question: ""})
	if !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want InvalidInput", err)
	}
	if len(f.keys) != 0 {
		t.Errorf("vendor called %d times", len(f.keys))
	}
}

func TestAsk_VendorErrorIsUpstream(t *testing.T) {
	f := &fakeVendor{status: http.StatusUnauthorized, message: "invalid x-api-key"}
	p := newCompatProvider(t, f)
	_, err := p.Ask(context.Background(), llm.AskRequest{Question: "hi"})
	if !fault.IsKind(err, fault.KindUpstream) {
		t.Fatalf("err = %v, want Upstream", err)
	}
	if !strings.Contains(err.Error(), "invalid x-api-key") {
		t.Errorf("err = %v, want vendor message", err)
	}
}

func TestAskStream_FragmentsConcatenate(t *testing.T) {
	f := &fakeVendor{answer: []string{"Hel", "lo", " world"}}
	p := newCompatProvider(t, f)

	ch, err := p.AskStream(context.Background(), llm.AskRequest{Question: "greet"})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	var parts []string
	for frag := range ch {
		if frag.Err != nil {
			t.Fatalf("fragment error: %v", frag.Err)
		}
		parts = append(parts, frag.Text)
	}
	if got := strings.Join(parts, ""); got != "Hello world" {
		t.Errorf("answer = %q", got)
	}
	for _, part := range parts {
		if part == "" {
			t.Error("empty fragments must be skipped")
		}
	}
}

func TestAskStream_VendorErrorIsLastFragment(t *testing.T) {
	f := &fakeVendor{status: http.StatusBadRequest, message: "model not found"}
	p := newCompatProvider(t, f)

	ch, err := p.AskStream(context.Background(), llm.AskRequest{Question: "hi"})
	if err != nil {
		// Some backends fail before the stream opens; both shapes are upstream.
		if !fault.IsKind(err, fault.KindUpstream) {
			t.Fatalf("err = %v, want Upstream", err)
		}
		return
	}
	var errs int
	var last llm.Fragment
	for frag := range ch {
		if frag.Err != nil {
			errs++
		}
		last = frag
	}
	if errs != 1 || last.Err == nil {
		t.Fatalf("got %d error fragments, last = %+v; want exactly one, last", errs, last)
	}
	if !fault.IsKind(last.Err, fault.KindUpstream) {
		t.Errorf("kind = %v, want Upstream", fault.KindOf(last.Err))
	}
}
