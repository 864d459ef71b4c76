package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/types"
)

// chatRequest is the subset of the chat completions body the tests inspect.
type chatRequest struct {
	Model               string `json:"model"`
	Stream              bool   `json:"stream"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
	Messages            []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeServer struct {
	mu       sync.Mutex
	requests []chatRequest
	auth     []string
	calls    int
	handler  func(w http.ResponseWriter, req chatRequest)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
	f.handler(w, req)
}

func answerHandler(parts ...string) func(http.ResponseWriter, chatRequest) {
	return func(w http.ResponseWriter, req chatRequest) {
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, p := range parts {
				fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", p)
				w.(http.Flusher).Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`,
			strings.Join(parts, ""))
	}
}

func errorHandler(status int, msg string) func(http.ResponseWriter, chatRequest) {
	return func(w http.ResponseWriter, _ chatRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"message":%q,"type":"server_error"}}`, msg)
	}
}

func newTestProvider(t *testing.T, f *fakeServer, apiKey string, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL + "/v1/")}, opts...)
	p, err := New(apiKey, "gpt-4o-mini", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("sk", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestAsk_BuildsConversation(t *testing.T) {
	f := &fakeServer{handler: answerHandler("Sure.")}
	p := newTestProvider(t, f, "sk-configured")

	got, err := p.Ask(context.Background(), llm.AskRequest{
		History: []types.Turn{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
		Question: "help me",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "Sure." {
		t.Errorf("answer = %q", got)
	}

	req := f.requests[0]
	if req.Model != "gpt-4o-mini" || req.MaxCompletionTokens != llm.MaxTokens {
		t.Errorf("model=%q max=%d", req.Model, req.MaxCompletionTokens)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(req.Messages), len(wantRoles))
	}
	for i, r := range wantRoles {
		if req.Messages[i].Role != r {
			t.Errorf("messages[%d].role = %q, want %q", i, req.Messages[i].Role, r)
		}
	}
	if req.Messages[0].Content != llm.DefaultSystemPrompt {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
	if req.Messages[3].Content != "help me" {
		t.Errorf("question = %q", req.Messages[3].Content)
	}
	if f.auth[0] != "Bearer sk-configured" {
		t.Errorf("Authorization = %q", f.auth[0])
	}
}

func TestAsk_RequestKeyOverride(t *testing.T) {
	f := &fakeServer{handler: answerHandler("ok")}
	p := newTestProvider(t, f, "sk-configured")
	ctx := credential.WithAPIKey(context.Background(), "sk-caller")
	if _, err := p.Ask(ctx, llm.AskRequest{Question: "q"}); err != nil {
		t.Fatal(err)
	}
	if f.auth[0] != "Bearer sk-caller" {
		t.Errorf("Authorization = %q, want caller key", f.auth[0])
	}
}

func TestAsk_MissingKeyWithoutBaseURL(t *testing.T) {
	p, err := New("", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Ask(context.Background(), llm.AskRequest{Question: "q"}); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want InvalidInput", err)
	}
}

func TestAsk_UpstreamErrorNoRetry(t *testing.T) {
	f := &fakeServer{handler: errorHandler(http.StatusServiceUnavailable, "overloaded")}
	p := newTestProvider(t, f, "sk")

	_, err := p.Ask(context.Background(), llm.AskRequest{Question: "q"})
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindUpstream {
		t.Fatalf("err = %v, want Upstream", err)
	}
	if fe.Status != http.StatusServiceUnavailable || fe.Message != "overloaded" {
		t.Errorf("fault = %d %q", fe.Status, fe.Message)
	}
	if f.calls != 1 {
		t.Errorf("vendor called %d times, want exactly 1", f.calls)
	}
}

func TestAsk_Timeout(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, _ chatRequest) {
		time.Sleep(300 * time.Millisecond)
	}}
	p := newTestProvider(t, f, "sk", WithTimeout(30*time.Millisecond))
	_, err := p.Ask(context.Background(), llm.AskRequest{Question: "q"})
	if !fault.IsTimeout(err) {
		t.Errorf("err = %v, want upstream timeout", err)
	}
}

func TestAskStream_Fragments(t *testing.T) {
	f := &fakeServer{handler: answerHandler("Hel", "lo")}
	p := newTestProvider(t, f, "sk")

	ch, err := p.AskStream(context.Background(), llm.AskRequest{Question: "q", SystemPrompt: "Be terse."})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	got, err := llm.Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Hello" {
		t.Errorf("answer = %q", got)
	}
	if !f.requests[0].Stream || f.requests[0].Messages[0].Content != "Be terse." {
		t.Errorf("request = %+v", f.requests[0])
	}
}

func TestAskStream_RejectedRequest(t *testing.T) {
	f := &fakeServer{handler: errorHandler(http.StatusUnauthorized, "Incorrect API key provided")}
	p := newTestProvider(t, f, "sk")

	ch, err := p.AskStream(context.Background(), llm.AskRequest{Question: "q"})
	if err == nil {
		// The SDK may defer the status check to the first Next call.
		_, err = llm.Collect(context.Background(), ch)
	}
	if !fault.IsKind(err, fault.KindUpstream) {
		t.Fatalf("err = %v, want Upstream", err)
	}
	if !strings.Contains(err.Error(), "Incorrect API key provided") {
		t.Errorf("err = %v, want vendor message", err)
	}
}

func TestAskStream_CancelStopsProduction(t *testing.T) {
	release := make(chan struct{})
	f := &fakeServer{handler: func(w http.ResponseWriter, _ chatRequest) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}}
	p := newTestProvider(t, f, "sk")
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.AskStream(ctx, llm.AskRequest{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if frag := <-ch; frag.Text != "first" {
		t.Fatalf("first fragment = %+v", frag)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for frag := range ch {
			if frag.Err != nil {
				t.Errorf("no error fragment expected after cancellation, got %v", frag.Err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
