package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/provider/tts/local"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

func TestGuardDialogue_SingleAttemptThenFailFast(t *testing.T) {
	inner := &llmmock.Provider{AskErr: fault.Upstream("anyllm.ask", http.StatusTooManyRequests, "rate limited")}
	d := GuardDialogue(inner, NewBreaker(Config{Name: "dialogue", MaxFailures: 2, ResetTimeout: time.Hour}))
	req := llm.AskRequest{Question: "hi"}

	for range 2 {
		_, err := d.Ask(context.Background(), req)
		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Status != http.StatusTooManyRequests {
			t.Fatalf("err = %v, want vendor's own fault", err)
		}
	}
	if inner.CallCount() != 2 {
		t.Fatalf("inner calls = %d, want 2 (no retries)", inner.CallCount())
	}

	_, err := d.Ask(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.CallCount() != 2 {
		t.Errorf("inner called while open")
	}
	if _, err := d.AskStream(context.Background(), req); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("AskStream err = %v, want ErrCircuitOpen", err)
	}
}

func TestGuardDialogue_PassesAnswers(t *testing.T) {
	inner := &llmmock.Provider{AskResponse: "42", StreamFragments: []string{"4", "2"}}
	d := GuardDialogue(inner, NewBreaker(Config{Name: "dialogue"}))

	got, err := d.Ask(context.Background(), llm.AskRequest{Question: "answer?"})
	if err != nil || got != "42" {
		t.Fatalf("Ask = %q, %v", got, err)
	}
	ch, err := d.AskStream(context.Background(), llm.AskRequest{Question: "answer?"})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := llm.Collect(context.Background(), ch); got != "42" {
		t.Errorf("stream = %q", got)
	}
}

func TestGuardSpeech_ForwardsEveryOperation(t *testing.T) {
	inner := &ttsmock.Provider{
		Media:             tts.MediaTypeMPEG,
		SynthesizeAudio:   []byte("mp3"),
		StreamChunks:      [][]byte{[]byte("a"), []byte("b")},
		DeleteVoiceResult: true,
	}
	s := GuardSpeech(inner, NewBreaker(Config{Name: "speech"}))
	ctx := context.Background()
	req := tts.SynthesisRequest{Text: "hi", VoiceID: "v1", Stability: 0.5, SimilarityBoost: 0.8, Style: 0.3}

	if s.MediaType() != tts.MediaTypeMPEG {
		t.Errorf("MediaType = %q", s.MediaType())
	}
	if res, err := s.Synthesize(ctx, req); err != nil || string(res.Audio) != "mp3" {
		t.Errorf("Synthesize = %v, %v", res, err)
	}
	stream, err := s.SynthesizeStream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := tts.Collect(stream); string(got) != "ab" {
		t.Errorf("stream = %q", got)
	}
	if _, err := s.ListVoices(ctx); err != nil {
		t.Error(err)
	}
	if ok, err := s.DeleteVoice(ctx, "v1"); !ok || err != nil {
		t.Errorf("DeleteVoice = %v, %v", ok, err)
	}
	if _, err := s.CloneVoice(ctx, "n", nil); err != nil {
		t.Error(err)
	}
	if s.Unwrap() != inner {
		t.Error("Unwrap must return the guarded provider")
	}
}

func TestGuardSpeech_InvalidInputNeverTrips(t *testing.T) {
	inner := &ttsmock.Provider{}
	s := GuardSpeech(inner, NewBreaker(Config{Name: "speech", MaxFailures: 1}))
	for range 3 {
		if _, err := s.Synthesize(context.Background(), tts.SynthesisRequest{}); !fault.IsKind(err, fault.KindInvalidInput) {
			t.Fatalf("err = %v, want InvalidInput", err)
		}
	}
	if s.Breaker().State() != StateClosed {
		t.Errorf("state = %v, want closed", s.Breaker().State())
	}
}

// downEngine loads a model whose every generation fails, as when the
// inference sidecar has gone away.
type downEngine struct{}

func (downEngine) Load(context.Context) (local.Model, error) { return downModel{}, nil }

type downModel struct{}

func (downModel) Generate(context.Context, local.GenerateRequest) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (downModel) SampleRate() int { return 24000 }

func TestGuardSpeech_LocalRegistryOutlivesOpenBreaker(t *testing.T) {
	reg, err := voice.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := local.New(reg, downEngine{})
	if err != nil {
		t.Fatal(err)
	}
	s := GuardSpeech(p, NewBreaker(Config{Name: "speech", MaxFailures: 2, ResetTimeout: time.Hour}))
	ctx := context.Background()

	v, err := s.CloneVoice(ctx, "Narrator", []voice.Sample{{Filename: "ref.webm", Data: []byte("webm-bytes")}})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	req := tts.SynthesisRequest{Text: "hi", VoiceID: v.ID}
	for range 2 {
		if _, err := s.Synthesize(ctx, req); !fault.IsKind(err, fault.KindUpstream) {
			t.Fatalf("Synthesize err = %v, want Upstream", err)
		}
	}
	if _, err := s.Synthesize(ctx, req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	unknown := tts.SynthesisRequest{Text: "hi", VoiceID: "deadbeef"}
	if _, err := s.Synthesize(ctx, unknown); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("unknown voice err = %v, want NotFound", err)
	}
	if _, err := s.SynthesizeStream(ctx, unknown); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("unknown voice stream err = %v, want NotFound", err)
	}

	voices, err := s.ListVoices(ctx)
	if err != nil || len(voices) != 1 {
		t.Fatalf("ListVoices = %v, %v; want the cloned voice", voices, err)
	}
	if s.Breaker().State() != StateOpen {
		t.Errorf("state = %v, a registry read must not close the breaker", s.Breaker().State())
	}
	if ok, err := s.DeleteVoice(ctx, v.ID); !ok || err != nil {
		t.Errorf("DeleteVoice = %v, %v", ok, err)
	}
	if _, err := s.CloneVoice(ctx, "Second", []voice.Sample{{Filename: "ref.webm", Data: []byte("webm-bytes")}}); err != nil {
		t.Errorf("CloneVoice while open: %v", err)
	}
}

func TestGuard_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	inner := &llmmock.Provider{AskResponse: "ok"}
	d := GuardDialogue(inner, NewBreaker(Config{Name: "dialogue"}), WithMetrics(m), WithProviderName("anthropic"))
	_, _ = d.Ask(context.Background(), llm.AskRequest{Question: "hi"})
	inner.AskErr = fault.Upstream("anyllm.ask", http.StatusBadGateway, "bad gateway")
	_, _ = d.Ask(context.Background(), llm.AskRequest{Question: "hi"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	var latencySamples uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch data := met.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					counts[met.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				if met.Name == "voicerelay.dialogue.duration" {
					for _, dp := range data.DataPoints {
						latencySamples += dp.Count
					}
				}
			}
		}
	}
	if counts["voicerelay.provider.requests"] != 2 {
		t.Errorf("requests = %d, want 2", counts["voicerelay.provider.requests"])
	}
	if counts["voicerelay.provider.errors"] != 1 {
		t.Errorf("errors = %d, want 1", counts["voicerelay.provider.errors"])
	}
	if latencySamples != 2 {
		t.Errorf("latency samples = %d, want 2", latencySamples)
	}
}
