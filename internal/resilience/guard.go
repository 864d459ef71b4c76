package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// GuardOption configures a guarded provider.
type GuardOption func(*guard)

// WithMetrics records latency, request and error counts for every guarded
// call.
func WithMetrics(m *observe.Metrics) GuardOption {
	return func(g *guard) { g.metrics = m }
}

// WithProviderName labels spans and metrics. Default: the breaker's name.
func WithProviderName(name string) GuardOption {
	return func(g *guard) { g.provider = name }
}

// guard holds what Dialogue and Speech share: the breaker and the
// instrumentation around it.
type guard struct {
	breaker  *Breaker
	kind     string
	provider string
	metrics  *observe.Metrics
}

func newGuard(b *Breaker, kind string, opts []GuardOption) guard {
	g := guard{breaker: b, kind: kind, provider: b.Name()}
	for _, o := range opts {
		o(&g)
	}
	return g
}

// run executes fn through the breaker inside a provider span.
func (g *guard) run(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.observe(ctx, op, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, op, fn)
	})
}

// observe wraps fn in a provider span and records its latency and outcome.
func (g *guard) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := observe.StartProviderSpan(ctx, op, g.provider)
	start := time.Now()
	err := fn(ctx)
	observe.EndSpan(span, err)

	if g.metrics != nil {
		g.histogram().Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", g.provider), observe.Attr("op", op)))
		status := "ok"
		if err != nil {
			status = "error"
			g.metrics.RecordProviderError(ctx, g.provider, string(fault.KindOf(err)))
		}
		g.metrics.RecordProviderRequest(ctx, g.provider, g.kind, status)
	}
	return err
}

func (g *guard) histogram() metric.Float64Histogram {
	if g.kind == "dialogue" {
		return g.metrics.DialogueDuration
	}
	return g.metrics.SynthesisDuration
}

// Dialogue implements [llm.Provider] by forwarding to an inner provider
// through a [Breaker]. For AskStream only opening the stream is guarded;
// failures after the first fragment are the caller's to handle.
type Dialogue struct {
	guard
	inner llm.Provider
}

// Compile-time interface assertion.
var _ llm.Provider = (*Dialogue)(nil)

// GuardDialogue wraps p with b.
func GuardDialogue(p llm.Provider, b *Breaker, opts ...GuardOption) *Dialogue {
	return &Dialogue{guard: newGuard(b, "dialogue", opts), inner: p}
}

// Breaker returns the guarding breaker.
func (d *Dialogue) Breaker() *Breaker { return d.breaker }

// Ask implements llm.Provider.
func (d *Dialogue) Ask(ctx context.Context, req llm.AskRequest) (string, error) {
	var answer string
	err := d.run(ctx, "dialogue.ask", func(ctx context.Context) error {
		var err error
		answer, err = d.inner.Ask(ctx, req)
		return err
	})
	return answer, err
}

// AskStream implements llm.Provider.
func (d *Dialogue) AskStream(ctx context.Context, req llm.AskRequest) (<-chan llm.Fragment, error) {
	var ch <-chan llm.Fragment
	err := d.run(ctx, "dialogue.stream", func(ctx context.Context) error {
		var err error
		ch, err = d.inner.AskStream(ctx, req)
		return err
	})
	return ch, err
}

// Speech implements [tts.Provider] by forwarding to an inner provider
// through a [Breaker]. When the inner provider implements [tts.LocalVoices],
// only synthesis goes through the breaker: voice management stays on the
// local registry, and the voice is looked up before the breaker so an
// unknown ID is NotFound even while the model is unreachable.
type Speech struct {
	guard
	inner tts.Provider
	local tts.LocalVoices
}

// Compile-time interface assertion.
var _ tts.Provider = (*Speech)(nil)

// GuardSpeech wraps p with b.
func GuardSpeech(p tts.Provider, b *Breaker, opts ...GuardOption) *Speech {
	s := &Speech{guard: newGuard(b, "speech", opts), inner: p}
	s.local, _ = p.(tts.LocalVoices)
	return s
}

// manage runs a voice management call, bypassing the breaker for local
// registries.
func (s *Speech) manage(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.local != nil {
		return s.observe(ctx, op, fn)
	}
	return s.run(ctx, op, fn)
}

// precheck rejects requests the breaker must never see.
func (s *Speech) precheck(ctx context.Context, req tts.SynthesisRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if s.local != nil {
		if _, err := s.local.Voice(ctx, req.VoiceID); err != nil {
			return err
		}
	}
	return nil
}

// Breaker returns the guarding breaker.
func (s *Speech) Breaker() *Breaker { return s.breaker }

// Unwrap returns the guarded provider.
func (s *Speech) Unwrap() tts.Provider { return s.inner }

// MediaType implements tts.Provider.
func (s *Speech) MediaType() string { return s.inner.MediaType() }

// CloneVoice implements tts.Provider.
func (s *Speech) CloneVoice(ctx context.Context, name string, samples []voice.Sample) (types.Voice, error) {
	var v types.Voice
	err := s.manage(ctx, "speech.clone", func(ctx context.Context) error {
		var err error
		v, err = s.inner.CloneVoice(ctx, name, samples)
		return err
	})
	return v, err
}

// Synthesize implements tts.Provider.
func (s *Speech) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	if err := s.precheck(ctx, req); err != nil {
		return nil, err
	}
	var res *tts.SynthesisResult
	err := s.run(ctx, "speech.synthesize", func(ctx context.Context) error {
		var err error
		res, err = s.inner.Synthesize(ctx, req)
		return err
	})
	return res, err
}

// SynthesizeStream implements tts.Provider.
func (s *Speech) SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	if err := s.precheck(ctx, req); err != nil {
		return nil, err
	}
	var stream *tts.AudioStream
	err := s.run(ctx, "speech.stream", func(ctx context.Context) error {
		var err error
		stream, err = s.inner.SynthesizeStream(ctx, req)
		return err
	})
	return stream, err
}

// ListVoices implements tts.Provider.
func (s *Speech) ListVoices(ctx context.Context) ([]types.Voice, error) {
	var voices []types.Voice
	err := s.manage(ctx, "speech.list", func(ctx context.Context) error {
		var err error
		voices, err = s.inner.ListVoices(ctx)
		return err
	})
	return voices, err
}

// DeleteVoice implements tts.Provider.
func (s *Speech) DeleteVoice(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.manage(ctx, "speech.delete", func(ctx context.Context) error {
		var err error
		deleted, err = s.inner.DeleteVoice(ctx, id)
		return err
	})
	return deleted, err
}
