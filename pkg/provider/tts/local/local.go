// Package local provides a speech provider that synthesises with a locally
// hosted voice-cloning model and keeps voices in the on-disk
// [voice.Registry]. It implements the tts.Provider interface.
//
// The model is loaded lazily on the first synthesis (or by [Provider.Warm])
// and cached for the lifetime of the Provider. Concurrent first callers share
// a single load; a failed load is reported to every waiter and the next call
// tries again.
//
// Typical usage:
//
//	engine, _ := local.NewHTTPEngine("http://localhost:8004")
//	p, _ := local.New(registry, engine)
//	res, err := p.Synthesize(ctx, tts.SynthesisRequest{Text: "Hi", VoiceID: id})
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.LocalVoices = (*Provider)(nil)
)

const (
	defaultChunkSize        = 4096
	defaultSynthesisTimeout = 60 * time.Second
	defaultLoadTimeout      = 5 * time.Minute
	streamChanBuf           = 16
)

// Option is a functional option for configuring a local Provider.
type Option func(*Provider)

// WithChunkSize sets the size of the chunks emitted by SynthesizeStream.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		p.chunkSize = n
	}
}

// WithSynthesisTimeout bounds each Generate call. Defaults to 60 s.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.synthTimeout = d
	}
}

// WithLoadTimeout bounds a model load. Defaults to 5 min.
func WithLoadTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.loadTimeout = d
	}
}

// WithFallbackHook registers fn to be called whenever synthesis falls back to
// the default voice.
func WithFallbackHook(fn func(ctx context.Context, voiceID string)) Option {
	return func(p *Provider) {
		p.onFallback = fn
	}
}

// WithLoadHook registers fn to be called after every model load attempt with
// its outcome.
func WithLoadHook(fn func(ctx context.Context, err error)) Option {
	return func(p *Provider) {
		p.onLoad = fn
	}
}

// Provider implements tts.Provider on top of a local model.
type Provider struct {
	registry *voice.Registry
	engine   Engine

	chunkSize    int
	synthTimeout time.Duration
	loadTimeout  time.Duration
	onFallback   func(ctx context.Context, voiceID string)
	onLoad       func(ctx context.Context, err error)

	loadGroup singleflight.Group
	mu        sync.RWMutex
	model     Model
	loads     atomic.Int64
}

// New creates a local Provider storing voices in registry and synthesising
// with engine.
func New(registry *voice.Registry, engine Engine, opts ...Option) (*Provider, error) {
	if registry == nil {
		return nil, errors.New("local: registry must not be nil")
	}
	if engine == nil {
		return nil, errors.New("local: engine must not be nil")
	}
	p := &Provider{
		registry:     registry,
		engine:       engine,
		chunkSize:    defaultChunkSize,
		synthTimeout: defaultSynthesisTimeout,
		loadTimeout:  defaultLoadTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.chunkSize <= 0 {
		return nil, fmt.Errorf("local: invalid chunk size %d", p.chunkSize)
	}
	return p, nil
}

// MediaType implements tts.Provider.
func (p *Provider) MediaType() string { return tts.MediaTypeWAV }

// Warm loads the model if it is not loaded yet.
func (p *Provider) Warm(ctx context.Context) error {
	_, err := p.loadModel(ctx)
	return err
}

// Loaded reports whether the model is resident.
func (p *Provider) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model != nil
}

// LoadCount returns how many model loads have been started.
func (p *Provider) LoadCount() int64 {
	return p.loads.Load()
}

// loadModel returns the cached model, loading it on first use. The load runs
// detached from the first caller's cancellation so that other waiters are not
// failed by it; each waiter still stops waiting when its own ctx is done.
func (p *Provider) loadModel(ctx context.Context) (Model, error) {
	p.mu.RLock()
	m := p.model
	p.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	ch := p.loadGroup.DoChan("model", func() (any, error) {
		p.mu.RLock()
		m := p.model
		p.mu.RUnlock()
		if m != nil {
			return m, nil
		}

		p.loads.Add(1)
		start := time.Now()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()
		m, err := p.engine.Load(loadCtx)
		if p.onLoad != nil {
			p.onLoad(loadCtx, err)
		}
		if err != nil {
			slog.Error("local: model load failed", "err", err, "duration", time.Since(start))
			return nil, err
		}
		slog.Info("local: model loaded", "duration", time.Since(start))

		p.mu.Lock()
		p.model = m
		p.mu.Unlock()
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fault.Wrap(fault.KindInternal, "local.load", "model load failed", res.Err)
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, fault.UpstreamCause("local.load", ctx.Err())
	}
}

// CloneVoice implements tts.Provider by registering the samples locally.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples []voice.Sample) (types.Voice, error) {
	return p.registry.Register(ctx, name, samples)
}

// Synthesize implements tts.Provider. Unknown voices fail with NotFound. A
// voice whose reference file is missing is rendered with the model's default
// voice and the result is flagged with DefaultVoice.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	v, err := p.registry.Get(ctx, req.VoiceID)
	if err != nil {
		return nil, err
	}

	ref, fallback := p.reference(ctx, v)

	m, err := p.loadModel(ctx)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, p.synthTimeout)
	defer cancel()
	wav, err := m.Generate(genCtx, GenerateRequest{
		Text:          req.Text,
		ReferencePath: ref,
		Exaggeration:  req.ExaggerationOrDefault(),
		CFGWeight:     req.CFGWeightOrDefault(),
	})
	if err != nil {
		return nil, fault.UpstreamCause("local.synthesize", err)
	}
	return &tts.SynthesisResult{Audio: wav, MediaType: tts.MediaTypeWAV, DefaultVoice: fallback}, nil
}

// SynthesizeStream implements tts.Provider. The model renders in one pass, so
// the stream is the finished buffer cut into fixed-size chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	res, err := p.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	s := tts.NewAudioStream(tts.MediaTypeWAV, streamChanBuf)
	s.DefaultVoice = res.DefaultVoice
	go func() {
		buf := res.Audio
		for len(buf) > 0 {
			end := min(p.chunkSize, len(buf))
			if !s.Send(ctx, buf[:end]) {
				s.Close(tts.StopCause(ctx, "local.stream"))
				return
			}
			buf = buf[end:]
		}
		s.Close(nil)
	}()
	return s, nil
}

// Voice implements tts.LocalVoices.
func (p *Provider) Voice(ctx context.Context, id string) (types.Voice, error) {
	return p.registry.Get(ctx, id)
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]types.Voice, error) {
	return p.registry.List(ctx)
}

// DeleteVoice implements tts.Provider.
func (p *Provider) DeleteVoice(ctx context.Context, id string) (bool, error) {
	return p.registry.Delete(ctx, id)
}

// reference returns the usable reference path for v, or "" and true when the
// default voice must be used.
func (p *Provider) reference(ctx context.Context, v types.Voice) (string, bool) {
	if !v.Hosted && v.Reference != "" {
		if fi, err := os.Stat(v.Reference); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			return v.Reference, false
		}
	}
	slog.Warn("local: reference audio unavailable, using default voice",
		"voice_id", v.ID, "reference", v.Reference)
	if p.onFallback != nil {
		p.onFallback(ctx, v.ID)
	}
	return "", true
}
