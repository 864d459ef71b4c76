// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify the
// requests that reach the speech backend.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks:     [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []types.Voice{{ID: "v1", Name: "Alice"}},
//	}
//	s, _ := p.SynthesizeStream(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

var _ tts.Provider = (*Provider)(nil)

// CloneVoiceCall records a single invocation of CloneVoice.
type CloneVoiceCall struct {
	Ctx     context.Context
	Name    string
	Samples []voice.Sample
}

// SynthesizeCall records a single invocation of Synthesize or
// SynthesizeStream.
type SynthesizeCall struct {
	Ctx     context.Context
	Request tts.SynthesisRequest
	Stream  bool
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Media is returned by MediaType and stamped on results. Defaults to
	// tts.MediaTypeWAV.
	Media string

	// CloneVoiceResult is returned by CloneVoice.
	CloneVoiceResult types.Voice
	CloneVoiceErr    error

	// SynthesizeAudio is the payload returned by Synthesize.
	SynthesizeAudio []byte
	// DefaultVoice marks results as rendered with the fallback voice.
	DefaultVoice  bool
	SynthesizeErr error

	// StreamChunks are emitted in order by SynthesizeStream.
	StreamChunks [][]byte
	// StreamErr, if non-nil, is returned by SynthesizeStream before any chunk.
	StreamErr error
	// StreamFailure, if non-nil, ends the stream after StreamChunks are sent.
	StreamFailure error

	ListVoicesResult []types.Voice
	ListVoicesErr    error

	DeleteVoiceResult bool
	DeleteVoiceErr    error

	// --- Call records ---

	CloneVoiceCalls  []CloneVoiceCall
	SynthesizeCalls  []SynthesizeCall
	ListVoicesCalls  int
	DeleteVoiceCalls []string
}

// MediaType implements tts.Provider.
func (p *Provider) MediaType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media()
}

func (p *Provider) media() string {
	if p.Media == "" {
		return tts.MediaTypeWAV
	}
	return p.Media
}

// CloneVoice implements tts.Provider.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples []voice.Sample) (types.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]voice.Sample, len(samples))
	copy(cp, samples)
	p.CloneVoiceCalls = append(p.CloneVoiceCalls, CloneVoiceCall{Ctx: ctx, Name: name, Samples: cp})
	if p.CloneVoiceErr != nil {
		return types.Voice{}, p.CloneVoiceErr
	}
	return p.CloneVoiceResult, nil
}

// Synthesize implements tts.Provider. Request validation runs first so callers
// see the same InvalidInput behaviour as a real provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Request: req})
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	return &tts.SynthesisResult{Audio: p.SynthesizeAudio, MediaType: p.media(), DefaultVoice: p.DefaultVoice}, nil
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Request: req, Stream: true})
	if err := req.Validate(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	failure := p.StreamFailure
	s := tts.NewAudioStream(p.media(), len(chunks))
	s.DefaultVoice = p.DefaultVoice
	p.mu.Unlock()

	go func() {
		for _, c := range chunks {
			if !s.Send(ctx, c) {
				s.Close(ctx.Err())
				return
			}
		}
		s.Close(failure)
	}()
	return s, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]types.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.ListVoicesResult, nil
}

// DeleteVoice implements tts.Provider.
func (p *Provider) DeleteVoice(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DeleteVoiceCalls = append(p.DeleteVoiceCalls, id)
	if p.DeleteVoiceErr != nil {
		return false, p.DeleteVoiceErr
	}
	return p.DeleteVoiceResult, nil
}

// Calls returns a snapshot of the recorded synthesis calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Configured responses are unchanged.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloneVoiceCalls = nil
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
	p.DeleteVoiceCalls = nil
}
