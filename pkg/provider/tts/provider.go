// Package tts defines the Provider interface for speech synthesis and voice
// cloning backends.
//
// A provider wraps either an in-process (or sidecar) model that conditions on
// reference audio from the local voice registry, or a hosted service that
// keeps its own voice catalogue. Both present the same five operations so the
// HTTP layer and the ask-and-speak orchestrator never branch on the backend.
//
// Implementations must be safe for concurrent use. Failures are reported as
// *fault.Error values: InvalidInput for rejected requests, NotFound for voices
// unknown to the local registry, Upstream for anything the remote service
// refused or failed to answer in time.
package tts

import (
	"context"

	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// CloneVoice creates a voice from the supplied samples. The first sample
	// is the canonical reference. An empty sample list or a zero-length
	// sample is rejected before any network call.
	CloneVoice(ctx context.Context, name string, samples []voice.Sample) (types.Voice, error)

	// Synthesize renders req.Text in the requested voice and returns the
	// complete audio payload.
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)

	// SynthesizeStream renders req.Text incrementally. Chunk boundaries are
	// provider-defined and not aligned to audio frames; consumers only
	// concatenate. Returns an error only if the stream cannot be started;
	// later failures are reported by [AudioStream.Err].
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (*AudioStream, error)

	// ListVoices returns the voices created through this provider. Hosted
	// providers filter out their built-in catalogue.
	ListVoices(ctx context.Context) ([]types.Voice, error)

	// DeleteVoice removes a voice and reports whether anything was deleted.
	DeleteVoice(ctx context.Context, id string) (bool, error)

	// MediaType is the MIME type of the audio this provider returns.
	MediaType() string
}

// LocalVoices is implemented by providers that keep their voices in the
// local registry. Their clone, list and delete operations never leave the
// process, and a voice ID can be checked without touching the model.
type LocalVoices interface {
	// Voice returns the registered voice with id, or a NotFound fault.
	Voice(ctx context.Context, id string) (types.Voice, error)
}
