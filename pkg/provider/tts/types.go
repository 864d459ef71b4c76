package tts

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/MrWong99/voicerelay/pkg/fault"
)

const (
	// MaxTextLength is the longest text, in characters, accepted for synthesis.
	MaxTextLength = 5000

	DefaultStability       = 0.5
	DefaultSimilarityBoost = 0.8
	DefaultStyle           = 0.3
	DefaultExaggeration    = 0.5
	DefaultCFGWeight       = 0.5

	MediaTypeWAV  = "audio/wav"
	MediaTypeMPEG = "audio/mpeg"
)

// SynthesisRequest is the input to [Provider.Synthesize] and
// [Provider.SynthesizeStream].
type SynthesisRequest struct {
	Text    string
	VoiceID string

	// Stability, SimilarityBoost, and Style tune hosted voices. Each lies in [0, 1].
	Stability       float64
	SimilarityBoost float64
	Style           float64

	// Exaggeration and CFGWeight are generation hyperparameters for local
	// models. Nil selects the default.
	Exaggeration *float64
	CFGWeight    *float64
}

// Validate enforces the request bounds. It never touches the network.
func (r SynthesisRequest) Validate() error {
	const op = "tts.validate"
	n := utf8.RuneCountInString(r.Text)
	if n == 0 {
		return fault.InvalidInput(op, "text must not be empty")
	}
	if n > MaxTextLength {
		return fault.InvalidInput(op, "text is %d characters, maximum is %d", n, MaxTextLength)
	}
	return r.ValidateVoice()
}

// ValidateVoice checks the voice id and tuning parameters without looking at
// the text.
func (r SynthesisRequest) ValidateVoice() error {
	const op = "tts.validate"
	if r.VoiceID == "" {
		return fault.InvalidInput(op, "voice_id must not be empty")
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"stability", r.Stability},
		{"similarity_boost", r.SimilarityBoost},
		{"style", r.Style},
	} {
		if p.v < 0 || p.v > 1 {
			return fault.InvalidInput(op, "%s %.3f is out of range [0, 1]", p.name, p.v)
		}
	}
	return nil
}

// ExaggerationOrDefault returns the exaggeration hyperparameter.
func (r SynthesisRequest) ExaggerationOrDefault() float64 {
	if r.Exaggeration == nil {
		return DefaultExaggeration
	}
	return *r.Exaggeration
}

// CFGWeightOrDefault returns the classifier-free guidance weight.
func (r SynthesisRequest) CFGWeightOrDefault() float64 {
	if r.CFGWeight == nil {
		return DefaultCFGWeight
	}
	return *r.CFGWeight
}

// SynthesisResult is a fully rendered utterance.
type SynthesisResult struct {
	Audio     []byte
	MediaType string

	// DefaultVoice reports that the requested voice's reference audio was
	// unusable and the model's built-in voice was used instead.
	DefaultVoice bool
}

// AudioStream is an in-progress synthesis. Read Chunks until it is closed,
// then check Err.
type AudioStream struct {
	MediaType    string
	DefaultVoice bool

	chunks chan []byte
	once   sync.Once
	mu     sync.Mutex
	err    error
}

// NewAudioStream returns a stream whose chunk channel has buffer size buf.
// The producer sends with [AudioStream.Send] and finishes with
// [AudioStream.Close].
func NewAudioStream(mediaType string, buf int) *AudioStream {
	return &AudioStream{MediaType: mediaType, chunks: make(chan []byte, buf)}
}

// Chunks returns the channel of audio chunks. It is closed when the stream
// ends for any reason.
func (s *AudioStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error that ended the stream, or nil after a clean finish.
// Only meaningful once Chunks is closed.
func (s *AudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers chunk to the consumer. It reports false when ctx is done, in
// which case the producer should stop.
func (s *AudioStream) Send(ctx context.Context, chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream with err. Subsequent calls are no-ops.
func (s *AudioStream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.chunks)
	})
}

// StopCause returns the error a producer closes its stream with once ctx is
// done. A consumer going away passes through as is; an expired deadline is
// an Upstream timeout attributed to op.
func StopCause(ctx context.Context, op string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return fault.UpstreamCause(op, cause)
	}
	return cause
}

// Collect drains s and returns the concatenated audio.
func Collect(s *AudioStream) ([]byte, error) {
	var out []byte
	for chunk := range s.Chunks() {
		out = append(out, chunk...)
	}
	return out, s.Err()
}
