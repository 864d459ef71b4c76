// Package cascade chains a dialogue provider and a speech provider into a
// single ask-and-speak call.
//
// The question is answered first; only a successful answer is synthesized.
// Failures in either step are returned unchanged, so the HTTP layer maps
// them exactly as it would for the individual endpoints. No partial audio is
// ever returned.
package cascade

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// DefaultPreviewLength is the number of characters of the answer exposed as
// a preview alongside the audio.
const DefaultPreviewLength = 500

// Request is the input to [Orchestrator.AskAndSpeak].
type Request struct {
	// Ask is forwarded to the dialogue provider.
	Ask llm.AskRequest

	// Voice selects the voice and its tuning. Its Text is ignored and replaced
	// by the answer.
	Voice tts.SynthesisRequest

	// DialogueKey and SpeechKey override the configured vendor keys for this
	// call only. Empty keeps the configured key.
	DialogueKey string
	SpeechKey   string
}

// Result is the outcome of a successful ask-and-speak call.
type Result struct {
	Audio     []byte
	MediaType string

	// Answer is the complete dialogue answer.
	Answer string

	// Preview is the first characters of Answer.
	Preview string

	// DefaultVoice reports that the requested voice fell back to the model's
	// built-in voice.
	DefaultVoice bool
}

// Orchestrator runs the two-step ask-and-speak flow. It is safe for
// concurrent use.
type Orchestrator struct {
	dialogue   llm.Provider
	speech     tts.Provider
	previewLen int
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithPreviewLength overrides [DefaultPreviewLength]. Non-positive values are
// ignored.
func WithPreviewLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.previewLen = n
		}
	}
}

// New returns an Orchestrator. Both providers are required.
func New(dialogue llm.Provider, speech tts.Provider, opts ...Option) (*Orchestrator, error) {
	if dialogue == nil {
		return nil, fmt.Errorf("cascade: dialogue provider must not be nil")
	}
	if speech == nil {
		return nil, fmt.Errorf("cascade: speech provider must not be nil")
	}
	o := &Orchestrator{
		dialogue:   dialogue,
		speech:     speech,
		previewLen: DefaultPreviewLength,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// AskAndSpeak answers req.Ask and renders the answer in req.Voice.
//
// Voice parameters are checked before the dialogue provider is called, so a
// malformed voice never costs a dialogue round trip. The synthesis step is
// never attempted when the dialogue step fails.
func (o *Orchestrator) AskAndSpeak(ctx context.Context, req Request) (*Result, error) {
	const op = "cascade.ask_and_speak"

	if err := req.Ask.Validate(); err != nil {
		return nil, err
	}
	if err := req.Voice.ValidateVoice(); err != nil {
		return nil, err
	}

	log := observe.Logger(ctx)

	answer, err := o.dialogue.Ask(credential.WithAPIKey(ctx, req.DialogueKey), req.Ask)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		return nil, fault.New(fault.KindUpstream, op, "dialogue provider returned an empty answer")
	}

	speech := req.Voice
	speech.Text = answer
	if n := utf8.RuneCountInString(answer); n > tts.MaxTextLength {
		log.Warn("cascade: answer exceeds synthesis limit, truncating",
			"length", n, "limit", tts.MaxTextLength)
		speech.Text = truncate(answer, tts.MaxTextLength)
	}

	res, err := o.speech.Synthesize(credential.WithAPIKey(ctx, req.SpeechKey), speech)
	if err != nil {
		return nil, err
	}

	return &Result{
		Audio:        res.Audio,
		MediaType:    res.MediaType,
		Answer:       answer,
		Preview:      truncate(answer, o.previewLen),
		DefaultVoice: res.DefaultVoice,
	}, nil
}

// truncate returns the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
