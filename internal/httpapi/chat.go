package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/voicerelay/internal/cascade"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
)

// askBody is the JSON body of the chat endpoints.
type askBody struct {
	Question     string       `json:"question"`
	History      []types.Turn `json:"history"`
	SystemPrompt string       `json:"system_prompt"`
}

// askAndSpeakBody extends askBody with the voice selection.
type askAndSpeakBody struct {
	askBody
	VoiceID         string   `json:"voice_id"`
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost"`
	Style           *float64 `json:"style"`
	Exaggeration    *float64 `json:"exaggeration"`
	CFGWeight       *float64 `json:"cfg_weight"`
}

// askRequest builds the dialogue request, filling the system prompt from
// the configuration and then from fallback.
func (s *Server) askRequest(b askBody, fallback string) llm.AskRequest {
	prompt := b.SystemPrompt
	if prompt == "" {
		prompt = s.systemPrompt
	}
	if prompt == "" {
		prompt = fallback
	}
	return llm.AskRequest{
		History:      b.History,
		Question:     b.Question,
		SystemPrompt: prompt,
	}
}

func (s *Server) ask(c *gin.Context) {
	var body askBody
	if err := bindJSON(c, "httpapi.ask", &body); err != nil {
		writeError(c, err)
		return
	}
	req := s.askRequest(body, llm.DefaultSystemPrompt)
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	answer, err := s.dialogue.Ask(withKey(c, HeaderProviderKey), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (s *Server) askStream(c *gin.Context) {
	var body askBody
	if err := bindJSON(c, "httpapi.ask_stream", &body); err != nil {
		writeError(c, err)
		return
	}
	req := s.askRequest(body, llm.DefaultSystemPrompt)
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	ctx := withKey(c, HeaderProviderKey)
	done := s.streamStarted(ctx, "tokens")
	defer done()

	relay.SetSSEHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	w := relay.NewSSEWriter(c.Writer)

	fragments, err := s.dialogue.AskStream(ctx, req)
	if err != nil {
		observe.Logger(ctx).Warn("dialogue stream failed to open", "err", err)
		if werr := w.WriteEvent(types.ErrorEvent(fault.Detail(err))); werr != nil {
			observe.Logger(ctx).Debug("client gone before error event", "err", werr)
		}
		return
	}

	full, err := relay.Tokens(ctx, w, fragments)
	if err != nil {
		observe.Logger(ctx).Warn("token stream ended with error", "chars", len(full), "err", err)
		return
	}
	observe.Logger(ctx).Debug("token stream complete", "chars", len(full))
}

func (s *Server) askAndSpeak(c *gin.Context) {
	var body askAndSpeakBody
	if err := bindJSON(c, "httpapi.ask_and_speak", &body); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.cascade.AskAndSpeak(c.Request.Context(), cascade.Request{
		Ask: s.askRequest(body.askBody, askAndSpeakPrompt),
		Voice: tts.SynthesisRequest{
			VoiceID:         body.VoiceID,
			Stability:       orDefault(body.Stability, tts.DefaultStability),
			SimilarityBoost: orDefault(body.SimilarityBoost, tts.DefaultSimilarityBoost),
			Style:           orDefault(body.Style, tts.DefaultStyle),
			Exaggeration:    body.Exaggeration,
			CFGWeight:       body.CFGWeight,
		},
		DialogueKey: strings.TrimSpace(c.GetHeader(HeaderProviderKey)),
		SpeechKey:   strings.TrimSpace(c.GetHeader(HeaderSpeechKey)),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header(HeaderAgentAnswer, headerSafe(res.Preview))
	setFallback(c, res.DefaultVoice)
	c.Data(http.StatusOK, res.MediaType, res.Audio)
}
