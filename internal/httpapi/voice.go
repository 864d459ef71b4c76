package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// speakBody is the JSON body of the speak endpoints. Omitted tuning fields
// take the provider defaults.
type speakBody struct {
	Text            string   `json:"text"`
	VoiceID         string   `json:"voice_id"`
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost"`
	Style           *float64 `json:"style"`
	Exaggeration    *float64 `json:"exaggeration"`
	CFGWeight       *float64 `json:"cfg_weight"`
}

func (b speakBody) request() tts.SynthesisRequest {
	return tts.SynthesisRequest{
		Text:            b.Text,
		VoiceID:         b.VoiceID,
		Stability:       orDefault(b.Stability, tts.DefaultStability),
		SimilarityBoost: orDefault(b.SimilarityBoost, tts.DefaultSimilarityBoost),
		Style:           orDefault(b.Style, tts.DefaultStyle),
		Exaggeration:    b.Exaggeration,
		CFGWeight:       b.CFGWeight,
	}
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

type voiceInfo struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

func (s *Server) cloneVoice(c *gin.Context) {
	const op = "httpapi.clone_voice"

	form, err := c.MultipartForm()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(c, err)
			return
		}
		writeError(c, fault.InvalidInput(op, "expected a multipart form with name and files: %v", err))
		return
	}

	var name string
	if v := form.Value["name"]; len(v) > 0 {
		name = v[0]
	}
	files := form.File["files"]
	if len(files) == 0 {
		writeError(c, fault.InvalidInput(op, "At least one audio file is required"))
		return
	}

	samples := make([]voice.Sample, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(c, fault.Internal(op, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(c, fault.Internal(op, err))
			return
		}
		if len(data) == 0 {
			writeError(c, fault.InvalidInput(op, "Empty file: %s", fh.Filename))
			return
		}
		samples = append(samples, voice.Sample{Filename: fh.Filename, Data: data})
	}

	v, err := s.speech.CloneVoice(withKey(c, HeaderProviderKey), name, samples)
	if err != nil {
		writeError(c, err)
		return
	}
	observe.Logger(c.Request.Context()).Info("voice cloned", "voice_id", v.ID, "samples", len(samples))
	c.JSON(http.StatusOK, voiceInfo{VoiceID: v.ID, Name: v.Name})
}

func (s *Server) speak(c *gin.Context) {
	var body speakBody
	if err := bindJSON(c, "httpapi.speak", &body); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.speech.Synthesize(withKey(c, HeaderProviderKey), body.request())
	if err != nil {
		writeError(c, err)
		return
	}
	setFallback(c, res.DefaultVoice)
	c.Data(http.StatusOK, res.MediaType, res.Audio)
}

func (s *Server) speakStream(c *gin.Context) {
	var body speakBody
	if err := bindJSON(c, "httpapi.speak_stream", &body); err != nil {
		writeError(c, err)
		return
	}

	ctx := withKey(c, HeaderProviderKey)
	stream, err := s.speech.SynthesizeStream(ctx, body.request())
	if err != nil {
		writeError(c, err)
		return
	}
	done := s.streamStarted(ctx, "audio")
	defer done()

	c.Header("Content-Type", stream.MediaType)
	c.Header("Cache-Control", "no-cache")
	setFallback(c, stream.DefaultVoice)

	n, err := relay.Audio(ctx, c.Writer, stream)
	switch {
	case err == nil:
		if n == 0 {
			c.Status(http.StatusOK)
		}
	case n == 0 && ctx.Err() == nil:
		// Nothing reached the client yet, so the failure can still be a
		// proper error response.
		c.Writer.Header().Del("Content-Type")
		c.Writer.Header().Del(HeaderVoiceFallback)
		writeError(c, err)
	default:
		observe.Logger(ctx).Warn("audio stream ended early", "bytes", n, "err", err)
	}
}

func (s *Server) listVoices(c *gin.Context) {
	voices, err := s.speech.ListVoices(withKey(c, HeaderProviderKey))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]voiceInfo, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceInfo{VoiceID: v.ID, Name: v.Name})
	}
	c.JSON(http.StatusOK, gin.H{"voices": out})
}

func (s *Server) deleteVoice(c *gin.Context) {
	id := c.Param("voice_id")
	deleted, err := s.speech.DeleteVoice(withKey(c, HeaderProviderKey), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !deleted {
		writeError(c, fault.NotFound("httpapi.delete_voice", "Voice not found or already deleted"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "voice_id": id})
}
