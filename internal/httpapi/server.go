package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/voicerelay/internal/cascade"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// Header names understood or produced by the API.
const (
	// HeaderProviderKey overrides the configured API key of the provider the
	// endpoint calls. For ask-and-speak it applies to the dialogue step.
	HeaderProviderKey = "X-Provider-Key"

	// HeaderSpeechKey overrides the speech key for ask-and-speak.
	HeaderSpeechKey = "X-Speech-Key"

	// HeaderAgentAnswer carries a preview of the spoken answer.
	HeaderAgentAnswer = "X-Agent-Answer"

	// HeaderVoiceFallback is set to "default" when the requested voice could
	// not be used and the model's built-in voice spoke instead.
	HeaderVoiceFallback = "X-Voice-Fallback"
)

// DefaultMaxBodyBytes caps request bodies, including multipart uploads.
const DefaultMaxBodyBytes = 50 << 20

// askAndSpeakPrompt is the ask-and-speak default when neither the request
// nor the configuration carries a system prompt.
const askAndSpeakPrompt = "You are a helpful personal assistant."

// Info describes the configured providers for GET /api/health.
type Info struct {
	DialogueProvider   string
	SpeechProvider     string
	DialogueConfigured bool
	SpeechConfigured   bool
}

// Server holds the providers behind the API handlers. It is safe for
// concurrent use.
type Server struct {
	dialogue     llm.Provider
	speech       tts.Provider
	cascade      *cascade.Orchestrator
	metrics      *observe.Metrics
	info         Info
	systemPrompt string
	maxBody      int64
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics counts active streams on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithInfo sets the provider summary reported by GET /api/health.
func WithInfo(info Info) Option {
	return func(s *Server) { s.info = info }
}

// WithSystemPrompt sets the system prompt used when a chat request carries
// none.
func WithSystemPrompt(prompt string) Option {
	return func(s *Server) { s.systemPrompt = prompt }
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New returns a Server for the given providers. Both are required.
func New(dialogue llm.Provider, speech tts.Provider, opts ...Option) (*Server, error) {
	orch, err := cascade.New(dialogue, speech)
	if err != nil {
		return nil, err
	}
	s := &Server{
		dialogue: dialogue,
		speech:   speech,
		cascade:  orch,
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register adds the API routes to r, which is normally the /api group.
func (s *Server) Register(r gin.IRouter) {
	r.Use(s.limitBody)

	r.GET("/health", s.health)

	v := r.Group("/voice")
	v.POST("/clone", s.cloneVoice)
	v.POST("/speak", s.speak)
	v.POST("/speak-stream", s.speakStream)
	v.GET("/list", s.listVoices)
	v.DELETE("/:voice_id", s.deleteVoice)

	c := r.Group("/chat")
	c.POST("/ask", s.ask)
	c.POST("/ask-stream", s.askStream)
	c.POST("/ask-and-speak", s.askAndSpeak)
}

func (s *Server) limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"dialogue_provider":   s.info.DialogueProvider,
		"speech_provider":     s.info.SpeechProvider,
		"dialogue_configured": s.info.DialogueConfigured,
		"speech_configured":   s.info.SpeechConfigured,
	})
}

// streamStarted counts an open stream when metrics are enabled.
func (s *Server) streamStarted(ctx context.Context, kind string) func() {
	if s.metrics == nil {
		return func() {}
	}
	return s.metrics.StreamStarted(ctx, kind)
}

// withKey returns the request context carrying the key from header, if any.
func withKey(c *gin.Context, header string) context.Context {
	ctx := c.Request.Context()
	if key := strings.TrimSpace(c.GetHeader(header)); key != "" {
		ctx = credential.WithAPIKey(ctx, key)
	}
	return ctx
}

// statusOf maps a fault kind to its HTTP status.
func statusOf(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and responds with {"detail": message}.
func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	log := observe.Logger(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", c.FullPath(), "status", status, "err", err)
	} else {
		log.Info("request rejected", "path", c.FullPath(), "status", status, "err", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"detail": fault.Detail(err)})
}

// bindJSON decodes the body into dst, classifying failures as invalid input.
func bindJSON(c *gin.Context, op string, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return fault.InvalidInput(op, "invalid request body: %v", err)
	}
	return nil
}

// setFallback marks a response whose audio used the default voice.
func setFallback(c *gin.Context, used bool) {
	if used {
		c.Header(HeaderVoiceFallback, "default")
	}
}

// headerSafe makes s usable as a single header value.
func headerSafe(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}
