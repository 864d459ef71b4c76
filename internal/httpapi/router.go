// Package httpapi exposes the voice and chat operations over HTTP using gin.
//
// Routes live under /api. Errors are classified by [fault.Kind] and mapped to
// a status code in exactly one place, [writeError]; handlers never pick
// status codes for provider failures themselves.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/observe"
)

// Options configures the gin engine built by [Build].
type Options struct {
	// AllowedOrigins are the CORS origins permitted to call the API.
	AllowedOrigins []string

	// Release switches gin to release mode.
	Release bool

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Build constructs a gin engine with recovery and CORS, registers s under
// /api and mounts the optional probe and metrics endpoints.
func Build(s *Server, opts Options) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	s.Register(engine.Group("/api"))

	if opts.Health != nil {
		opts.Health.Register(engine)
	}
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			HeaderProviderKey,
			HeaderSpeechKey,
		},
		ExposeHeaders: []string{
			"Content-Length",
			HeaderAgentAnswer,
			HeaderVoiceFallback,
			observe.HeaderCorrelationID,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			// Credentials cannot be combined with a literal wildcard, so echo
			// the caller's origin instead.
			cfg.AllowOriginFunc = func(string) bool { return true }
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return false }
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
