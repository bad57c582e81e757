// Package gateway exposes the HTTP API for chat, voice, and audio
// retrieval.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/voxlab/voicebot/pkg/agent"
	"github.com/voxlab/voicebot/pkg/audiocache"
	"github.com/voxlab/voicebot/pkg/config"
	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/ratelimit"
	"github.com/voxlab/voicebot/pkg/session"
	"github.com/voxlab/voicebot/pkg/upstream"
	"github.com/voxlab/voicebot/pkg/voice"
)

// publicPaths are reachable without a Bearer token.
var publicPaths = []string{"/api/health", "/ping"}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Sessions *session.Store
	Cache    *audiocache.Cache
	Agent    *agent.Agent
	Pipeline *voice.Pipeline
	Health   upstream.HealthChecker
	Limiter  *ratelimit.Limiter
	Version  string
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	server   *http.Server
	sessions *session.Store
	cache    *audiocache.Cache
	agent    *agent.Agent
	pipeline *voice.Pipeline
	health   upstream.HealthChecker
	limiter  *ratelimit.Limiter
	version  string

	maxAudioBytes int64
	audioFormat   string
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:           cfg,
		sessions:      deps.Sessions,
		cache:         deps.Cache,
		agent:         deps.Agent,
		pipeline:      deps.Pipeline,
		health:        deps.Health,
		limiter:       deps.Limiter,
		version:       deps.Version,
		maxAudioBytes: cfg.Voice.MaxAudioBytes,
		audioFormat:   cfg.Voice.TTSFormat,
	}
}

// Handler builds the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/session/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("DELETE /api/session/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /api/voice-chat", s.handleVoiceChat)
	mux.HandleFunc("POST /api/tts", s.handleTTS)
	mux.HandleFunc("GET /api/audio/{id}", s.handleAudioGet)
	mux.HandleFunc("DELETE /api/audio/{id}", s.handleAudioDelete)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(s.limiter, handler)
	handler = AuthMiddleware(s.cfg.APIKey, publicPaths, handler)
	handler = CORSMiddleware(s.cfg.CORS.AllowedOrigins, handler)
	handler = LoggingMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening on the configured host:port.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoCF("gateway", "HTTP server starting", map[string]any{"addr": addr})
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
