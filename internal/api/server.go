package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/voicebridge/internal/ailive"
	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

// aiDialFunc opens an AI streaming session. Injectable so the stream
// handler can be tested without a live AI service.
type aiDialFunc func(ctx context.Context, cfg ailive.Config, logger *slog.Logger) (bridge.Endpoint, error)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	cfg          *config.Config
	registry     *bridge.Registry
	orchestrator *bridge.Orchestrator
	provider     *telephony.Client
	codec        audio.Codec
	tokenSecret  []byte
	pending      *pendingStore
	dialAI       aiDialFunc
	gatherer     prometheus.Gatherer
	logger       *slog.Logger

	apiLimiter  *middleware.IPRateLimiter
	callLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, registry *bridge.Registry, orchestrator *bridge.Orchestrator, provider *telephony.Client, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	codec, err := audio.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	secret, err := cfg.StreamTokenSecretBytes()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		provider:     provider,
		codec:        codec,
		tokenSecret:  secret,
		pending:      newPendingStore(),
		gatherer:     gatherer,
		logger:       logger.With("subsystem", "api"),
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		callLimiter:  middleware.NewIPRateLimiter(middleware.CallRateLimitConfig()),
	}
	s.dialAI = func(ctx context.Context, acfg ailive.Config, logger *slog.Logger) (bridge.Endpoint, error) {
		return ailive.Dial(ctx, acfg, logger)
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background rate-limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.callLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/calls", func(r chi.Router) {
			r.With(middleware.RateLimit(s.callLimiter)).Post("/", s.handleInitiateCall)
			r.With(middleware.RateLimit(s.apiLimiter)).Get("/active", s.handleListActiveCalls)
			r.Route("/{callID}", func(r chi.Router) {
				r.Use(middleware.RateLimit(s.apiLimiter))
				r.Get("/", s.handleGetCall)
				r.Post("/hangup", s.handleHangupCall)
			})
		})

		// Provider-facing endpoints. The connect webhook and the media
		// stream are authenticated by the stream token, not rate limited:
		// the provider retries aggressively and a 429 would kill the call.
		r.Route("/telephony", func(r chi.Router) {
			r.Get("/connect", s.handleConnect)
			r.Post("/connect", s.handleConnect)
			r.Get("/stream", s.handleStream)
		})
	})
}

// handleHealth reports liveness and the current session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
	})
}
