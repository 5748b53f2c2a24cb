package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"marketplace-live/internal/auth"
	"marketplace-live/internal/observability/logging"
	"marketplace-live/internal/observability/metrics"
	"marketplace-live/internal/realtime"
)

const (
	producerKeyHeader      = "X-Producer-Key"
	defaultMaxPublishBytes = 64 << 10
	healthTimeout          = 2 * time.Second
)

// HealthCheck reports whether the backing stores are reachable.
type HealthCheck func(ctx context.Context) error

// Config wires the HTTP surface.
type Config struct {
	Addr    string
	Hub     *realtime.Hub
	// Gateway serves /ws. When it implements io.Closer it is closed as the
	// server shuts down so hijacked websocket connections get a close frame.
	Gateway http.Handler
	// ProducerKey guards /v1/updates. Nil leaves the producer API unmounted.
	ProducerKey     *auth.ProducerKey
	Health          HealthCheck
	AllowedOrigins  []string
	RateLimit       RateLimitConfig
	Security        SecurityConfig
	MaxPublishBytes int64
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Server owns the router and the http.Server that runs it.
type Server struct {
	httpServer      *http.Server
	hub             *realtime.Hub
	producerKey     *auth.ProducerKey
	health          HealthCheck
	limiter         *handshakeLimiter
	maxPublishBytes int64
	logger          *slog.Logger
	metrics         *metrics.Recorder
}

// New builds the router and server for cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	s := &Server{
		hub:             cfg.Hub,
		producerKey:     cfg.ProducerKey,
		health:          cfg.Health,
		limiter:         newHandshakeLimiter(cfg.RateLimit),
		maxPublishBytes: cfg.MaxPublishBytes,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.maxPublishBytes <= 0 {
		s.maxPublishBytes = defaultMaxPublishBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return requestIDMiddleware(s.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) })
	r.Use(cors.Handler(corsOptions(cfg.AllowedOrigins)))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(s.metrics, next) })
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.With(s.limitHandshakes).Method(http.MethodGet, "/ws", cfg.Gateway)
	if s.producerKey != nil {
		r.Route("/v1/updates", func(r chi.Router) {
			r.Use(s.requireProducer)
			r.Post("/", s.handlePublish)
			r.Get("/{entityType}/{entityID}", s.handleOfflineUpdates)
		})
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if closer, ok := cfg.Gateway.(io.Closer); ok {
		s.httpServer.RegisterOnShutdown(func() {
			if err := closer.Close(); err != nil {
				s.logger.Warn("failed to close websocket connections", "error", err)
			}
		})
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func corsOptions(origins []string) cors.Options {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	return cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", producerKeyHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"onlineUsers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	registry := s.hub.Registry()
	resp := healthResponse{
		Status:      "ok",
		Connections: registry.TotalConnectionCount(),
		OnlineUsers: len(registry.AllOnlineUsers()),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			loggerFor(r, s.logger).Warn("health check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = "store unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireProducer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.producerKey.Verify(r.Header.Get(producerKeyHeader)) {
			writeError(w, http.StatusUnauthorized, "invalid producer key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type publishRequest struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
}

// handlePublish accepts an update from a server-side producer. Delivery
// problems are handled by the retry queue so the answer is 202 for every
// valid request.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxPublishBytes)
	var req publishRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, realtime.ErrInvalidPayload.Error())
		return
	}
	if err := s.hub.Publish(r.Context(), req.EntityType, req.EntityID, req.Payload); err != nil {
		s.writeRealtimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type offlineUpdatesResponse struct {
	Records []realtime.ReplayRecord `json:"records"`
}

func (s *Server) handleOfflineUpdates(w http.ResponseWriter, r *http.Request) {
	records, err := s.hub.OfflineUpdates(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeRealtimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offlineUpdatesResponse{Records: records})
}

func (s *Server) writeRealtimeError(w http.ResponseWriter, r *http.Request, err error) {
	var subErr *realtime.SubscriptionError
	switch {
	case errors.As(err, &subErr):
		writeError(w, http.StatusBadRequest, subErr.Error())
	case errors.Is(err, realtime.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, realtime.ErrInvalidPayload.Error())
	default:
		loggerFor(r, s.logger).Error("realtime request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func loggerFor(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return fallback
}
