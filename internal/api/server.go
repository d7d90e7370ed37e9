package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
)

// Runner executes pipeline plans.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// KeyRegistrar creates API keys.
type KeyRegistrar interface {
	RegisterKey(ctx context.Context, apiKey, today string) (gateway.UsageRecord, error)
}

// EgressStatus reports the VPN connection state.
type EgressStatus interface {
	Status(ctx context.Context) (gateway.EgressState, error)
}

// Prober checks upstream reachability from the current egress.
type Prober interface {
	CheckReachability(ctx context.Context) (int, error)
	CurrentPublicIP(ctx context.Context) (string, error)
}

// ArtifactVerifier validates signed artifact handles.
type ArtifactVerifier interface {
	Verify(objectKey, expires, sig string) error
}

// Config holds HTTP-facing settings.
type Config struct {
	DeviceID       string
	RequestTimeout time.Duration
	AllowedOrigins []string
	QuotaLimit     int
}

// Dependencies are the collaborators behind the handlers. Artifacts and
// Verifier are nil when the blob backend presigns its own URLs.
type Dependencies struct {
	Pipeline  Runner
	Keys      KeyRegistrar
	Egress    EgressStatus
	Prober    Prober
	Artifacts gateway.ObjectReader
	Verifier  ArtifactVerifier
	Ready     func(ctx context.Context) error
	Clock     gateway.Clock
	IDs       gateway.IDGenerator
}

// Server wires HTTP handlers to the gateway pipeline.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"*"},
		ExposedHeaders:     []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		OptionsPassthrough: true,
	}))
	r.Use(preflightMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
	})

	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/fetch", s.fetch)
	r.Get("/get-ip", s.getIP)
	r.Get("/health/google", s.healthGoogle)
	r.Get("/reset-ip", s.resetIP)
	r.Get("/vpn-status", s.vpnStatus)
	r.Post("/create_user", s.createUser)
	r.Get("/search", s.search)
	r.Get("/artifacts/*", s.artifact)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

type errorBody struct {
	Detail   string `json:"detail"`
	Error    string `json:"error"`
	DeviceID string `json:"device_id,omitempty"`
}

// writeError maps err's kind to a status and writes the error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", gateway.Code(err)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{
		Detail:   gateway.Detail(err),
		Error:    gateway.Code(err),
		DeviceID: s.cfg.DeviceID,
	})
}

// writeRunError is writeError for work bounded by ctx: once the request
// deadline has passed the client gets the timeout envelope instead of
// whatever the interrupted step returned.
func (s *Server) writeRunError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.writeError(w, r, err)
		return
	}
	s.logger.Error("request timed out",
		zap.String("path", r.URL.Path),
		zap.Duration("timeout", s.cfg.RequestTimeout),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Detail:   "Request timed out",
		Error:    "timeout",
		DeviceID: s.cfg.DeviceID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidInput), errors.Is(err, gateway.ErrKeyAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrMissingCredential), errors.Is(err, gateway.ErrUnknownAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
