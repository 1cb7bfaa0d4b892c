package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// RateLimitRPS is the sustained request rate. Zero disables rate limiting.
	RateLimitRPS float64
	// RateLimitBurst is the number of requests allowed above the sustained rate.
	RateLimitBurst int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		RateLimitBurst: 10,
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux.HandleFunc("GET /{$}", h.Welcome)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/upload", h.Upload)
	mux.HandleFunc("POST /api/v1/upload/{$}", h.Upload)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/v1/preferences/{user_id}/{content_type}", h.GetPreferences)
	mux.HandleFunc("POST /api/v1/preferences/{user_id}/{content_type}/feedback", h.SubmitFeedback)
	mux.HandleFunc("GET /files/{key...}", h.ServeFile)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	}
	if cfg.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	return ChainMiddleware(middlewares...)(mux)
}
