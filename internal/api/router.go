// Package api serves the harvested records, run history and health over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alqutdigital/board-harvester/internal/api/handlers"
	"github.com/alqutdigital/board-harvester/internal/api/middleware"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// CORS settings
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         int

	RequestTimeout time.Duration
	Version        string

	EnableRateLimiting bool
	RateLimitConfig    middleware.RateLimitConfig
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:     []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:             300,
		RequestTimeout:     30 * time.Second,
		Version:            "dev",
		EnableRateLimiting: true,
		RateLimitConfig:    middleware.DefaultRateLimitConfig(),
	}
}

// Dependencies holds everything the handlers read from. Runs, Locks, Live and
// RateLimitStore are optional.
type Dependencies struct {
	Logger         *logger.Logger
	Sites          handlers.SiteCatalog
	Records        handlers.RecordReader
	Runs           handlers.RunHistory
	Locks          handlers.LockInspector
	Health         map[string]handlers.HealthChecker
	Gatherer       prometheus.Gatherer
	RateLimitStore middleware.RateLimitStore
	Live           http.Handler
}

// NewRouter builds the API handler. The returned handler is wrapped for
// OpenTelemetry tracing.
func NewRouter(deps Dependencies, config RouterConfig) http.Handler {
	r := chi.NewRouter()

	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("api")

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(chimiddleware.Timeout(config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: config.AllowedMethods,
		AllowedHeaders: config.AllowedHeaders,
		ExposedHeaders: config.ExposedHeaders,
		MaxAge:         config.MaxAge,
	}))

	var rateLimiter *middleware.RateLimiter
	if config.EnableRateLimiting {
		store := deps.RateLimitStore
		if store == nil {
			store = middleware.NewMemoryRateLimitStore()
		}
		rateLimiter = middleware.NewRateLimiter(store, config.RateLimitConfig, log)
	}
	limit := func(kind string) func(http.Handler) http.Handler {
		if rateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return rateLimiter.Middleware(kind)
	}

	r.Get("/health", handlers.HealthCheck(config.Version))
	r.Get("/ready", handlers.ReadyCheck(deps.Health))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.With(limit("default")).Get("/sites", handlers.ListSites(deps.Sites, deps.Runs, deps.Locks, log))
		r.Route("/sites/{code}", func(r chi.Router) {
			r.With(limit("default")).Get("/", handlers.GetSite(deps.Sites, deps.Runs, deps.Locks, log))
			r.With(limit("default")).Get("/records", handlers.ListRecords(deps.Sites, deps.Records, log))
			r.With(limit("default")).Get("/records/{seq}", handlers.GetRecord(deps.Sites, deps.Records, log))
			r.With(limit("download")).Get("/records/{seq}/attachments/{name}", handlers.DownloadAttachment(deps.Sites, deps.Records, log))
		})

		r.Route("/runs", func(r chi.Router) {
			r.Use(limit("default"))
			r.Get("/", handlers.ListRuns(deps.Runs, log))
			r.Get("/{id}/failures", handlers.GetRunFailures(deps.Runs, log))
		})

		if deps.Live != nil {
			r.Handle("/live", deps.Live)
		}
	})

	return otelhttp.NewHandler(r, "board-harvester-api")
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config ServerConfig, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         formatAddr(config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		log: log,
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// formatAddr formats host and port into an address string.
func formatAddr(host string, port int) string {
	if host == "" {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
