// Package server exposes the answering pipeline over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/fedrag/privacy-rag/pipeline"
	"github.com/fedrag/privacy-rag/telemetry"
)

// Answerer runs one question through the pipeline
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// HealthReporter reports detector health
type HealthReporter interface {
	IsHealthy() bool
	GetInfo() map[string]interface{}
}

// WeeklySource supplies the rolling weekly rollup
type WeeklySource interface {
	Snapshot() []telemetry.WeeklyCounters
}

// Options holds HTTP settings
type Options struct {
	Port           string
	RequestTimeout time.Duration
	AllowedOrigins []string
	RateLimit      float64 // requests per second, 0 disables limiting
	RateBurst      int
	MaxBodyBytes   int64
}

// Deps are the collaborators behind the routes. Metrics may be nil, which
// leaves /metrics unregistered.
type Deps struct {
	Pipeline Answerer
	Health   HealthReporter
	Weekly   WeeklySource
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	opts       Options
	deps       Deps
	logger     *slog.Logger
	limiter    *rate.Limiter
	handler    http.Handler
	httpServer *http.Server
}

const defaultMaxBodyBytes = 1 << 20

// NewServer creates a new server instance
func NewServer(opts Options, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	router := mux.NewRouter()
	router.Use(s.correlationMiddleware)
	router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/telemetry/weekly", s.weeklyTelemetry).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	router.Handle("/chat", s.rateLimitMiddleware(http.HandlerFunc(s.chat))).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
		MaxAge:         600,
	})
	s.handler = c.Handler(router)
	s.httpServer = &http.Server{
		Addr:         opts.Port,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped router
func (s *Server) Handler() http.Handler { return s.handler }

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting answering service", "port", s.opts.Port, "request_timeout", s.opts.RequestTimeout.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeTimeout leaves room for the pipeline deadline plus encoding
func (s *Server) writeTimeout() time.Duration {
	if s.opts.RequestTimeout+5*time.Second > 15*time.Second {
		return s.opts.RequestTimeout + 5*time.Second
	}
	return 15 * time.Second
}
