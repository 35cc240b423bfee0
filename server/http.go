// Package server exposes the CAS and action cache over HTTP.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/ac"
	"github.com/wolfeidau/cas-cache/store"
	"github.com/wolfeidau/cas-cache/store/gc"
	"github.com/wolfeidau/cas-cache/telemetry"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Cache is the subset of *store.FileCache the server needs.
type Cache interface {
	HashFunction() cascache.HashFunction
	Contains(d cascache.Digest) bool
	Resolve(ctx context.Context, d cascache.Digest) (*store.Blob, error)
	Put(ctx context.Context, d cascache.Digest, r io.Reader) (*store.EntryInfo, error)
	Stats() store.Stats
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a bearer token.
	AuthToken string

	// MaxActionResultBytes caps the body of PUT /ac requests. Default 16MiB.
	MaxActionResultBytes int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache   Cache
	actions ac.ActionCache
	gc      *gc.Manager
}

// Option configures optional server components.
type Option func(*Server)

// WithActionCache serves /ac routes from actions.
func WithActionCache(actions ac.ActionCache) Option {
	return func(s *Server) {
		s.actions = actions
	}
}

// WithGC exposes the manager on /admin/gc and runs it alongside the server.
func WithGC(m *gc.Manager) Option {
	return func(s *Server) {
		s.gc = m
	}
}

// New creates a new server with the given configuration.
func New(cfg Config, cache Cache, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxActionResultBytes <= 0 {
		cfg.MaxActionResultBytes = 16 << 20
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  cache,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Minute, // blobs can be large and fetched lazily
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// GET also serves HEAD
	mux.HandleFunc("GET /cas/{hash}/{size}", s.handleGetBlob)
	mux.HandleFunc("PUT /cas/{hash}/{size}", s.handlePutBlob)

	if s.actions != nil {
		mux.HandleFunc("GET /ac/{hash}", s.handleGetAction)
		mux.HandleFunc("PUT /ac/{hash}", s.handlePutAction)
	}

	if s.gc != nil {
		mux.HandleFunc("POST /admin/gc", s.handleRunGC)
		mux.HandleFunc("GET /admin/gc/status", s.handleGCStatus)
	}
}

// Start starts the background GC manager, if any, then serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.gc != nil {
		s.gc.Start(ctx)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if s.gc != nil {
		err = errors.Join(err, s.gc.Stop(ctx))
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetSurface(r, deriveSurface(r.URL.Path))

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", tags.Surface,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		level := slog.LevelInfo
		if tags.Surface == "internal" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies the request path for metrics and logs.
func deriveSurface(path string) string {
	switch {
	case path == "/healthz" || path == "/metrics":
		return "internal"
	case path == "/stats":
		return "stats"
	case strings.HasPrefix(path, "/cas/"):
		return "cas"
	case strings.HasPrefix(path, "/ac/"):
		return "ac"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	default:
		return "unknown"
	}
}
