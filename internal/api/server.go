// Package api exposes the camera over HTTP: the live MJPEG stream,
// snapshots, recording control, movement state and the video catalog.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/framestream"
	"github.com/Waupie/home-security-camera/internal/movement"
	"github.com/Waupie/home-security-camera/internal/recorder"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

// MaxRecordDuration caps the duration a client may ask for.
const MaxRecordDuration = 10 * time.Minute

// FrameSource is the live view the stream and snapshot routes read.
type FrameSource interface {
	Snapshot(ctx context.Context) []byte
	Subscribe() (<-chan framestream.EncodedFrame, func())
}

// Recorder starts clips and reports the last finished one.
type Recorder interface {
	Start(d time.Duration) (recorder.Job, error)
	LastRecording() (string, bool)
}

// Deps are the components the routes serve. Catalog, Checks and Metrics
// may be nil.
type Deps struct {
	Stream         FrameSource
	Recorder       Recorder
	Movement       *movement.State
	Catalog        storage.Lister
	RecordingsDir  string
	RecordDuration time.Duration

	// Checks are run by GET /api/health; any failure reports "degraded".
	Checks map[string]HealthCheck
	// Metrics are component counters included in the health response.
	Metrics map[string]func() any
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	deps       Deps
	logger     *zap.Logger

	// baseCtx is the parent of every request context. Shutdown cancels it
	// so open streams end.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	hub            *MovementHub
	recordLimiter  *RateLimiter
	allowedOrigins map[string]bool
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRecordLimiter replaces the default limiter on POST /record.
func WithRecordLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.recordLimiter = rl }
}

// WithAllowedOrigins sets the CORS whitelist.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			s.allowedOrigins[o] = true
		}
	}
}

// NewServer creates a new API server
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		deps: deps,
		allowedOrigins: map[string]bool{
			"http://localhost:8000": true,
			"http://localhost:3000": true,
			"http://127.0.0.1:8000": true,
			"http://127.0.0.1:3000": true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = camlog.Or(s.logger, "api")
	if s.recordLimiter == nil {
		s.recordLimiter = NewRateLimiter(10, time.Minute)
	}
	if s.deps.RecordDuration <= 0 {
		s.deps.RecordDuration = 10 * time.Second
	}

	s.hub = NewMovementHub(deps.Movement, s.logger.Named("ws"), s.checkOrigin)
	go s.hub.Run()

	s.routes()

	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	// No WriteTimeout: /stream and /ws/movement stay open indefinitely.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /stream", s.handleStream)
	s.mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /record", s.recordLimiter.Middleware(s.handleRecord))
	s.mux.HandleFunc("GET /last_recording", s.handleLastRecording)
	s.mux.HandleFunc("GET /recordings/{name}", s.handleRecording)
	s.mux.HandleFunc("GET /movement", s.handleMovement)
	s.mux.HandleFunc("POST /movement/force", s.handleForceMovement)
	s.mux.HandleFunc("GET /videos", s.handleVideos)
	s.mux.HandleFunc("GET /videos/grouped", s.handleVideosGrouped)
	s.mux.Handle("GET /ws/movement", s.hub)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.corsMiddleware(s.mux))
}

// Hub exposes the movement push hub.
func (s *Server) Hub() *MovementHub { return s.hub }

// corsMiddleware adds CORS headers for whitelisted origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkOrigin gates WebSocket upgrades with the CORS whitelist. Requests
// without an Origin header (non-browser clients) and same-host pages pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowedOrigins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine. Errors other than a
// clean shutdown are sent on the returned channel.
func (s *Server) StartInBackground() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.baseCancel()
	s.hub.Close()
	s.recordLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
