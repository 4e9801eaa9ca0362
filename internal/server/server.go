// Package server exposes the telemetry collector over HTTP.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerr0/beacon/internal/forward"
	"github.com/runnerr0/beacon/internal/health"
	"github.com/runnerr0/beacon/internal/push"
	"github.com/runnerr0/beacon/internal/storage"
)

//go:embed static
var staticFiles embed.FS

// Options wires a Server to its collaborators. Store defaults to the
// not-configured store, Forwarder to a no-op and a nil Hub disables the
// live channel.
type Options struct {
	Store        storage.Store
	Hub          *push.Hub
	Forwarder    forward.Forwarder
	ProbeTimeout time.Duration
	IPHashSalt   string
	LibraryPaths []string
	Logger       *slog.Logger

	// Now is the server clock. Tests replace it.
	Now func() time.Time
}

// Server owns the routes and the shared collaborators behind them.
type Server struct {
	store     storage.Store
	hub       *push.Hub
	forwarder forward.Forwarder
	checker   *health.Checker
	salt      string
	library   *clientLibrary
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics
	dashboard []byte
	handler   http.Handler
}

// New builds a Server and its routing table.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		opts.Store = storage.NotConfigured()
	}
	if opts.Forwarder == nil {
		opts.Forwarder = forward.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LibraryPaths == nil {
		opts.LibraryPaths = DefaultLibraryPaths
	}

	library, err := loadClientLibrary(opts.LibraryPaths)
	if err != nil {
		return nil, err
	}
	if library == nil {
		opts.Logger.Warn("client library not found, /v1/context.min.js will return 404", "paths", opts.LibraryPaths)
	}

	dashboard, err := staticFiles.ReadFile("static/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("loading dashboard: %w", err)
	}

	s := &Server{
		store:     opts.Store,
		hub:       opts.Hub,
		forwarder: opts.Forwarder,
		checker:   health.NewChecker(opts.Store, opts.ProbeTimeout),
		salt:      opts.IPHashSalt,
		library:   library,
		logger:    opts.Logger,
		now:       opts.Now,
		metrics:   newMetrics(opts.Hub),
		dashboard: dashboard,
	}
	s.handler = withRequestID(withCORS(s.withRecover(s.setupRoutes())))
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collect", s.instrumentHandler("collect", s.handleCollect))
	mux.HandleFunc("POST /event", s.instrumentHandler("event", s.handleEvent))
	mux.HandleFunc("GET /health", s.instrumentHandler("health", s.handleHealth))
	mux.HandleFunc("GET /ping", s.instrumentHandler("ping", s.handlePing))
	mux.HandleFunc("GET /bw", s.instrumentHandler("bw", s.handleBandwidth))
	mux.HandleFunc("GET /v1/context.min.js", s.instrumentHandler("context_library", s.handleClientLibrary))
	mux.HandleFunc("GET /{$}", s.instrumentHandler("dashboard", s.handleDashboard))
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.instrumentHandler("ws", s.hub.ServeHTTP))
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests for at most shutdownTimeout. Live subscribers are
// disconnected first since their connections never go idle.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	if s.hub != nil {
		s.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	s.logger.Info("server exited")
	return nil
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", requestID(r.Context()))
}
