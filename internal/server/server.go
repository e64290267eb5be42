// Package server exposes the sync engine to local clients over REST and
// WebSocket on a loopback address.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/offlinesync/internal/logging"
	offsync "github.com/kimhsiao/offlinesync/internal/sync"
)

const shutdownTimeout = 5 * time.Second

// Server routes HTTP requests to the engine and pushes engine changes to
// WebSocket clients.
type Server struct {
	engine offsync.EngineInterface
	hub    *Hub
	router *mux.Router
	log    *logging.Logger
	detach func()
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHub replaces the default hub.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// New creates a Server for engine and subscribes its hub to engine changes.
func New(engine offsync.EngineInterface, opts ...Option) *Server {
	s := &Server{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Get().Component("server")
	}
	if s.hub == nil {
		s.hub = NewHub(WithHubLogger(s.log))
	}
	s.detach = Attach(engine, s.hub)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(notFound)

	// API routes live on the root router; a mux subrouter answers 404
	// instead of 405 for a known path with the wrong method.
	api := func(path string, h http.HandlerFunc, method string) {
		r.Handle("/api"+path, s.logRequests(h)).Methods(method)
	}

	api("/health", s.health, http.MethodGet)
	api("/status", s.getStatus, http.MethodGet)

	api("/queue", s.listQueue, http.MethodGet)
	api("/queue", s.enqueue, http.MethodPost)
	api("/queue", s.clearQueue, http.MethodDelete)
	api("/queue/{id}", s.getQueued, http.MethodGet)
	api("/queue/{id}", s.removeQueued, http.MethodDelete)
	api("/mutations", s.submit, http.MethodPost)

	api("/sync", s.syncNow, http.MethodPost)
	api("/sync/retry", s.retryFailed, http.MethodPost)
	api("/sync/auto", s.setAutoSync, http.MethodPut)

	api("/notifications", s.listNotifications, http.MethodGet)
	api("/notifications", s.addNotification, http.MethodPost)
	api("/notifications/{id}", s.removeNotification, http.MethodDelete)
	api("/offline-mode", s.setOfflineMode, http.MethodPut)

	api("/network", s.setNetwork, http.MethodPut)
	api("/network/refresh", s.refreshNetwork, http.MethodPost)

	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close detaches from the engine and disconnects WebSocket clients.
func (s *Server) Close() {
	s.detach()
	s.hub.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Server listening", map[string]interface{}{"addr": addr})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("Server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
