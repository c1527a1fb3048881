// Package server provides the HTTP and websocket server for Spotwise.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/spotwise/internal/server/api"
	"github.com/ayusman/spotwise/internal/store"
	"github.com/ayusman/spotwise/internal/stream"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Hub       *stream.Hub
	Logger    *zap.SugaredLogger

	// SendBuffer is the number of outbound messages queued per viewer (default: 8).
	SendBuffer int
	// WriteTimeout bounds a single websocket write (default: 5s).
	WriteTimeout time.Duration
}

// Server represents the HTTP server for the Spotwise application.
type Server struct {
	config  Config
	router  *mux.Router
	handler http.Handler
	start   time.Time
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	conns map[*connection]struct{}
	wg    sync.WaitGroup
	http  *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 8
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	s := &Server{
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
		logger: config.Logger,
		conns:  make(map[*connection]struct{}),
	}
	s.setupRoutes()
	s.handler = cors.AllowAll().Handler(s.router)
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	// Register camera API handler if Store is configured
	if s.config.Store != nil {
		api.NewCameraHandler(s.config.Store).Register(s.router.PathPrefix("/api/cameras").Subrouter())
	}

	if s.config.Hub != nil {
		s.router.HandleFunc("/api/streams", s.handleStreams).Methods(http.MethodGet)
		s.router.HandleFunc("/ws", s.handleWebSocket)

		// Without a UI to serve, viewers may connect at the root.
		if s.config.StaticDir == "" {
			s.router.Handle("/", http.HandlerFunc(s.handleWebSocket))
		}
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// handleStreams handles GET requests to /api/streams.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": s.config.Hub.Streams(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, closes every viewer connection and
// waits for their sessions to stop. Sources are released by their pumps; see
// stream.Hub.Close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
			err = shutdownErr
		}
	}

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Connections returns the number of open viewer connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
