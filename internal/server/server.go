// Package server exposes the sync engine over HTTP: the document websocket,
// a small REST surface for reading and editing content, and a health check.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/auth"
	"collabtext/internal/room"
)

// Options tunes a Server.
type Options struct {
	// Degraded reports whether persistence runs on its fallback store.
	Degraded func() bool
}

// Server routes HTTP requests to the access gate and the room registry.
type Server struct {
	gate     *auth.Gate
	rooms    *room.Registry
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New creates a Server.
func New(gate *auth.Gate, rooms *room.Registry, opts Options) *Server {
	if opts.Degraded == nil {
		opts.Degraded = func() bool { return false }
	}
	return &Server{
		gate:  gate,
		rooms: rooms,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: slog.Default().With("component", "server"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/ws/{docID}").HandlerFunc(s.serveWs)
	r.Methods(http.MethodGet).Path("/api/documents/{docID}/content").HandlerFunc(s.getContent)
	r.Methods(http.MethodPut).Path("/api/documents/{docID}/content").HandlerFunc(s.putContent)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Info("handled", "method", r.Method, "path", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("sync server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Rooms:    s.rooms.Len(),
		Degraded: s.opts.Degraded(),
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Degraded bool   `json:"degraded"`
}
