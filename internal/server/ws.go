package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/auth"
	"collabtext/internal/room"
)

// serveWs admits the caller through the gate before upgrading, so rejected
// callers get a plain HTTP status.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	p, err := s.gate.Authorize(r.Context(), auth.TokenFromRequest(r), docID, auth.AccessRead)
	if err != nil {
		s.log.Info("connection rejected", "doc", docID, "err", err)
		writeError(w, err)
		return
	}
	if _, err := s.rooms.Acquire(r.Context(), docID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade", "doc", docID, "err", err)
		return
	}

	// Work queued by this connection outlives a disconnect.
	ctx := context.WithoutCancel(r.Context())
	c := s.rooms.NewClient(conn, room.Session{
		UserID:      p.UserID,
		DisplayName: p.Username,
		CanEdit:     p.CanEdit(),
	})
	rm, err := s.rooms.Connect(ctx, docID, c)
	if err != nil {
		s.log.Error("join failed", "doc", docID, "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	c.Serve(ctx, rm)
}
