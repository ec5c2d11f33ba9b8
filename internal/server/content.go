package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"collabtext/internal/auth"
	"collabtext/internal/crdt"
	"collabtext/internal/domain"
)

type contentResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Version int64  `json:"version"`
}

// contentRequest replaces the text with Content, or applies Operations as
// one atomic batch.
type contentRequest struct {
	Content    *string   `json:"content"`
	Operations []crdt.Op `json:"operations"`
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if _, err := s.gate.Authorize(r.Context(), auth.TokenFromRequest(r), docID, auth.AccessRead); err != nil {
		writeError(w, err)
		return
	}
	text, version, err := s.rooms.Content(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{ID: docID, Content: text, Version: version})
}

func (s *Server) putContent(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if _, err := s.gate.Authorize(r.Context(), auth.TokenFromRequest(r), docID, auth.AccessWrite); err != nil {
		writeError(w, err)
		return
	}

	var req contentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.Join(domain.ErrInvalidInput, err))
		return
	}
	var ops []crdt.Op
	switch {
	case req.Operations != nil:
		ops = req.Operations
	case req.Content != nil:
		ops = []crdt.Op{crdt.SetOp(*req.Content)}
	default:
		writeError(w, errors.Join(domain.ErrInvalidInput, errors.New("content or operations required")))
		return
	}

	text, version, err := s.rooms.ApplyOperations(r.Context(), docID, ops)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{ID: docID, Content: text, Version: version})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := auth.StatusCode(err)
	code := "internal_error"
	switch {
	case errors.Is(err, domain.ErrPersistence):
		status, code = http.StatusServiceUnavailable, "persistence_unavailable"
	case status == http.StatusUnauthorized:
		code = "unauthorized"
	case status == http.StatusForbidden:
		code = "forbidden"
	case status == http.StatusNotFound:
		code = "not_found"
	case status == http.StatusBadRequest:
		code = "invalid_request"
	}
	writeJSON(w, status, errorResponse{Error: code})
}
