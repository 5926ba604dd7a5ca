package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/joeycumines/go-scriptloop/thread"
)

type threadResponse struct {
	ID      uint64 `json:"id"`
	Label   string `json:"label"`
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

type startThreadRequest struct {
	Entry   string         `json:"entry"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toThreadResponse(t *thread.Thread) threadResponse {
	resp := threadResponse{
		ID:    t.ID(),
		Label: t.Label(),
		State: t.State().String(),
	}
	if q := t.Queue(); q != nil {
		resp.Pending = q.Len()
	}
	return resp
}

func (s *Server) handleListThreads(w http.ResponseWriter, _ *http.Request) {
	threads := s.runtime.Threads()
	resp := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, toThreadResponse(t))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartThread(w http.ResponseWriter, r *http.Request) {
	if s.start == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("starting threads is not enabled"))
		return
	}
	var req startThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Entry == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("entry is required"))
		return
	}
	t, err := s.start(req.Entry, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toThreadResponse(t))
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupThread(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, toThreadResponse(t))
}

func (s *Server) handleInterruptThread(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupThread(w, r)
	if !ok {
		return
	}
	t.Interrupt()
	s.writeJSON(w, http.StatusAccepted, toThreadResponse(t))
}

func (s *Server) lookupThread(w http.ResponseWriter, r *http.Request) (*thread.Thread, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid thread id: %w", err))
		return nil, false
	}
	for _, t := range s.runtime.Threads() {
		if t.ID() == id {
			return t, true
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Errorf("thread %d not found", id))
	return nil, false
}
