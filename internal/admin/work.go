package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joeycumines/go-scriptloop/work"
)

type workHealthResponse struct {
	CheckWorkFine bool   `json:"check_work_fine"`
	RecheckPeriod string `json:"recheck_period"`
}

type recheckResponse struct {
	Rearmed int    `json:"rearmed"`
	Error   string `json:"error,omitempty"`
}

// enqueueTaskRequest arms a task. Durations use [time.ParseDuration]
// syntax. TriggerAt takes precedence over Delay.
type enqueueTaskRequest struct {
	Key          string         `json:"key"`
	Entry        string         `json:"entry"`
	Payload      map[string]any `json:"payload,omitempty"`
	TriggerAt    time.Time      `json:"trigger_at"`
	Delay        string         `json:"delay,omitempty"`
	Window       string         `json:"window,omitempty"`
	RecheckDelay string         `json:"recheck_delay,omitempty"`
}

func (x *enqueueTaskRequest) task(now time.Time) (task work.TimedTask, window time.Duration, err error) {
	parse := func(name, s string) time.Duration {
		if s == "" || err != nil {
			return 0
		}
		d, e := time.ParseDuration(s)
		if e != nil {
			err = fmt.Errorf("invalid %s: %w", name, e)
		}
		return d
	}
	delay := parse("delay", x.Delay)
	window = parse("window", x.Window)
	recheckDelay := parse("recheck_delay", x.RecheckDelay)
	if err != nil {
		return
	}
	task = work.TimedTask{
		TriggerAt:    x.TriggerAt,
		Payload:      x.Payload,
		Key:          x.Key,
		Entry:        x.Entry,
		RecheckDelay: recheckDelay,
	}
	if task.TriggerAt.IsZero() && delay > 0 {
		task.TriggerAt = now.Add(delay)
	}
	return
}

func (s *Server) handleWorkHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, workHealthResponse{
		CheckWorkFine: s.provider.IsCheckWorkFine(),
		RecheckPeriod: s.provider.RecheckPeriod().String(),
	})
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	n, err := s.provider.Recheck(r.Context())
	if err != nil {
		s.writeJSON(w, workErrorStatus(err), recheckResponse{Rearmed: n, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, recheckResponse{Rearmed: n})
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	task, window, err := req.task(s.provider.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.provider.EnqueueWork(r.Context(), task, window); err != nil {
		s.writeError(w, workErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task := work.TimedTask{Key: chi.URLParam(r, "key")}
	if err := s.provider.Cancel(r.Context(), task); err != nil {
		s.writeError(w, workErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func workErrorStatus(err error) int {
	switch {
	case errors.Is(err, work.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, work.ErrSchedulerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
