// Package admin implements the daemon's HTTP administration API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/go-scriptloop/work"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// StartFunc starts a script thread for entry, with payload exposed to it.
type StartFunc func(entry string, payload map[string]any) (*thread.Thread, error)

// Server wraps the chi router and the components it administers.
type Server struct {
	router   *chi.Mux
	runtime  *thread.Runtime
	provider *work.Provider
	start    StartFunc
	gatherer prometheus.Gatherer
	logger   *logiface.Logger[logiface.Event]
}

// NewServer configures a server. The provider and start function may be
// nil, in which case their routes respond 503.
func NewServer(rt *thread.Runtime, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("admin: nil runtime")
	}
	cfg := resolveOptions(opts)
	s := &Server{
		router:   chi.NewRouter(),
		runtime:  rt,
		provider: cfg.provider,
		start:    cfg.start,
		gatherer: cfg.gatherer,
		logger:   cfg.logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)

	s.routes()

	return s, nil
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/v1/threads", func(r chi.Router) {
		r.Get("/", s.handleListThreads)
		r.Post("/", s.handleStartThread)
		r.Get("/{id}", s.handleGetThread)
		r.Delete("/{id}", s.handleInterruptThread)
	})

	s.router.Route("/v1/work", func(r chi.Router) {
		r.Use(s.requireProvider)
		r.Get("/health", s.handleWorkHealth)
		r.Post("/recheck", s.handleRecheck)
		r.Post("/tasks", s.handleEnqueueTask)
		r.Delete("/tasks/{key}", s.handleCancelTask)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str(`addr`, addr).
			Log(`admin: listening`)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Log(`admin: stopped`)
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str(`method`, r.Method).
			Str(`path`, r.URL.Path).
			Int(`status`, ww.Status()).
			Dur(`duration`, time.Since(start)).
			Str(`request_id`, middleware.GetReqID(r.Context())).
			Log(`admin: request`)
	})
}

func (s *Server) requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.provider == nil {
			s.writeError(w, http.StatusServiceUnavailable, errors.New("work provider not configured"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Err().
			Err(err).
			Log(`admin: encode response`)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
