package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/metrics"
	"github.com/JakeFAU/taskwatch/internal/runner"
	"github.com/JakeFAU/taskwatch/internal/taskview"
)

const defaultRequestTimeout = 60 * time.Second

// UnitViews is the task list the server reports on; *taskview.Model
// satisfies it.
type UnitViews interface {
	Snapshot() []taskview.View
	Get(id string) (taskview.View, error)
	Cancel(id string) error
}

// RunnerControl drives a cooperative runner; *runner.Controller satisfies it.
type RunnerControl interface {
	Controls() runner.Controls
	Do(ctx context.Context, cmd runner.Command) error
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every request.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the task views and the runner controller.
type Server struct {
	router  chi.Router
	units   *UnitsHandler
	control RunnerControl
	ready   func() error
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithRunnerControl exposes ctl under /v1/runner.
func WithRunnerControl(ctl RunnerControl) Option {
	return func(s *Server) {
		s.control = ctl
	}
}

// WithReadiness makes /readyz report the result of check.
func WithReadiness(check func() error) Option {
	return func(s *Server) {
		s.ready = check
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(views UnitViews, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		units:  NewUnitsHandler(views, logger),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/units", func(r chi.Router) {
			r.Get("/", s.units.ListUnits)
			r.Route("/{unit_id}", func(r chi.Router) {
				r.Get("/", s.units.GetUnit)
				r.Post("/cancel", s.units.CancelUnit)
			})
		})
		r.Route("/runner", func(r chi.Router) {
			r.Get("/", s.runnerControls)
			r.Post("/{command}", s.runnerCommand)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runnerControls(w http.ResponseWriter, _ *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "task runner unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"controls": s.control.Controls()})
}

func (s *Server) runnerCommand(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "task runner unavailable")
		return
	}
	cmd := runner.Command(chi.URLParam(r, "command"))
	if err := s.control.Do(r.Context(), cmd); err != nil {
		switch {
		case errors.Is(err, runner.ErrUnknownCommand):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, runner.ErrCommandDisabled), errors.Is(err, runner.ErrNoRunner):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("runner command failed", zap.String("command", string(cmd)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "runner command failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command":  cmd,
		"controls": s.control.Controls(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
