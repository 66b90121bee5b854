// Package api exposes the HTTP interface for the batch engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
	"github.com/urlsieve/urlsieve/internal/config"
	"github.com/urlsieve/urlsieve/internal/metrics"
	"github.com/urlsieve/urlsieve/internal/scheduler"
)

// Engine is the scheduling surface the handlers drive.
type Engine interface {
	Submit(urls []string) (string, error)
	SubmitWithID(id string, urls []string) (string, error)
	Status(id string) (batch.Batch, error)
	List() []batch.Batch
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Delete(id string) error
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	engine Engine
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/", s.listBatches)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.batchStatus)
				r.Post("/pause", s.pauseBatch)
				r.Post("/resume", s.resumeBatch)
				r.Post("/cancel", s.cancelBatch)
				r.Delete("/", s.deleteBatch)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	// ID is optional: re-submitting under a known identifier resumes an
	// interrupted batch from its checkpoint.
	ID   string   `json:"id"`
	URLs []string `json:"urls"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var (
		id  string
		err error
	)
	if req.ID != "" {
		id, err = s.engine.SubmitWithID(req.ID, req.URLs)
	} else {
		id, err = s.engine.Submit(req.URLs)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s *Server) listBatches(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"batches": s.engine.List()})
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Pause, string(batch.StatusPaused))
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Resume, string(batch.StatusRunning))
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Cancel, "canceling")
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Delete, "deleted")
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error, status string) {
	id := chi.URLParam(r, "batch_id")
	if err := op(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": status})
}

// writeEngineError maps the engine's sentinel errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrBatchNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrEmptyBatch):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrBatchExists),
		errors.Is(err, scheduler.ErrBatchNotPaused),
		errors.Is(err, scheduler.ErrBatchNotRunning),
		errors.Is(err, scheduler.ErrBatchNotTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
