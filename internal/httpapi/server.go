// Package httpapi exposes the orchestrator over HTTP: starting sessions,
// streaming their events as Server-Sent Events, resolving approval
// requests and reading sessions, approvals and audit trails.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/events"
	"github.com/petrijr/reviewflow/internal/orchestrator"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/pkg/api"
)

// DefaultKeepAlive is the interval between SSE comment frames on an idle
// stream.
const DefaultKeepAlive = 15 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// Server holds the HTTP handlers.
type Server struct {
	orch      *orchestrator.Orchestrator
	gate      *approval.Gate
	broker    *events.Broker
	logger    *slog.Logger
	keepAlive time.Duration
}

// New creates a Server.
func New(orch *orchestrator.Orchestrator, gate *approval.Gate, broker *events.Broker, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		gate:      gate,
		broker:    broker,
		logger:    slog.Default(),
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/workflows", s.startWorkflow)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{id}/cancel", s.cancelSession)
		r.Get("/sessions/{id}/audit", s.sessionAudit)
		r.Get("/sessions/{id}/events", s.streamEvents)

		r.Get("/approvals", s.listApprovals)
		r.Get("/approvals/{id}", s.getApproval)
		r.Post("/approvals/{id}", s.resolveApproval)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.orch.Active(),
		"pending_waiters": s.gate.Waiting(),
	})
}

// logRequests logs one line per request after it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(began)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var verr *api.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Field = verr.Field
	case errors.Is(err, persistence.ErrSessionNotFound),
		errors.Is(err, persistence.ErrApprovalNotFound),
		errors.Is(err, events.ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrApprovalConflict),
		errors.Is(err, api.ErrSessionTerminal),
		errors.Is(err, persistence.ErrSessionLocked):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "http_error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &api.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}
