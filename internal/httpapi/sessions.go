package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/pkg/api"
)

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req api.StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionType == api.SessionRecovery {
		s.writeError(w, r, &api.ValidationError{Field: "session_type", Message: "recovery sessions are started by the orchestrator"})
		return
	}
	id, err := s.orch.Launch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: id})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.SessionFilter{
		Status:       api.Status(q.Get("status")),
		WorkflowType: q.Get("workflow_type"),
		SessionType:  api.SessionType(q.Get("session_type")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, &api.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	sessions, err := s.orch.Sessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*api.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) sessionAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Session(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	trail, err := s.orch.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trail == nil {
		trail = []api.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, trail)
}
