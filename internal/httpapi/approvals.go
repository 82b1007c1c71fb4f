package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/pkg/api"
)

// AnonymousActor is recorded when a decision arrives without an actor.
const AnonymousActor = "anonymous"

type resolveRequest struct {
	SessionID string           `json:"session_id"`
	Decision  string           `json:"decision"`
	Actor     string           `json:"actor,omitempty"`
	Payload   approval.Payload `json:"payload,omitempty"`
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := api.ParseDecision(body.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := strings.TrimSpace(body.Actor)
	if actor == "" {
		actor = AnonymousActor
	}
	if actor == api.ActorSystem || strings.HasPrefix(actor, api.ActorSystem+":") {
		s.writeError(w, r, &api.ValidationError{Field: "actor", Message: "system actors are reserved"})
		return
	}
	if body.SessionID == "" {
		s.writeError(w, r, &api.ValidationError{Field: "session_id", Message: "must not be empty"})
		return
	}

	req, err := s.gate.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionID != body.SessionID {
		s.writeError(w, r, &api.ValidationError{Field: "session_id", Message: "does not match the approval request"})
		return
	}

	res, err := s.gate.Resolve(r.Context(), req.ID, decision, actor, body.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.gate.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters []approval.Filter
	if id := q.Get("session_id"); id != "" {
		filters = append(filters, approval.WithSessionID(id))
	}
	if status := q.Get("status"); status != "" {
		filters = append(filters, approval.WithStatus(api.ApprovalStatus(status)))
	}
	reqs, err := s.gate.List(r.Context(), filters...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*api.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}
