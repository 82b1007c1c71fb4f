package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// run is one execution of a session in this process. The session snapshot
// is only mutated under mu; parallel steps share it.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	session   *api.Session
	finalized bool
	err       error
}

func (r *run) snapshot() *api.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone()
}

func (r *run) status() api.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.Status
}

func (r *run) result() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized, r.err
}

// input builds the task input for step from the accumulated context.
func (r *run) input(step string) api.TaskInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	ctx := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		ctx[k] = v
	}
	return api.TaskInput{
		SessionID:   s.ID,
		Step:        step,
		SubjectIDs:  append([]string(nil), s.SubjectIDs...),
		OwnerFilter: s.OwnerFilter,
		Context:     ctx,
		Options:     s.Options,
	}
}

// transition moves the session to status to, applies mutate and persists
// the snapshot. Every transition is audited.
func (o *Orchestrator) transition(ctx context.Context, r *run, to api.Status, mutate func(*api.Session)) error {
	r.mu.Lock()
	s := r.session
	from := s.Status
	if err := api.ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		return api.NewFatalError("transition", err)
	}
	s.Status = to
	if mutate != nil {
		mutate(s)
	}
	s.UpdatedAt = time.Now().UTC()
	err := o.p.Sessions.SaveSession(context.WithoutCancel(ctx), s.Clone())
	r.mu.Unlock()
	if err != nil {
		return api.NewFatalError("checkpoint", err)
	}

	o.audit(ctx, r.id, api.ActorSystem, api.AuditSessionTransition, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// updateStep applies mutate to a step and checkpoints the session.
func (o *Orchestrator) updateStep(ctx context.Context, r *run, name string, mutate func(*api.TaskStep)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.session.Step(name)
	if step == nil {
		return
	}
	mutate(step)
	r.session.UpdatedAt = time.Now().UTC()
	if err := o.p.Sessions.SaveSession(context.WithoutCancel(ctx), r.session.Clone()); err != nil {
		o.logger.ErrorContext(ctx, "checkpoint_failed",
			slog.String("session_id", r.id),
			slog.String("step", name),
			slog.Any("error", err),
		)
	}
}

// terminal describes how a session ends.
type terminal struct {
	status  api.Status
	outcome string
	reason  string
	err     error
	data    map[string]any
}

// finalize moves the session to its terminal state exactly once: it
// checkpoints, audits session.finalized, emits the terminal event and
// releases the event stream.
func (o *Orchestrator) finalize(ctx context.Context, r *run, t terminal) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.err = t.err

	s := r.session
	from := s.Status
	if err := api.ValidateTransition(from, t.status); err != nil {
		o.logger.ErrorContext(ctx, "invalid_final_transition",
			slog.String("session_id", r.id),
			slog.Any("error", err),
		)
	}
	now := time.Now().UTC()
	s.Status = t.status
	s.Outcome = t.outcome
	s.Reason = t.reason
	if t.err != nil {
		s.Error = t.err.Error()
	}
	for i := range s.Steps {
		if s.Steps[i].Status == api.StepPending {
			s.Steps[i].Status = api.StepSkipped
		}
	}
	s.UpdatedAt = now
	saveErr := o.p.Sessions.SaveSession(ctx, s.Clone())
	snap := s.Clone()
	r.mu.Unlock()

	if saveErr != nil {
		o.logger.ErrorContext(ctx, "checkpoint_failed",
			slog.String("session_id", r.id),
			slog.String("status", string(t.status)),
			slog.Any("error", saveErr),
		)
	}

	o.audit(ctx, r.id, api.ActorSystem, api.AuditSessionTransition, map[string]any{
		"from": string(from),
		"to":   string(t.status),
	})
	o.audit(ctx, r.id, api.ActorSystem, api.AuditSessionFinalized, map[string]any{
		"status":  string(snap.Status),
		"outcome": snap.Outcome,
		"reason":  snap.Reason,
		"error":   snap.Error,
	})

	data := make(map[string]any, len(t.data)+2)
	for k, v := range t.data {
		data[k] = v
	}
	typ := api.EventWorkflowCompleted
	if t.status == api.StatusCompleted {
		data["status"] = t.outcome
		if t.reason != "" {
			data["reason"] = t.reason
		}
	} else {
		typ = api.EventWorkflowError
		data["status"] = string(t.status)
		data["error"] = snap.Error
	}
	o.emit(ctx, r.id, typ, data)

	if t.status == api.StatusCompleted {
		o.cfg.Observer.OnSessionCompleted(ctx, snap)
	} else {
		o.cfg.Observer.OnSessionFailed(ctx, snap, t.err)
	}
	o.broker.Release(r.id)

	o.logger.InfoContext(ctx, "session_finalized",
		slog.String("session_id", r.id),
		slog.String("status", string(snap.Status)),
		slog.String("outcome", snap.Outcome),
	)
}
