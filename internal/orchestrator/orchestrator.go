// Package orchestrator drives review sessions through their state machine.
//
// Each session runs on its own goroutine: the orchestrator invokes the
// workflow's specialist tasks through the registry, streams progress through
// the event broker and suspends on the approval gate when the final stage
// proposes actions. Sessions are checkpointed on every transition and can be
// recovered after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/events"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/registry"
	"github.com/petrijr/reviewflow/pkg/api"
)

var (
	// ErrAlreadyRunning is returned when a session is already executing in
	// this process.
	ErrAlreadyRunning = errors.New("session already executing")

	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("orchestrator is shut down")

	// ErrInterrupted is the terminal error of an interrupted session.
	ErrInterrupted = errors.New("session interrupted")

	errCancelled = errors.New("session cancelled")
)

// Orchestrator owns the execution of review sessions.
type Orchestrator struct {
	p      persistence.Persistence
	reg    *registry.Registry
	gate   *approval.Gate
	broker *events.Broker
	cfg    Config
	logger *slog.Logger

	base context.Context
	stop context.CancelCauseFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates an Orchestrator. The gate and broker must be backed by the
// same persistence as p.
func New(p persistence.Persistence, reg *registry.Registry, gate *approval.Gate, broker *events.Broker, cfg Config) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || gate == nil || broker == nil {
		return nil, errors.New("orchestrator: registry, gate and broker are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		p:      p.WithDefaults(),
		reg:    reg,
		gate:   gate,
		broker: broker,
		cfg:    cfg,
		logger: cfg.Logger,
		base:   base,
		stop:   stop,
		runs:   make(map[string]*run),
	}, nil
}

// Config returns the resolved configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start validates req and creates a pending session. Nothing is executed
// until Execute is called for the returned id.
func (o *Orchestrator) Start(ctx context.Context, req api.StartRequest) (string, error) {
	s, err := o.newSession(req)
	if err != nil {
		return "", err
	}
	if err := o.p.Sessions.SaveSession(ctx, s); err != nil {
		return "", fmt.Errorf("save session %s: %w", s.ID, err)
	}
	o.audit(ctx, s.ID, api.ActorSystem, api.AuditSessionCreated, map[string]any{
		"workflow_type":  s.WorkflowType,
		"session_type":   string(s.SessionType),
		"subject_ids":    s.SubjectIDs,
		"recovered_from": s.RecoveredFrom,
	})

	steps := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		steps[i] = st.Name
	}
	data := map[string]any{
		"workflow_type": s.WorkflowType,
		"session_type":  string(s.SessionType),
		"subject_ids":   s.SubjectIDs,
		"steps":         steps,
	}
	if s.RecoveredFrom != "" {
		data["recovered_from"] = s.RecoveredFrom
	}
	o.emit(ctx, s.ID, api.EventWorkflowStarted, data)

	o.logger.InfoContext(ctx, "session_created",
		slog.String("session_id", s.ID),
		slog.String("workflow_type", s.WorkflowType),
		slog.String("session_type", string(s.SessionType)),
	)
	return s.ID, nil
}

func (o *Orchestrator) newSession(req api.StartRequest) (*api.Session, error) {
	subjects := make([]string, 0, len(req.SubjectIDs))
	seen := make(map[string]struct{}, len(req.SubjectIDs))
	for _, raw := range req.SubjectIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, &api.ValidationError{Field: "subject_ids", Message: "must not contain blank ids"}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		subjects = append(subjects, id)
	}
	if len(subjects) == 0 {
		return nil, &api.ValidationError{Field: "subject_ids", Message: "at least one subject id is required"}
	}

	workflow := strings.TrimSpace(req.WorkflowType)
	if workflow == "" {
		return nil, &api.ValidationError{Field: "workflow_type", Message: "must not be empty"}
	}
	def, err := o.reg.Resolve(workflow)
	if err != nil {
		return nil, &api.ValidationError{Field: "workflow_type", Message: err.Error()}
	}

	sessionType := req.SessionType
	if sessionType == "" {
		sessionType = api.SessionOnDemand
	}
	if !sessionType.Valid() {
		return nil, &api.ValidationError{Field: "session_type", Message: fmt.Sprintf("unknown session type %q", sessionType)}
	}

	if req.TimeoutSeconds < 0 {
		return nil, &api.ValidationError{Field: "timeout_seconds", Message: "must not be negative"}
	}
	opts := o.cfg.runOptions()
	if req.Options != nil {
		opts.AutoApprove = req.Options.AutoApprove
		switch {
		case req.Options.ApprovalTimeoutSeconds < 0:
			return nil, &api.ValidationError{Field: "options.approval_timeout_seconds", Message: "must not be negative"}
		case req.Options.ApprovalTimeoutSeconds > 0:
			opts.ApprovalTimeoutSeconds = req.Options.ApprovalTimeoutSeconds
		}
		switch th := req.Options.ConfidenceThreshold; {
		case th < 0 || th > 1:
			return nil, &api.ValidationError{Field: "options.confidence_threshold", Message: fmt.Sprintf("must be within [0,1], got %v", th)}
		case th > 0:
			opts.ConfidenceThreshold = th
		}
	}
	if req.TimeoutSeconds > 0 {
		opts.ApprovalTimeoutSeconds = req.TimeoutSeconds
	}

	steps := make([]api.TaskStep, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = api.TaskStep{Name: sd.Name, Order: i, Group: sd.Group, Status: api.StepPending}
	}
	sctx := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		sctx[k] = v
	}

	now := time.Now().UTC()
	return &api.Session{
		ID:            api.NewID(),
		Status:        api.StatusPending,
		SessionType:   sessionType,
		WorkflowType:  def.Name,
		SubjectIDs:    subjects,
		OwnerFilter:   strings.TrimSpace(req.OwnerFilter),
		Options:       opts,
		Context:       sctx,
		Steps:         steps,
		RecoveredFrom: req.RecoveredFrom,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Execute drives a session to a terminal state and returns its final
// snapshot. Pending sessions run from the first step; paused sessions
// resume their approval wait; sessions checkpointed as running have lost
// their executor and are interrupted.
//
// The returned error is nil for completed sessions, the failure cause for
// failed ones and ErrInterrupted for interrupted ones. If ctx is cancelled
// with cause approval.ErrDetached the session is left as checkpointed and
// approval.ErrDetached is returned.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) (*api.Session, error) {
	r, err := o.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.execute(r)
}

// Launch starts a session and executes it on its own goroutine.
func (o *Orchestrator) Launch(ctx context.Context, req api.StartRequest) (string, error) {
	if o.isClosed() {
		return "", ErrShutdown
	}
	id, err := o.Start(ctx, req)
	if err != nil {
		return "", err
	}
	if err := o.spawn(id); err != nil {
		return id, err
	}
	return id, nil
}

func (o *Orchestrator) spawn(sessionID string) error {
	r, err := o.begin(o.base, sessionID)
	if err != nil {
		return err
	}
	go func() {
		_, err := o.execute(r)
		switch {
		case err == nil, errors.Is(err, ErrInterrupted):
		case errors.Is(err, approval.ErrDetached):
			o.logger.Info("session_detached", slog.String("session_id", sessionID))
		default:
			o.logger.Warn("session_execution_ended",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		}
	}()
	return nil
}

// Wait blocks until a session executing in this process finishes and
// returns its final snapshot. Sessions not executing here are read from the
// store.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*api.Session, error) {
	if r, ok := o.lookup(sessionID); ok {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.p.Sessions.GetSession(ctx, sessionID)
}

// Cancel interrupts a session. A session executing here has its task
// context cancelled and its pending approval resolved as interrupted; other
// sessions are interrupted directly if their lease can be taken.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (*api.Session, error) {
	if r, ok := o.lookup(sessionID); ok {
		r.cancel(errCancelled)
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s, err := o.p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("cancel %s: %w", sessionID, api.ErrSessionTerminal)
	}
	r, err := o.begin(ctx, sessionID)
	if errors.Is(err, ErrAlreadyRunning) {
		return o.Cancel(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	r.cancel(errCancelled)
	snap, err := o.execute(r)
	if errors.Is(err, ErrInterrupted) {
		err = nil
	}
	return snap, err
}

// Shutdown detaches every session executing in this process and waits for
// their goroutines to return. Running sessions stay checkpointed as running
// and paused sessions keep their pending request, so a later Recover picks
// them up.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	o.stop(approval.ErrDetached)
	for _, r := range runs {
		r.cancel(approval.ErrDetached)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.logger.InfoContext(ctx, "orchestrator_shutdown", slog.Int("detached", len(runs)))
	return nil
}

// Active reports how many sessions are executing in this process.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Session returns the stored snapshot of a session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*api.Session, error) {
	return o.p.Sessions.GetSession(ctx, sessionID)
}

// Sessions lists stored sessions.
func (o *Orchestrator) Sessions(ctx context.Context, filter persistence.SessionFilter) ([]*api.Session, error) {
	return o.p.Sessions.ListSessions(ctx, filter)
}

// AuditTrail returns the audit events recorded for a session.
func (o *Orchestrator) AuditTrail(ctx context.Context, sessionID string) ([]api.AuditEvent, error) {
	return o.p.Audit.ListAudit(ctx, persistence.AuditFilter{SessionID: sessionID})
}

func (o *Orchestrator) begin(ctx context.Context, sessionID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShutdown
	}
	if _, ok := o.runs[sessionID]; ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrAlreadyRunning)
	}
	rctx, cancel := context.WithCancelCause(ctx)
	r := &run{
		id:     sessionID,
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.runs[sessionID] = r
	return r, nil
}

func (o *Orchestrator) end(r *run) {
	o.mu.Lock()
	delete(o.runs, r.id)
	o.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

func (o *Orchestrator) lookup(sessionID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	return r, ok
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// emit publishes a session event. Failures are logged: the session keeps
// running even if its stream cannot be persisted.
func (o *Orchestrator) emit(ctx context.Context, sessionID string, typ api.EventType, data map[string]any) {
	if _, err := o.broker.Emit(context.WithoutCancel(ctx), sessionID, typ, data); err != nil {
		o.logger.ErrorContext(ctx, "event_emit_failed",
			slog.String("session_id", sessionID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) audit(ctx context.Context, sessionID, actor, action string, meta map[string]any) {
	ev := api.AuditEvent{
		ID:        api.NewID(),
		SessionID: sessionID,
		Actor:     actor,
		Action:    action,
		Resource:  "session/" + sessionID,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
	if err := o.p.Audit.AppendAudit(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.ErrorContext(ctx, "audit_append_failed",
			slog.String("session_id", sessionID),
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}
