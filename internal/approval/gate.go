// Package approval implements the human-in-the-loop gate. A session that
// proposes state-changing actions parks on a pending request until a
// decision arrives, the request times out, or the session is cancelled.
//
// Exactly one resolution is accepted per request: an in-process
// compare-and-swap on the waiter guards concurrent callers in this process,
// and the store's conditional update guards callers in other processes
// sharing the same store.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/tracing"
	"github.com/petrijr/reviewflow/pkg/api"
)

// ErrDetached is the cancellation cause that makes Wait return without
// resolving the request, leaving it pending for a later Register.
var ErrDetached = errors.New("approval wait detached")

// conflictRetry is how long a Wait that lost a resolution race waits before
// checking whether the winner actually committed.
const conflictRetry = 50 * time.Millisecond

// Payload carries the optional parts of a human decision.
type Payload struct {
	Reason        string               `json:"reason,omitempty"`
	Modifications []api.ProposedAction `json:"modifications,omitempty"`
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver sets the observer notified of every accepted resolution.
func WithObserver(o api.Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithClock overrides time.Now for request and resolution timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Filter narrows ListPending results.
type Filter func(*persistence.ApprovalFilter)

// WithSessionID restricts ListPending to one session.
func WithSessionID(id string) Filter {
	return func(f *persistence.ApprovalFilter) { f.SessionID = id }
}

// WithStatus restricts List to requests in status s.
func WithStatus(s api.ApprovalStatus) Filter {
	return func(f *persistence.ApprovalFilter) { f.Status = s }
}

const (
	waiterPending int32 = iota
	waiterResolving
	waiterDone
)

type waiter struct {
	req   *api.ApprovalRequest
	state atomic.Int32
	done  chan struct{}
	res   api.Resolution
}

func newWaiter(req *api.ApprovalRequest) *waiter {
	return &waiter{req: req, done: make(chan struct{})}
}

// Gate owns the pending approval requests of this process.
type Gate struct {
	store    persistence.ApprovalStore
	audit    persistence.AuditLog
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewGate creates a Gate backed by store, recording audit events in audit.
func NewGate(store persistence.ApprovalStore, audit persistence.AuditLog, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		audit:    audit,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
		waiters:  make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create persists a new pending request for sessionID. It fails with
// api.ErrApprovalPending if the session already has one.
func (g *Gate) Create(ctx context.Context, sessionID string, actions []api.ProposedAction, timeoutSeconds int) (*api.ApprovalRequest, error) {
	req, err := g.newRequest(sessionID, actions, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	g.appendAudit(ctx, api.AuditEvent{
		SessionID: sessionID,
		Actor:     api.ActorSystem,
		Action:    api.AuditApprovalRequested,
		Resource:  resource(req.ID),
		Metadata: map[string]any{
			"action_count":    len(req.ProposedActions),
			"timeout_seconds": req.TimeoutSeconds,
		},
		Timestamp: req.CreatedAt,
	})
	g.attach(req)

	g.logger.InfoContext(ctx, "approval_requested",
		slog.String("session_id", sessionID),
		slog.String("approval_request_id", req.ID),
		slog.Int("timeout_seconds", req.TimeoutSeconds),
	)
	return req, nil
}

// AutoApprove records a request for actions that policy admits without a
// human and resolves it immediately as system:auto-approve.
func (g *Gate) AutoApprove(ctx context.Context, sessionID string, actions []api.ProposedAction, timeoutSeconds int, reason string) (api.Resolution, error) {
	req, err := g.Create(ctx, sessionID, actions, timeoutSeconds)
	if err != nil {
		return api.Resolution{}, err
	}
	return g.settle(ctx, req, api.Resolution{
		RequestID:  req.ID,
		SessionID:  sessionID,
		Status:     api.ApprovalApproved,
		Decision:   api.DecisionApprove,
		ResolvedBy: api.ActorSystemAutoApprove,
		ResolvedAt: g.now().UTC(),
		Reason:     reason,
	})
}

func (g *Gate) newRequest(sessionID string, actions []api.ProposedAction, timeoutSeconds int) (*api.ApprovalRequest, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &api.ValidationError{Field: "session_id", Message: "must not be empty"}
	}
	if len(actions) == 0 {
		return nil, &api.ValidationError{Field: "proposed_actions", Message: "at least one action is required"}
	}
	if timeoutSeconds <= 0 {
		return nil, &api.ValidationError{Field: "timeout_seconds", Message: "must be positive"}
	}
	cp := make([]api.ProposedAction, len(actions))
	copy(cp, actions)
	for i := range cp {
		if cp[i].ID == "" {
			cp[i].ID = api.NewID()
		}
	}
	return &api.ApprovalRequest{
		ID:              api.NewID(),
		SessionID:       sessionID,
		ProposedActions: cp,
		Status:          api.ApprovalPending,
		TimeoutSeconds:  timeoutSeconds,
		CreatedAt:       g.now().UTC(),
	}, nil
}

// Register re-attaches a persisted pending request, typically after a
// restart. The original deadline is kept.
func (g *Gate) Register(req *api.ApprovalRequest) error {
	if req == nil {
		return errors.New("approval: nil request")
	}
	if req.Status != api.ApprovalPending {
		return fmt.Errorf("register %s: %w", req.ID, api.ErrApprovalConflict)
	}
	g.attach(req)
	return nil
}

func (g *Gate) attach(req *api.ApprovalRequest) *waiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.waiters[req.ID]; ok {
		return w
	}
	w := newWaiter(req)
	g.waiters[req.ID] = w
	return w
}

func (g *Gate) waiter(id string) (*waiter, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.waiters[id]
	return w, ok
}

func (g *Gate) detach(id string) {
	g.mu.Lock()
	delete(g.waiters, id)
	g.mu.Unlock()
}

// Get returns the current state of a request.
func (g *Gate) Get(ctx context.Context, requestID string) (*api.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, requestID)
}

// ListPending returns pending requests ordered by creation time.
func (g *Gate) ListPending(ctx context.Context, filters ...Filter) ([]*api.ApprovalRequest, error) {
	f := persistence.ApprovalFilter{Status: api.ApprovalPending}
	for _, apply := range filters {
		apply(&f)
	}
	return g.store.ListApprovals(ctx, f)
}

// List returns requests in any status ordered by creation time.
func (g *Gate) List(ctx context.Context, filters ...Filter) ([]*api.ApprovalRequest, error) {
	var f persistence.ApprovalFilter
	for _, apply := range filters {
		apply(&f)
	}
	return g.store.ListApprovals(ctx, f)
}

// Waiting reports how many requests have a live waiter in this process.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Wait blocks until the request is resolved. When the deadline passes first
// the request resolves as timeout; when ctx is cancelled first it resolves
// as interrupted, unless the cancellation cause is ErrDetached. Either way
// the returned Resolution is the one accepted.
func (g *Gate) Wait(ctx context.Context, requestID string) (res api.Resolution, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.wait", attribute.String("approval_request_id", requestID))
	defer func() {
		span.SetAttributes(attribute.String("status", string(res.Status)))
		tracing.EndSpan(span, err)
	}()

	w, ok := g.waiter(requestID)
	if !ok {
		req, err := g.store.GetApproval(ctx, requestID)
		if err != nil {
			return api.Resolution{}, err
		}
		if req.Status != api.ApprovalPending {
			return api.ResolutionOf(req), nil
		}
		w = g.attach(req)
	}

	timer := time.NewTimer(time.Until(w.req.Deadline()))
	defer timer.Stop()

	var (
		deadline = timer.C
		done     = ctx.Done()
		retry    <-chan time.Time
		attempt  api.ApprovalStatus
	)
	for {
		select {
		case <-w.done:
			return w.res, nil
		case <-deadline:
			deadline = nil
			attempt = api.ApprovalTimeout
		case <-done:
			if errors.Is(context.Cause(ctx), ErrDetached) {
				return api.Resolution{}, ErrDetached
			}
			done = nil
			attempt = api.ApprovalInterrupted
		case <-retry:
			retry = nil
		}

		res, err := g.settle(context.WithoutCancel(ctx), w.req, g.systemResolution(w.req, attempt))
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, api.ErrApprovalConflict) {
			return api.Resolution{}, err
		}
		// Someone else is resolving; give them time to commit.
		retry = time.After(conflictRetry)
	}
}

func (g *Gate) systemResolution(req *api.ApprovalRequest, status api.ApprovalStatus) api.Resolution {
	res := api.Resolution{
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		Status:     status,
		ResolvedAt: g.now().UTC(),
	}
	switch status {
	case api.ApprovalTimeout:
		res.ResolvedBy = api.ActorSystemTimeout
		res.Reason = (&api.ApprovalTimeoutError{
			RequestID: req.ID,
			Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		}).Error()
	default:
		res.ResolvedBy = api.ActorSystemCancel
		res.Reason = "session cancelled"
	}
	return res
}

// Resolve records a human decision. Only the first resolution of a request
// is accepted; later attempts get api.ErrApprovalConflict.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision api.Decision, actor string, payload Payload) (api.Resolution, error) {
	if _, err := api.ParseDecision(string(decision)); err != nil {
		return api.Resolution{}, err
	}
	if strings.TrimSpace(actor) == "" {
		return api.Resolution{}, &api.ValidationError{Field: "actor", Message: "must not be empty"}
	}
	if decision == api.DecisionModify && len(payload.Modifications) == 0 {
		return api.Resolution{}, &api.ValidationError{Field: "modifications", Message: "modify requires at least one action"}
	}

	req, err := g.request(ctx, requestID)
	if err != nil {
		return api.Resolution{}, err
	}
	res := api.Resolution{
		RequestID:     req.ID,
		SessionID:     req.SessionID,
		Status:        decision.Status(),
		Decision:      decision,
		ResolvedBy:    actor,
		ResolvedAt:    g.now().UTC(),
		Reason:        payload.Reason,
		Modifications: payload.Modifications,
	}
	return g.settle(ctx, req, res)
}

// Interrupt resolves a pending request as interrupted by system:cancel.
func (g *Gate) Interrupt(ctx context.Context, requestID string) (api.Resolution, error) {
	req, err := g.request(ctx, requestID)
	if err != nil {
		return api.Resolution{}, err
	}
	return g.settle(ctx, req, g.systemResolution(req, api.ApprovalInterrupted))
}

func (g *Gate) request(ctx context.Context, requestID string) (*api.ApprovalRequest, error) {
	if w, ok := g.waiter(requestID); ok {
		return w.req, nil
	}
	req, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != api.ApprovalPending {
		return nil, api.ErrApprovalConflict
	}
	return req, nil
}

// settle makes res the accepted resolution of req, or reports
// api.ErrApprovalConflict if another resolution won.
func (g *Gate) settle(ctx context.Context, req *api.ApprovalRequest, res api.Resolution) (api.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "approval.resolve",
		attribute.String("approval_request_id", req.ID),
		attribute.String("status", string(res.Status)),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	w, local := g.waiter(req.ID)
	if local && !w.state.CompareAndSwap(waiterPending, waiterResolving) {
		err = api.ErrApprovalConflict
		return api.Resolution{}, err
	}

	if err = g.store.ResolveApproval(ctx, res); err != nil {
		if local {
			if errors.Is(err, api.ErrApprovalConflict) {
				// Another process won; adopt its resolution.
				if stored, getErr := g.store.GetApproval(ctx, req.ID); getErr == nil && stored.Status != api.ApprovalPending {
					g.complete(w, api.ResolutionOf(stored))
					return api.Resolution{}, err
				}
			}
			w.state.Store(waiterPending)
		}
		return api.Resolution{}, err
	}

	g.appendAudit(ctx, api.AuditEvent{
		SessionID: res.SessionID,
		Actor:     res.ResolvedBy,
		Action:    api.AuditApprovalResolved,
		Resource:  resource(res.RequestID),
		Metadata: map[string]any{
			"status":        string(res.Status),
			"decision":      string(res.Decision),
			"reason":        res.Reason,
			"modifications": len(res.Modifications),
		},
		Timestamp: res.ResolvedAt,
	})
	g.observer.OnApprovalResolved(ctx, res)
	g.logger.InfoContext(ctx, "approval_resolved",
		slog.String("session_id", res.SessionID),
		slog.String("approval_request_id", res.RequestID),
		slog.String("status", string(res.Status)),
		slog.String("resolved_by", res.ResolvedBy),
	)
	if local {
		g.complete(w, res)
	}
	return res, nil
}

func (g *Gate) complete(w *waiter, res api.Resolution) {
	w.res = res
	w.state.Store(waiterDone)
	close(w.done)
	g.detach(w.req.ID)
}

func (g *Gate) appendAudit(ctx context.Context, ev api.AuditEvent) {
	if g.audit == nil {
		return
	}
	if err := g.audit.AppendAudit(ctx, ev); err != nil {
		g.logger.ErrorContext(ctx, "audit_append_failed",
			slog.String("session_id", ev.SessionID),
			slog.String("action", ev.Action),
			slog.Any("error", err),
		)
	}
}

func resource(requestID string) string {
	return "approval_request/" + requestID
}
