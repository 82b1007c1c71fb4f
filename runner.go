package reviewflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/events"
	"github.com/petrijr/reviewflow/internal/orchestrator"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/registry"
)

// Runner bundles everything a process needs to execute review sessions:
// the task registry, the approval gate, the event broker and the
// orchestrator, all sharing one set of stores.
//
// Typical usage:
//
//	runner, _ := reviewflow.NewInMemoryRunner(reviewflow.DefaultConfig())
//	reviewflow.NewWorkflow("review").Step("collect", collect).MustRegister(runner)
//	id, _ := runner.Start(ctx, reviewflow.StartRequest{...})
//	sub, _ := runner.Subscribe(ctx, id, 0)
//	...
//	runner.Close(ctx)
type Runner struct {
	Registry     *registry.Registry
	Gate         *approval.Gate
	Broker       *events.Broker
	Orchestrator *orchestrator.Orchestrator

	persistence persistence.Persistence
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	eventBuffer int
	registry    *registry.Registry
}

// WithEventBuffer sets the per-subscriber event queue length.
func WithEventBuffer(n int) RunnerOption {
	return func(o *runnerOptions) { o.eventBuffer = n }
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(reg *registry.Registry) RunnerOption {
	return func(o *runnerOptions) { o.registry = reg }
}

// NewRunner wires a Runner over p.
func NewRunner(p persistence.Persistence, cfg Config, opts ...RunnerOption) (*Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.WithDefaults()

	o := runnerOptions{eventBuffer: events.DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.registry
	if reg == nil {
		reg = registry.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate := approval.NewGate(p.Approvals, p.Audit,
		approval.WithLogger(logger),
		approval.WithObserver(cfg.Observer),
	)
	broker := events.NewBroker(p.Events,
		events.WithBufferSize(o.eventBuffer),
		events.WithLogger(logger),
	)
	orch, err := orchestrator.New(p, reg, gate, broker, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		Registry:     reg,
		Gate:         gate,
		Broker:       broker,
		Orchestrator: orch,
		persistence:  p,
	}, nil
}

// NewInMemoryRunner returns a Runner backed entirely by in-memory stores.
func NewInMemoryRunner(cfg Config, opts ...RunnerOption) (*Runner, error) {
	return NewRunner(persistence.NewInMemoryStore().Persistence(), cfg, opts...)
}

// NewSQLiteRunner returns a Runner persisting sessions, approvals, audit
// events and event streams in db.
//
//	db, _ := sql.Open("sqlite", "file:reviewflow.db?_journal=WAL")
//	runner, err := reviewflow.NewSQLiteRunner(db, reviewflow.DefaultConfig())
func NewSQLiteRunner(db *sql.DB, cfg Config, opts ...RunnerOption) (*Runner, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	p, err := store.Persistence()
	if err != nil {
		return nil, err
	}
	return NewRunner(p, cfg, opts...)
}

// Persistence returns the stores the runner writes to.
func (r *Runner) Persistence() persistence.Persistence {
	return r.persistence
}

// RegisterTask registers fn as a task named name.
func (r *Runner) RegisterTask(name string, fn TaskFunc) error {
	return r.Registry.RegisterFunc(name, fn)
}

// RegisterWorkflow registers a workflow definition.
func (r *Runner) RegisterWorkflow(def WorkflowDefinition) error {
	return r.Registry.RegisterWorkflow(def)
}

// Start creates a session and executes it in the background.
func (r *Runner) Start(ctx context.Context, req StartRequest) (string, error) {
	return r.Orchestrator.Launch(ctx, req)
}

// Run creates a session and executes it on the calling goroutine. It
// returns once the session ends, so a workflow that pauses for approval
// needs the decision to arrive from another goroutine.
func (r *Runner) Run(ctx context.Context, req StartRequest) (*Session, error) {
	id, err := r.Orchestrator.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	s, err := r.Orchestrator.Execute(ctx, id)
	if errors.Is(err, orchestrator.ErrInterrupted) {
		return s, nil
	}
	return s, err
}

// Wait blocks until a session started with Start ends.
func (r *Runner) Wait(ctx context.Context, sessionID string) (*Session, error) {
	return r.Orchestrator.Wait(ctx, sessionID)
}

// Session returns the stored snapshot of a session.
func (r *Runner) Session(ctx context.Context, sessionID string) (*Session, error) {
	return r.Orchestrator.Session(ctx, sessionID)
}

// Cancel interrupts a session.
func (r *Runner) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	return r.Orchestrator.Cancel(ctx, sessionID)
}

// Resolve submits a human decision for an approval request.
func (r *Runner) Resolve(ctx context.Context, requestID string, decision Decision, actor string, payload Payload) (Resolution, error) {
	return r.Gate.Resolve(ctx, requestID, decision, actor, payload)
}

// PendingApproval returns the pending request of a session.
func (r *Runner) PendingApproval(ctx context.Context, sessionID string) (*ApprovalRequest, error) {
	reqs, err := r.Gate.ListPending(ctx, approval.WithSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, persistence.ErrApprovalNotFound)
	}
	return reqs[0], nil
}

// Subscribe follows a session's event stream from sequence afterSeq.
func (r *Runner) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (*events.Subscription, error) {
	return r.Broker.Subscribe(ctx, sessionID, afterSeq)
}

// AuditTrail returns the audit events of a session.
func (r *Runner) AuditTrail(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	return r.Orchestrator.AuditTrail(ctx, sessionID)
}

// Recover picks up sessions left running or paused by an earlier process.
// It is typically called on startup after every workflow is registered.
func (r *Runner) Recover(ctx context.Context) (RecoveryReport, error) {
	return r.Orchestrator.Recover(ctx)
}

// RecoverEvery repeats Recover every interval until ctx is done, picking up
// sessions whose previous owner's lease has since expired.
func (r *Runner) RecoverEvery(ctx context.Context, interval time.Duration) {
	r.Orchestrator.RecoverEvery(ctx, interval)
}

// Close detaches running sessions, leaving them recoverable, and waits for
// their goroutines to exit.
func (r *Runner) Close(ctx context.Context) error {
	return r.Orchestrator.Shutdown(ctx)
}
