package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay session execution.
type Observer interface {
	// OnSessionStart is called once when a session begins running, before
	// the first task is invoked.
	OnSessionStart(ctx context.Context, s *Session)

	// OnSessionCompleted is called when a session reaches StatusCompleted,
	// whatever its outcome.
	OnSessionCompleted(ctx context.Context, s *Session)

	// OnSessionFailed is called when a session ends failed or interrupted.
	OnSessionFailed(ctx context.Context, s *Session, err error)

	// OnTaskStart is called before invoking a task. stepIndex is the 0-based
	// index into WorkflowDefinition.Steps.
	OnTaskStart(ctx context.Context, s *Session, step string, stepIndex int)

	// OnTaskCompleted is called after a task returns, for both successes and
	// failures (err != nil).
	OnTaskCompleted(ctx context.Context, s *Session, step string, stepIndex int, err error, duration time.Duration)

	// OnApprovalResolved is called once per approval request with the
	// accepted resolution.
	OnApprovalResolved(ctx context.Context, res Resolution)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSessionStart(ctx context.Context, s *Session)                  {}
func (NoopObserver) OnSessionCompleted(ctx context.Context, s *Session)              {}
func (NoopObserver) OnSessionFailed(ctx context.Context, s *Session, err error)      {}
func (NoopObserver) OnTaskStart(ctx context.Context, s *Session, step string, i int) {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, s *Session, step string, i int, err error, d time.Duration) {
}
func (NoopObserver) OnApprovalResolved(ctx context.Context, res Resolution) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSessionStart(ctx context.Context, s *Session) {
	for _, o := range c.observers {
		o.OnSessionStart(ctx, s)
	}
}

func (c *CompositeObserver) OnSessionCompleted(ctx context.Context, s *Session) {
	for _, o := range c.observers {
		o.OnSessionCompleted(ctx, s)
	}
}

func (c *CompositeObserver) OnSessionFailed(ctx context.Context, s *Session, err error) {
	for _, o := range c.observers {
		o.OnSessionFailed(ctx, s, err)
	}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, s *Session, step string, i int) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, s, step, i)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, s *Session, step string, i int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, s, step, i, err, d)
	}
}

func (c *CompositeObserver) OnApprovalResolved(ctx context.Context, res Resolution) {
	for _, o := range c.observers {
		o.OnApprovalResolved(ctx, res)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs session and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSessionStart(ctx context.Context, s *Session) {
	o.Logger.InfoContext(ctx, "session_started",
		slog.String("workflow_type", s.WorkflowType),
		slog.String("session_id", s.ID),
		slog.String("session_type", string(s.SessionType)),
	)
}

func (o *LoggingObserver) OnSessionCompleted(ctx context.Context, s *Session) {
	o.Logger.InfoContext(ctx, "session_completed",
		slog.String("workflow_type", s.WorkflowType),
		slog.String("session_id", s.ID),
		slog.String("outcome", s.Outcome),
	)
}

func (o *LoggingObserver) OnSessionFailed(ctx context.Context, s *Session, err error) {
	o.Logger.ErrorContext(ctx, "session_failed",
		slog.String("workflow_type", s.WorkflowType),
		slog.String("session_id", s.ID),
		slog.String("status", string(s.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, s *Session, step string, i int) {
	o.Logger.DebugContext(ctx, "task_start",
		slog.String("session_id", s.ID),
		slog.String("step", step),
		slog.Int("step_index", i),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, s *Session, step string, i int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("session_id", s.ID),
		slog.String("step", step),
		slog.Int("step_index", i),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnApprovalResolved(ctx context.Context, res Resolution) {
	o.Logger.InfoContext(ctx, "approval_resolved",
		slog.String("session_id", res.SessionID),
		slog.String("approval_request_id", res.RequestID),
		slog.String("status", string(res.Status)),
		slog.String("resolved_by", res.ResolvedBy),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64
	tasksCompleted    atomic.Int64
	tasksFailed       atomic.Int64
	totalTaskDuration atomic.Int64 // nanoseconds
	approvals         atomic.Int64
	approvalTimeouts  atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsFailed    int64
	ActiveSessions    int64

	TasksCompleted  int64
	TasksFailed     int64
	AvgTaskDuration time.Duration

	ApprovalsResolved int64
	ApprovalTimeouts  int64
}

func (m *BasicMetrics) OnSessionStart(ctx context.Context, s *Session) {
	m.sessionsStarted.Add(1)
}

func (m *BasicMetrics) OnSessionCompleted(ctx context.Context, s *Session) {
	m.sessionsCompleted.Add(1)
}

func (m *BasicMetrics) OnSessionFailed(ctx context.Context, s *Session, err error) {
	m.sessionsFailed.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, s *Session, step string, i int, err error, d time.Duration) {
	if err != nil {
		m.tasksFailed.Add(1)
		return
	}
	// Only successful tasks count toward the average duration.
	m.tasksCompleted.Add(1)
	m.totalTaskDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnApprovalResolved(ctx context.Context, res Resolution) {
	m.approvals.Add(1)
	if res.Status == ApprovalTimeout {
		m.approvalTimeouts.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sessionsStarted.Load()
	completed := m.sessionsCompleted.Load()
	failed := m.sessionsFailed.Load()
	tasks := m.tasksCompleted.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if tasks > 0 {
		avg = time.Duration(totalNs / tasks)
	}

	return BasicMetricsSnapshot{
		SessionsStarted:   started,
		SessionsCompleted: completed,
		SessionsFailed:    failed,
		ActiveSessions:    started - completed - failed,
		TasksCompleted:    tasks,
		TasksFailed:       m.tasksFailed.Load(),
		AvgTaskDuration:   avg,
		ApprovalsResolved: m.approvals.Load(),
		ApprovalTimeouts:  m.approvalTimeouts.Load(),
	}
}
