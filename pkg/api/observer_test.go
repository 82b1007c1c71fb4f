package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int
	approvals int

	taskStarts    int
	taskCompletes int

	lastStart    *Session
	lastComplete *Session
	lastFail     struct {
		Session *Session
		Err     error
	}
	lastTaskComplete struct {
		Step     string
		Index    int
		Err      error
		Duration time.Duration
	}
	lastResolution Resolution
}

func (o *testObserver) OnSessionStart(ctx context.Context, s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastStart = s
}

func (o *testObserver) OnSessionCompleted(ctx context.Context, s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastComplete = s
}

func (o *testObserver) OnSessionFailed(ctx context.Context, s *Session, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFail.Session = s
	o.lastFail.Err = err
}

func (o *testObserver) OnTaskStart(ctx context.Context, s *Session, step string, i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskStarts++
}

func (o *testObserver) OnTaskCompleted(ctx context.Context, s *Session, step string, i int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskCompletes++
	o.lastTaskComplete.Step = step
	o.lastTaskComplete.Index = i
	o.lastTaskComplete.Err = err
	o.lastTaskComplete.Duration = d
}

func (o *testObserver) OnApprovalResolved(ctx context.Context, res Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.approvals++
	o.lastResolution = res
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestSession() *Session {
	return &Session{
		ID:           "sess-123",
		WorkflowType: "account_review",
		SessionType:  SessionManual,
		Status:       StatusRunning,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	s := newTestSession()
	var o Observer = NoopObserver{}

	o.OnSessionStart(ctx, s)
	o.OnSessionCompleted(ctx, s)
	o.OnSessionFailed(ctx, s, errors.New("boom"))
	o.OnTaskStart(ctx, s, "step-1", 0)
	o.OnTaskCompleted(ctx, s, "step-1", 0, nil, time.Second)
	o.OnApprovalResolved(ctx, Resolution{})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestSession()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("task failed")
	res := Resolution{RequestID: "req-1", Status: ApprovalApproved, ResolvedBy: "alice"}
	co.OnSessionStart(ctx, s)
	co.OnSessionCompleted(ctx, s)
	co.OnSessionFailed(ctx, s, err)
	co.OnTaskStart(ctx, s, "step-1", 1)
	co.OnTaskCompleted(ctx, s, "step-1", 1, err, 2*time.Second)
	co.OnApprovalResolved(ctx, res)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.taskStarts != 1 || o.taskCompletes != 1 || o.approvals != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStart != s || o.lastComplete != s || o.lastFail.Session != s {
			t.Fatalf("observer %d session mismatch", i+1)
		}
		if o.lastFail.Err != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if o.lastTaskComplete.Step != "step-1" || o.lastTaskComplete.Index != 1 ||
			o.lastTaskComplete.Err != err || o.lastTaskComplete.Duration != 2*time.Second {
			t.Fatalf("observer %d taskComplete mismatch: %+v", i+1, o.lastTaskComplete)
		}
		if o.lastResolution.RequestID != "req-1" {
			t.Fatalf("observer %d resolution mismatch: %+v", i+1, o.lastResolution)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnSessionStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	s := newTestSession()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnSessionStart(ctx, s)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "session_started" {
		t.Fatalf("expected message session_started, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["session_id"] != s.ID {
		t.Fatalf("expected session_id=%q, got %v", s.ID, attrs["session_id"])
	}
	if attrs["workflow_type"] != s.WorkflowType {
		t.Fatalf("expected workflow_type=%q, got %v", s.WorkflowType, attrs["workflow_type"])
	}
}

func TestLoggingObserver_OnTaskCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestSession()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnTaskCompleted(ctx, s, "task-ok", 0, nil, time.Second)
	o.OnTaskCompleted(ctx, s, "task-fail", 1, errors.New("boom"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["step"] != "task-fail" {
		t.Fatalf("expected step=task-fail, got %v", attrs["step"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

func TestLoggingObserver_OnApprovalResolved(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnApprovalResolved(context.Background(), Resolution{
		RequestID:  "req-9",
		SessionID:  "sess-9",
		Status:     ApprovalTimeout,
		ResolvedBy: ActorSystemTimeout,
	})

	if len(h.records) != 1 || h.records[0].Message != "approval_resolved" {
		t.Fatalf("expected one approval_resolved record, got %+v", h.records)
	}
	attrs := attrsToMap(h.records[0])
	if attrs["resolved_by"] != ActorSystemTimeout {
		t.Fatalf("expected resolved_by=%q, got %v", ActorSystemTimeout, attrs["resolved_by"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_SessionCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	s := newTestSession()

	m.OnSessionStart(ctx, s)
	m.OnSessionStart(ctx, s)
	m.OnSessionStart(ctx, s)
	m.OnSessionCompleted(ctx, s)
	m.OnSessionFailed(ctx, s, errors.New("fail"))

	snap := m.Snapshot()
	if snap.SessionsStarted != 3 {
		t.Fatalf("SessionsStarted=%d, want 3", snap.SessionsStarted)
	}
	if snap.SessionsCompleted != 1 {
		t.Fatalf("SessionsCompleted=%d, want 1", snap.SessionsCompleted)
	}
	if snap.SessionsFailed != 1 {
		t.Fatalf("SessionsFailed=%d, want 1", snap.SessionsFailed)
	}
	if snap.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", snap.ActiveSessions)
	}
	if snap.TasksCompleted != 0 || snap.AvgTaskDuration != 0 {
		t.Fatalf("expected no task metrics, got %+v", snap)
	}
}

func TestBasicMetrics_OnTaskCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	s := newTestSession()

	m.OnTaskCompleted(ctx, s, "t1", 0, nil, 1*time.Second)
	m.OnTaskCompleted(ctx, s, "t2", 1, nil, 3*time.Second)
	m.OnTaskCompleted(ctx, s, "t3", 2, errors.New("fail"), 10*time.Second)

	snap := m.Snapshot()
	if snap.TasksCompleted != 2 {
		t.Fatalf("TasksCompleted=%d, want 2", snap.TasksCompleted)
	}
	if snap.TasksFailed != 1 {
		t.Fatalf("TasksFailed=%d, want 1", snap.TasksFailed)
	}
	if want := 2 * time.Second; snap.AvgTaskDuration != want {
		t.Fatalf("AvgTaskDuration=%v, want %v", snap.AvgTaskDuration, want)
	}
}

func TestBasicMetrics_CountsApprovalTimeouts(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	m.OnApprovalResolved(ctx, Resolution{Status: ApprovalApproved})
	m.OnApprovalResolved(ctx, Resolution{Status: ApprovalTimeout})

	snap := m.Snapshot()
	if snap.ApprovalsResolved != 2 || snap.ApprovalTimeouts != 1 {
		t.Fatalf("unexpected approval metrics: %+v", snap)
	}
}
