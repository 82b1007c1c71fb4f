package reviewflow

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reviewflow/pkg/api"
)

func propose(actions ...ProposedAction) TaskFunc {
	return func(ctx context.Context, in TaskInput, r Reporter) (TaskOutput, error) {
		return TaskOutput{Data: "proposed", ProposedActions: actions}, nil
	}
}

func reviewFlow(actions ...ProposedAction) *WorkflowBuilder {
	return NewWorkflow("review").
		Step("collect", noop).
		Step("synthesize", propose(actions...))
}

func TestRunner_RunCompletes(t *testing.T) {
	metrics := &BasicMetrics{}
	runner, err := NewInMemoryRunner(Config{Observer: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(context.Background()) })
	reviewFlow().MustRegister(runner)

	s, err := runner.Run(context.Background(), StartRequest{WorkflowType: "review", SubjectIDs: []string{"acct-1"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, api.OutcomeCompleted, s.Outcome)
	assert.Equal(t, "collect", s.Context["collect"])

	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.SessionsStarted)
	assert.EqualValues(t, 1, snap.SessionsCompleted)
}

func TestRunner_ApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	runner, err := NewInMemoryRunner(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(ctx) })
	reviewFlow(ProposedAction{Type: "flag_account", SubjectID: "acct-1", Confidence: 0.4}).MustRegister(runner)

	id, err := runner.Start(ctx, StartRequest{WorkflowType: "review", SubjectIDs: []string{"acct-1"}})
	require.NoError(t, err)

	sub, err := runner.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(waitCtx)
		require.NoError(t, err)
		if ev.Type == api.EventApprovalRequired {
			break
		}
	}

	req, err := runner.PendingApproval(ctx, id)
	require.NoError(t, err)
	require.Len(t, req.ProposedActions, 1)

	_, err = runner.Resolve(ctx, req.ID, DecisionReject, "alice", Payload{Reason: "not now"})
	require.NoError(t, err)

	var last Event
	for {
		ev, err := sub.Next(waitCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = ev
	}
	assert.Equal(t, api.EventWorkflowCompleted, last.Type)
	assert.Equal(t, "rejected", last.Data["status"])

	s, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "not now", s.Reason)

	trail, err := runner.AuditTrail(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)

	_, err = runner.PendingApproval(ctx, id)
	assert.Error(t, err)
}

// TestSQLiteRunner_PausedSessionSurvivesRestart shows a session paused for
// approval being picked up by a new runner on the same database.
func TestSQLiteRunner_PausedSessionSurvivesRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "reviewflow.db")
	open := func() *sql.DB {
		db, err := sql.Open("sqlite", dsn)
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	action := ProposedAction{Type: "flag_account", SubjectID: "acct-1", Confidence: 0.4}

	// --- Phase 1: run until the approval pause, then stop.
	first, err := NewSQLiteRunner(open(), Config{Owner: "first"})
	require.NoError(t, err)
	reviewFlow(action).MustRegister(first)

	id, err := first.Start(ctx, StartRequest{WorkflowType: "review", SubjectIDs: []string{"acct-1"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := first.Session(ctx, id)
		return err == nil && s.Status == StatusPausedForApproval
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close(ctx))

	// --- Phase 2: a new runner recovers and finishes the session.
	second, err := NewSQLiteRunner(open(), Config{Owner: "second"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })
	reviewFlow(action).MustRegister(second)

	rep, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.Resumed)

	req, err := second.PendingApproval(ctx, id)
	require.NoError(t, err)
	_, err = second.Resolve(ctx, req.ID, DecisionApprove, "alice", Payload{})
	require.NoError(t, err)

	s, err := second.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, api.OutcomeApproved, s.Outcome)
}
