package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/pkg/api"
)

// runStoreContract exercises the behavior every backend must share.
// newStore must return an empty store for each call.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Persistence) {
	t.Run("SessionSaveGetUpdate", func(t *testing.T) { testSessionSaveGet(t, newStore(t)) })
	t.Run("SessionList", func(t *testing.T) { testSessionList(t, newStore(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, newStore(t)) })
	t.Run("ApprovalCreateResolve", func(t *testing.T) { testApprovalCreateResolve(t, newStore(t)) })
	t.Run("ApprovalSinglePending", func(t *testing.T) { testApprovalSinglePending(t, newStore(t)) })
	t.Run("ApprovalConcurrentCreate", func(t *testing.T) { testApprovalConcurrentCreate(t, newStore(t)) })
	t.Run("ApprovalConcurrentResolve", func(t *testing.T) { testApprovalConcurrentResolve(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
}

func sampleSession(id string, status api.Status, created time.Time) *api.Session {
	return &api.Session{
		ID:           id,
		Status:       status,
		SessionType:  api.SessionOnDemand,
		WorkflowType: "account_review",
		SubjectIDs:   []string{"acct-1", "acct-2"},
		Context:      map[string]any{"region": "eu"},
		Steps: []api.TaskStep{
			{Name: "collect", Order: 0, Status: api.StepPending},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testSessionSaveGet(t *testing.T, p Persistence) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := p.Sessions.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sess := sampleSession("s-1", api.StatusPending, now)
	require.NoError(t, p.Sessions.SaveSession(ctx, sess))

	got, err := p.Sessions.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusPending, got.Status)
	assert.Equal(t, []string{"acct-1", "acct-2"}, got.SubjectIDs)
	assert.Equal(t, "eu", got.Context["region"])
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "collect", got.Steps[0].Name)

	sess.Status = api.StatusRunning
	sess.Steps[0].Status = api.StepCompleted
	require.NoError(t, p.Sessions.SaveSession(ctx, sess))

	got, err = p.Sessions.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Equal(t, api.StepCompleted, got.Steps[0].Status)
}

func testSessionList(t *testing.T, p Persistence) {
	ctx := context.Background()
	base := time.Now().UTC()

	sessions := []*api.Session{
		sampleSession("a", api.StatusRunning, base),
		sampleSession("b", api.StatusCompleted, base.Add(time.Millisecond)),
		sampleSession("c", api.StatusPausedForApproval, base.Add(2*time.Millisecond)),
		sampleSession("d", api.StatusFailed, base.Add(3*time.Millisecond)),
	}
	sessions[3].WorkflowType = "other"
	for _, s := range sessions {
		require.NoError(t, p.Sessions.SaveSession(ctx, s))
	}

	all, err := p.Sessions.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, sessionIDs(all))

	completed, err := p.Sessions.ListSessions(ctx, SessionFilter{Status: api.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sessionIDs(completed))

	other, err := p.Sessions.ListSessions(ctx, SessionFilter{WorkflowType: "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, sessionIDs(other))

	limited, err := p.Sessions.ListSessions(ctx, SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	recoverable, err := p.Sessions.ListRecoverable(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, sessionIDs(recoverable))
}

func sessionIDs(sessions []*api.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func testLease(t *testing.T, p Persistence) {
	ctx := context.Background()
	ttl := 200 * time.Millisecond

	_, err := p.Sessions.TryAcquireLease(ctx, "missing", "owner1", ttl)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, p.Sessions.SaveSession(ctx, sampleSession("l-1", api.StatusRunning, time.Now())))

	acquired, err := p.Sessions.TryAcquireLease(ctx, "l-1", "owner1", ttl)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = p.Sessions.TryAcquireLease(ctx, "l-1", "owner1", ttl)
	require.NoError(t, err)
	assert.True(t, acquired, "lease must be re-entrant for the same owner")

	acquired, err = p.Sessions.TryAcquireLease(ctx, "l-1", "owner2", ttl)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, p.Sessions.RenewLease(ctx, "l-1", "owner1", ttl))
	require.ErrorIs(t, p.Sessions.RenewLease(ctx, "l-1", "owner2", ttl), ErrSessionLocked)

	// Saving a snapshot must not clear the lease.
	require.NoError(t, p.Sessions.SaveSession(ctx, sampleSession("l-1", api.StatusRunning, time.Now())))
	acquired, err = p.Sessions.TryAcquireLease(ctx, "l-1", "owner2", ttl)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, p.Sessions.ReleaseLease(ctx, "l-1", "owner1"))
	require.NoError(t, p.Sessions.ReleaseLease(ctx, "l-1", "owner1"))

	acquired, err = p.Sessions.TryAcquireLease(ctx, "l-1", "owner2", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.Eventually(t, func() bool {
		ok, err := p.Sessions.TryAcquireLease(ctx, "l-1", "owner3", ttl)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond, "expired lease should be acquirable")
}

func sampleApproval(id, sessionID string, created time.Time) *api.ApprovalRequest {
	return &api.ApprovalRequest{
		ID:        id,
		SessionID: sessionID,
		ProposedActions: []api.ProposedAction{
			{ID: "act-1", Type: "disable_account", SubjectID: "acct-1", Confidence: 0.92},
		},
		Status:         api.ApprovalPending,
		TimeoutSeconds: 60,
		CreatedAt:      created,
	}
}

func testApprovalCreateResolve(t *testing.T, p Persistence) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := p.Approvals.GetApproval(ctx, "missing")
	require.ErrorIs(t, err, ErrApprovalNotFound)

	require.NoError(t, p.Approvals.CreateApproval(ctx, sampleApproval("r-1", "s-1", now)))

	got, err := p.Approvals.GetApproval(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalPending, got.Status)
	require.Len(t, got.ProposedActions, 1)
	assert.Equal(t, "disable_account", got.ProposedActions[0].Type)

	pending, err := p.Approvals.ListApprovals(ctx, ApprovalFilter{Status: api.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res := api.Resolution{
		RequestID:  "r-1",
		SessionID:  "s-1",
		Status:     api.ApprovalApproved,
		Decision:   api.DecisionApprove,
		ResolvedBy: "alice",
		ResolvedAt: now.Add(time.Second),
		Reason:     "looks right",
	}
	require.NoError(t, p.Approvals.ResolveApproval(ctx, res))

	got, err = p.Approvals.GetApproval(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.Equal(t, api.DecisionApprove, got.Decision)

	again := res
	again.Status = api.ApprovalRejected
	again.ResolvedBy = "bob"
	require.ErrorIs(t, p.Approvals.ResolveApproval(ctx, again), api.ErrApprovalConflict)

	got, err = p.Approvals.GetApproval(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalApproved, got.Status, "second resolution must not change the record")
	assert.Equal(t, "alice", got.ResolvedBy)

	missing := res
	missing.RequestID = "nope"
	require.ErrorIs(t, p.Approvals.ResolveApproval(ctx, missing), ErrApprovalNotFound)

	pending, err = p.Approvals.ListApprovals(ctx, ApprovalFilter{Status: api.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testApprovalSinglePending(t *testing.T, p Persistence) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, p.Approvals.CreateApproval(ctx, sampleApproval("r-1", "s-1", now)))
	err := p.Approvals.CreateApproval(ctx, sampleApproval("r-2", "s-1", now.Add(time.Millisecond)))
	require.ErrorIs(t, err, api.ErrApprovalPending)

	require.NoError(t, p.Approvals.CreateApproval(ctx, sampleApproval("r-3", "s-2", now.Add(2*time.Millisecond))))

	require.NoError(t, p.Approvals.ResolveApproval(ctx, api.Resolution{
		RequestID:  "r-1",
		SessionID:  "s-1",
		Status:     api.ApprovalRejected,
		Decision:   api.DecisionReject,
		ResolvedBy: "alice",
		ResolvedAt: now,
	}))
	require.NoError(t, p.Approvals.CreateApproval(ctx, sampleApproval("r-4", "s-1", now.Add(3*time.Millisecond))))

	forS1, err := p.Approvals.ListApprovals(ctx, ApprovalFilter{SessionID: "s-1"})
	require.NoError(t, err)
	require.Len(t, forS1, 2)
	assert.Equal(t, "r-1", forS1[0].ID)
	assert.Equal(t, "r-4", forS1[1].ID)
}

func testApprovalConcurrentCreate(t *testing.T, p Persistence) {
	ctx := context.Background()
	now := time.Now().UTC()

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		pending int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.Approvals.CreateApproval(ctx, sampleApproval(fmt.Sprintf("r-%d", i), "s-1", now.Add(time.Duration(i)*time.Millisecond)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, api.ErrApprovalPending):
				pending++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, racers-1, pending)

	stored, err := p.Approvals.ListApprovals(ctx, ApprovalFilter{SessionID: "s-1"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func testApprovalConcurrentResolve(t *testing.T, p Persistence) {
	ctx := context.Background()
	require.NoError(t, p.Approvals.CreateApproval(ctx, sampleApproval("r-1", "s-1", time.Now().UTC())))

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.Approvals.ResolveApproval(ctx, api.Resolution{
				RequestID:  "r-1",
				SessionID:  "s-1",
				Status:     api.ApprovalApproved,
				Decision:   api.DecisionApprove,
				ResolvedBy: "racer",
				ResolvedAt: time.Now().UTC(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, api.ErrApprovalConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

func testAudit(t *testing.T, p Persistence) {
	ctx := context.Background()
	base := time.Now().UTC()

	events := []api.AuditEvent{
		{SessionID: "s-1", Actor: api.ActorSystem, Action: api.AuditSessionCreated, Resource: "session/s-1", Timestamp: base},
		{SessionID: "s-1", Actor: "alice", Action: api.AuditApprovalResolved, Resource: "approval/r-1",
			Metadata: map[string]any{"decision": "approve"}, Timestamp: base.Add(time.Millisecond)},
		{SessionID: "s-2", Actor: api.ActorSystemTimeout, Action: api.AuditApprovalResolved, Resource: "approval/r-2",
			Timestamp: base.Add(2 * time.Millisecond)},
	}
	for _, ev := range events {
		require.NoError(t, p.Audit.AppendAudit(ctx, ev))
	}

	all, err := p.Audit.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, ev := range all {
		assert.NotEmpty(t, ev.ID)
	}

	s1, err := p.Audit.ListAudit(ctx, AuditFilter{SessionID: "s-1"})
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, api.AuditSessionCreated, s1[0].Action)
	assert.Equal(t, "approve", s1[1].Metadata["decision"])

	resolved, err := p.Audit.ListAudit(ctx, AuditFilter{Action: api.AuditApprovalResolved, Actor: api.ActorSystemTimeout})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "s-2", resolved[0].SessionID)
}

func testEvents(t *testing.T, p Persistence) {
	ctx := context.Background()
	now := time.Now().UTC()

	last, err := p.Events.LastSequence(ctx, "s-1")
	require.NoError(t, err)
	assert.Zero(t, last)

	types := []api.EventType{api.EventWorkflowStarted, api.EventAgentStarted, api.EventAgentCompleted}
	for i, typ := range types {
		require.NoError(t, p.Events.AppendEvent(ctx, api.Event{
			SessionID: "s-1",
			Sequence:  int64(i + 1),
			Type:      typ,
			Timestamp: now,
			Data:      map[string]any{"step": float64(i)},
		}))
	}
	require.NoError(t, p.Events.AppendEvent(ctx, api.Event{SessionID: "s-2", Sequence: 1, Type: api.EventWorkflowStarted, Timestamp: now}))

	last, err = p.Events.LastSequence(ctx, "s-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, last)

	all, err := p.Events.ListEvents(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.EqualValues(t, i+1, ev.Sequence)
		assert.Equal(t, types[i], ev.Type)
	}
	assert.Equal(t, float64(2), all[2].Data["step"])

	tail, err := p.Events.ListEvents(ctx, "s-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, api.EventAgentCompleted, tail[0].Type)

	none, err := p.Events.ListEvents(ctx, "s-1", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}
