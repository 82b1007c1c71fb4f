package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrApprovalNotFound is returned when an approval request is not found.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrSessionLocked is returned when a lease is held by another owner.
	ErrSessionLocked = errors.New("session leased by another owner")
)

// SessionFilter is used to select sessions from the store.
// Zero values mean "no filter" for that field.
type SessionFilter struct {
	Status       api.Status
	WorkflowType string
	SessionType  api.SessionType
	// Limit caps the number of results. Zero means unlimited.
	Limit int
}

func (f SessionFilter) matches(s *api.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.WorkflowType != "" && s.WorkflowType != f.WorkflowType {
		return false
	}
	if f.SessionType != "" && s.SessionType != f.SessionType {
		return false
	}
	return true
}

// SessionStore persists session snapshots.
type SessionStore interface {
	// SaveSession inserts or replaces the snapshot of s. Leases are left
	// untouched.
	SaveSession(ctx context.Context, s *api.Session) error
	GetSession(ctx context.Context, id string) (*api.Session, error)
	// ListSessions returns matching sessions ordered by creation time.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error)
	// ListRecoverable returns sessions checkpointed as running or
	// paused_for_approval.
	ListRecoverable(ctx context.Context) ([]*api.Session, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on a session.
	// If the session is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

// ApprovalFilter selects approval requests. Empty fields mean "no filter".
type ApprovalFilter struct {
	SessionID string
	Status    api.ApprovalStatus
}

func (f ApprovalFilter) matches(r *api.ApprovalRequest) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateApproval stores a new request. It fails with
	// api.ErrApprovalPending if req is pending and the session already has a
	// pending request.
	CreateApproval(ctx context.Context, req *api.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error)
	// ListApprovals returns matching requests ordered by creation time.
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error)
	// ResolveApproval records res only if the request is still pending.
	// Otherwise it returns api.ErrApprovalConflict and changes nothing.
	ResolveApproval(ctx context.Context, res api.Resolution) error
}

// AuditFilter selects audit events. Empty fields mean "no filter".
type AuditFilter struct {
	SessionID string
	Action    string
	Actor     string
}

func (f AuditFilter) matches(ev api.AuditEvent) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	return true
}

// AuditLog is an append-only compliance log.
type AuditLog interface {
	AppendAudit(ctx context.Context, ev api.AuditEvent) error
	// ListAudit returns matching events in append order.
	ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error)
}

// EventLog is the durable per-session event history backing replay.
type EventLog interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	// ListEvents returns the events of a session with Sequence > afterSeq,
	// in sequence order.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error)
	// LastSequence returns the highest stored sequence for a session, or 0.
	LastSequence(ctx context.Context, sessionID string) (int64, error)
}

// NoopEventLog discards all events.
type NoopEventLog struct{}

func (NoopEventLog) AppendEvent(ctx context.Context, ev api.Event) error { return nil }
func (NoopEventLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	return nil, nil
}
func (NoopEventLog) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	return 0, nil
}
