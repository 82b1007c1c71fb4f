package api

import "time"

// Audit actions written by the orchestrator and the approval gate.
const (
	AuditSessionCreated    = "session.created"
	AuditSessionTransition = "session.transition"
	AuditSessionFinalized  = "session.finalized"
	AuditSessionRecovered  = "session.recovered"
	AuditTaskError         = "task.error"
	AuditFatalError        = "session.error"
	AuditApprovalRequested = "approval.requested"
	AuditApprovalResolved  = "approval.resolved"
	AuditActionsApplied    = "actions.applied"
)

// AuditEvent is an immutable compliance record. Audit logs only ever append
// these; they are never updated or deleted.
type AuditEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
