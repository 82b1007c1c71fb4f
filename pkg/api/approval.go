package api

import (
	"fmt"
	"time"
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
	ApprovalTimeout     ApprovalStatus = "timeout"
	ApprovalInterrupted ApprovalStatus = "interrupted"
)

// Decision is the verdict a human submits for a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// ParseDecision validates a decision received over the wire.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(raw); d {
	case DecisionApprove, DecisionReject, DecisionModify:
		return d, nil
	}
	return "", &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", raw)}
}

// Status maps a decision to the approval status it produces.
func (d Decision) Status() ApprovalStatus {
	if d == DecisionReject {
		return ApprovalRejected
	}
	return ApprovalApproved
}

// Reserved actors used for resolutions not made by a human.
const (
	ActorSystemTimeout     = "system:timeout"
	ActorSystemAutoApprove = "system:auto-approve"
	ActorSystemCancel      = "system:cancel"
	ActorSystem            = "system"
)

// ProposedAction is one state-changing action synthesized by the final task.
type ProposedAction struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Confidence  float64        `json:"confidence"`
	Rationale   string         `json:"rationale,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ApprovalRequest gates the proposed actions of one session on a human
// decision. At most one pending request exists per session and exactly one
// resolution is ever accepted.
type ApprovalRequest struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	ProposedActions []ProposedAction `json:"proposed_actions"`
	Status          ApprovalStatus   `json:"status"`
	TimeoutSeconds  int              `json:"timeout_seconds"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	Decision        Decision         `json:"decision,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Modifications   []ProposedAction `json:"modifications,omitempty"`
}

// Deadline is the instant at which an unresolved request times out.
func (r *ApprovalRequest) Deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
}

// Resolution is the single accepted outcome of an approval request.
type Resolution struct {
	RequestID     string           `json:"approval_request_id"`
	SessionID     string           `json:"session_id"`
	Status        ApprovalStatus   `json:"status"`
	Decision      Decision         `json:"decision,omitempty"`
	ResolvedBy    string           `json:"resolved_by"`
	ResolvedAt    time.Time        `json:"resolved_at"`
	Reason        string           `json:"reason,omitempty"`
	Modifications []ProposedAction `json:"modifications,omitempty"`
}

// Approved reports whether the resolution allows the actions to be applied.
func (r Resolution) Approved() bool {
	return r.Status == ApprovalApproved
}

// Apply copies the resolution fields onto req.
func (r Resolution) Apply(req *ApprovalRequest) {
	req.Status = r.Status
	req.Decision = r.Decision
	req.ResolvedBy = r.ResolvedBy
	req.ResolvedAt = r.ResolvedAt
	req.Reason = r.Reason
	req.Modifications = r.Modifications
}

// ResolutionOf extracts the resolution recorded on a resolved request.
func ResolutionOf(req *ApprovalRequest) Resolution {
	return Resolution{
		RequestID:     req.ID,
		SessionID:     req.SessionID,
		Status:        req.Status,
		Decision:      req.Decision,
		ResolvedBy:    req.ResolvedBy,
		ResolvedAt:    req.ResolvedAt,
		Reason:        req.Reason,
		Modifications: req.Modifications,
	}
}
