package api

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a review session.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusPausedForApproval Status = "paused_for_approval"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusInterrupted       Status = "interrupted"
)

// SessionType records why a session was started.
type SessionType string

const (
	SessionScheduled SessionType = "scheduled"
	SessionOnDemand  SessionType = "on_demand"
	SessionManual    SessionType = "manual"
	SessionRecovery  SessionType = "recovery"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionScheduled, SessionOnDemand, SessionManual, SessionRecovery:
		return true
	}
	return false
}

// Outcome values recorded on a completed session.
const (
	OutcomeCompleted = "completed"
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:     {},
		StatusFailed:      {},
		StatusInterrupted: {},
	},
	StatusRunning: {
		StatusPausedForApproval: {},
		StatusCompleted:         {},
		StatusFailed:            {},
		StatusInterrupted:       {},
	},
	StatusPausedForApproval: {
		StatusRunning:     {},
		StatusCompleted:   {},
		StatusFailed:      {},
		StatusInterrupted: {},
	},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusInterrupted: {},
}

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// Recoverable reports whether a session checkpointed in s can be picked up
// again after a restart.
func (s Status) Recoverable() bool {
	return s == StatusRunning || s == StatusPausedForApproval
}

// ValidateTransition returns an error if from -> to is not an edge of the
// session state machine.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid session status: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid session status: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid session transition: %s -> %s", from, to)
	}
	return nil
}

// StepStatus is the state of one task step within a session.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// TaskStep tracks the execution of a single specialist task.
type TaskStep struct {
	Name        string     `json:"name"`
	Order       int        `json:"order"`
	Group       string     `json:"group,omitempty"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// Session is one end-to-end execution of a review workflow.
//
// A session is mutated only by the orchestrator run that owns it and is
// persisted on every status transition. It is never deleted.
type Session struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	SessionType  SessionType    `json:"session_type"`
	WorkflowType string         `json:"workflow_type"`
	SubjectIDs   []string       `json:"subject_ids"`
	OwnerFilter  string         `json:"owner_filter,omitempty"`
	Options      RunOptions     `json:"options"`
	Context      map[string]any `json:"context,omitempty"`
	Steps        []TaskStep     `json:"steps,omitempty"`

	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	Outcome           string `json:"outcome,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
	RecoveredFrom     string `json:"recovered_from,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of s that shares no mutable maps or slices with it.
// Task outputs stored in Context are copied shallowly.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.SubjectIDs = append([]string(nil), s.SubjectIDs...)
	c.Steps = append([]TaskStep(nil), s.Steps...)
	if s.Context != nil {
		c.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Step returns the step with the given name, or nil.
func (s *Session) Step(name string) *TaskStep {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}
