package api

import "time"

// EventType identifies a session progress event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventAgentStarted      EventType = "agent_started"
	EventAgentStream       EventType = "agent_stream"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentError        EventType = "agent_error"
	EventApprovalRequired  EventType = "approval_required"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowError     EventType = "workflow_error"

	// EventsDropped is delivered to a single slow consumer whose buffer
	// overflowed. It carries Sequence 0 and is never persisted.
	EventsDropped EventType = "events_dropped"
)

// Terminal reports whether t ends a session's event stream.
func (t EventType) Terminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowError
}

// Event is one record of a session's append-only progress stream.
//
// Sequence is assigned by the event channel: it starts at 1 and increases by
// exactly one per emitted event within a session.
type Event struct {
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
