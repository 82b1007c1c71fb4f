// Package api contains the core types shared by the reviewflow
// orchestrator, its stores and its transports.
//
// Most users interact with the higher-level reviewflow package, which
// re-exports selected types from this package. The api package is intended
// for custom task implementations, alternative stores and integrations.
//
// # Sessions
//
// A Session is one end-to-end execution of a review workflow. Its Status
// moves along a fixed state machine:
//
//	pending -> running -> paused_for_approval -> running -> completed
//	                   \-> completed
//	any non-terminal   -> failed | interrupted
//
// ValidateTransition rejects every other edge. completed, failed and
// interrupted are terminal.
//
// # Tasks
//
// A Task is a named specialist step. The orchestrator invokes tasks in the
// order given by a WorkflowDefinition, passing each one a copy of the
// outputs accumulated so far. Tasks report intermediate progress through a
// Reporter; the final stage may return ProposedActions, which must be
// approved before they are applied.
//
// # Events
//
// Every session owns an append-only Event stream with gap-free sequence
// numbers starting at 1. The stream ends with workflow_completed or
// workflow_error.
//
// # Approvals and audit
//
// An ApprovalRequest gates proposed actions on a human Decision. Exactly one
// Resolution is accepted per request; later attempts fail with
// ErrApprovalConflict. Every transition, resolution and error is recorded as
// an AuditEvent.
//
// # Observability
//
// The Observer interface reports session and task lifecycle callbacks.
// LoggingObserver, BasicMetrics and CompositeObserver are ready-made
// implementations.
package api
