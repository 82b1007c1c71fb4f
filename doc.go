// Package reviewflow orchestrates account-review sessions: a fixed pipeline
// of specialist tasks that may end in proposed actions gated on a human
// decision.
//
// # Sessions
//
// A session is started with a StartRequest naming the subjects to review
// and the workflow type. It moves through pending, running and optionally
// paused_for_approval before ending completed, failed or interrupted.
// Every transition is checkpointed so a restarted process can Recover the
// sessions it left behind.
//
// # Tasks and workflows
//
// A Task is one specialist step. Workflows are ordered lists of steps;
// contiguous steps sharing a group run in parallel. WorkflowBuilder defines
// them in code:
//
//	reviewflow.NewWorkflow("account_review").
//	    Step("retrieve_accounts", retrieve).
//	    Parallel("analysis",
//	        reviewflow.Branch{Name: "analyze_history", Fn: history},
//	        reviewflow.Branch{Name: "score_signals", Fn: signals}).
//	    OnError(reviewflow.FailSkip).
//	    Step("synthesize", synthesize).
//	    MustRegister(runner)
//
// # Approvals
//
// When the final stage proposes actions the session pauses on an
// ApprovalRequest. Exactly one resolution is accepted: a human approve,
// reject or modify, the timeout, or an interruption. Sessions whose options
// enable auto-approve skip the pause when every action clears the
// confidence threshold.
//
// # Events
//
// Every session has an ordered event stream with gap-free sequence numbers.
// Subscribers replay from any sequence and then follow live events; a slow
// subscriber loses its oldest queued events and is told so.
//
// # Runner
//
// Runner wires the stores, the approval gate, the event broker, the task
// registry and the orchestrator. NewInMemoryRunner suits tests;
// NewSQLiteRunner persists everything in one SQLite database.
package reviewflow
