package reviewflow

import (
	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/orchestrator"
	"github.com/petrijr/reviewflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Session            = api.Session
	Status             = api.Status
	SessionType        = api.SessionType
	StartRequest       = api.StartRequest
	RunOptions         = api.RunOptions
	Task               = api.Task
	TaskFunc           = api.TaskFunc
	TaskInput          = api.TaskInput
	TaskOutput         = api.TaskOutput
	Reporter           = api.Reporter
	ProposedAction     = api.ProposedAction
	ApprovalRequest    = api.ApprovalRequest
	Resolution         = api.Resolution
	Decision           = api.Decision
	Event              = api.Event
	EventType          = api.EventType
	AuditEvent         = api.AuditEvent
	WorkflowDefinition = api.WorkflowDefinition
	StepDefinition     = api.StepDefinition
	RetryPolicy        = api.RetryPolicy
	FailurePolicy      = api.FailurePolicy
	ActionApplier      = api.ActionApplier
	Observer           = api.Observer
	LoggingObserver    = api.LoggingObserver
	BasicMetrics       = api.BasicMetrics
	MetricsSnapshot    = api.BasicMetricsSnapshot
	CompositeObserver  = api.CompositeObserver
	NoopObserver       = api.NoopObserver

	// Config holds the orchestrator settings of a Runner.
	Config = orchestrator.Config
	// Payload carries the optional reason and modifications of a decision.
	Payload = approval.Payload
	// RecoveryReport lists what Recover did with each session it found.
	RecoveryReport = orchestrator.RecoveryReport
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultConfig        = orchestrator.DefaultConfig
)

// Re-export status, decision and policy values for convenience.

const (
	StatusPending           = api.StatusPending
	StatusRunning           = api.StatusRunning
	StatusPausedForApproval = api.StatusPausedForApproval
	StatusCompleted         = api.StatusCompleted
	StatusFailed            = api.StatusFailed
	StatusInterrupted       = api.StatusInterrupted

	DecisionApprove = api.DecisionApprove
	DecisionReject  = api.DecisionReject
	DecisionModify  = api.DecisionModify

	FailAbort = api.FailAbort
	FailSkip  = api.FailSkip
)
