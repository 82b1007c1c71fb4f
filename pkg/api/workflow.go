package api

import (
	"fmt"
	"strings"
	"time"
)

// FailurePolicy decides what happens to a session when a step fails.
type FailurePolicy string

const (
	// FailAbort marks the session failed and skips every remaining step.
	FailAbort FailurePolicy = "abort"
	// FailSkip records the failure and continues with the next stage.
	FailSkip FailurePolicy = "skip"
)

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff is the delay before the first retry. Each later delay is
// multiplied by Multiplier (default 2.0) and capped at MaxBackoff when that
// is positive. If Backoff is zero, retries happen immediately.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff"`
	Multiplier  float64       `json:"multiplier,omitempty" yaml:"multiplier"`
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Backoff <= 0 || n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.Backoff)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// StepDefinition describes one task invocation within a workflow.
type StepDefinition struct {
	// Name identifies the step within the session; it is also the key under
	// which the step's output is stored in Session.Context.
	Name string
	// Task is the registry name of the task to invoke. Defaults to Name.
	Task string
	// Group places the step in a parallel group. Contiguous steps sharing a
	// non-empty group run concurrently.
	Group   string
	OnError FailurePolicy
	Retry   *RetryPolicy
}

// TaskName returns the registry key invoked for the step.
func (s StepDefinition) TaskName() string {
	if s.Task != "" {
		return s.Task
	}
	return s.Name
}

// Policy returns the failure policy, defaulting to FailAbort.
func (s StepDefinition) Policy() FailurePolicy {
	if s.OnError == "" {
		return FailAbort
	}
	return s.OnError
}

// WorkflowDefinition is the fixed ordered list of steps run for a workflow
// type.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition
}

// Validate checks the definition for structural errors.
func (d WorkflowDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "workflow_type", Message: "workflow name must not be empty"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: fmt.Sprintf("workflow %q has no steps", d.Name)}
	}
	seen := make(map[string]struct{}, len(d.Steps))
	closed := make(map[string]struct{})
	prevGroup := ""
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d has no name", i)}
		}
		if _, dup := seen[s.Name]; dup {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = struct{}{}
		switch s.OnError {
		case "", FailAbort, FailSkip:
		default:
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %q: unknown failure policy %q", s.Name, s.OnError)}
		}
		if s.Retry != nil && (s.Retry.MaxAttempts < 1 || s.Retry.Backoff < 0 || s.Retry.MaxBackoff < 0 || s.Retry.Multiplier < 0) {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %q: invalid retry policy", s.Name)}
		}
		if s.Group != prevGroup && prevGroup != "" {
			closed[prevGroup] = struct{}{}
		}
		if s.Group != "" {
			if _, ok := closed[s.Group]; ok {
				return &ValidationError{Field: "steps", Message: fmt.Sprintf("parallel group %q is not contiguous", s.Group)}
			}
		}
		prevGroup = s.Group
	}
	return nil
}

// Stages splits the steps into execution stages: each stage is either a
// single ungrouped step or a contiguous run of steps sharing a group.
func (d WorkflowDefinition) Stages() [][]StepDefinition {
	var stages [][]StepDefinition
	for i := 0; i < len(d.Steps); {
		s := d.Steps[i]
		if s.Group == "" {
			stages = append(stages, []StepDefinition{s})
			i++
			continue
		}
		j := i
		for j < len(d.Steps) && d.Steps[j].Group == s.Group {
			j++
		}
		stages = append(stages, d.Steps[i:j])
		i = j
	}
	return stages
}

// RunOptions are the per-session settings resolved when a session starts.
// They are stored on the session so that concurrent sessions with different
// settings never interfere.
type RunOptions struct {
	ApprovalTimeoutSeconds int     `json:"approval_timeout_seconds"`
	AutoApprove            bool    `json:"auto_approve"`
	ConfidenceThreshold    float64 `json:"confidence_threshold"`
}

// Admits reports whether the auto-approve policy covers every action.
func (o RunOptions) Admits(actions []ProposedAction) bool {
	if !o.AutoApprove || len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		if a.Confidence < o.ConfidenceThreshold {
			return false
		}
	}
	return true
}

// StartRequest is the input of a StartWorkflow call.
type StartRequest struct {
	SubjectIDs   []string       `json:"subject_ids"`
	WorkflowType string         `json:"workflow_type"`
	SessionType  SessionType    `json:"session_type,omitempty"`
	OwnerFilter  string         `json:"owner_filter,omitempty"`
	Options      *RunOptions    `json:"options,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	// TimeoutSeconds overrides the approval timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// RecoveredFrom links a recovery session to the session it replaces.
	RecoveredFrom string `json:"-"`
}
