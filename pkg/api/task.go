package api

import "context"

// TaskInput is what a specialist task receives. Context is a copy of the
// outputs accumulated by earlier steps, keyed by step name.
type TaskInput struct {
	SessionID   string
	Step        string
	SubjectIDs  []string
	OwnerFilter string
	Context     map[string]any
	Options     RunOptions
}

// TaskOutput is what a specialist task returns. ProposedActions are only
// honoured for steps in the final stage of a workflow.
type TaskOutput struct {
	Data            any
	ProposedActions []ProposedAction
}

// Reporter lets a running task publish intermediate progress. Calls are
// safe from multiple goroutines and never block on slow consumers.
type Reporter interface {
	Stream(ctx context.Context, chunk string)
	ToolCall(ctx context.Context, tool string, args map[string]any)
	ToolResult(ctx context.Context, tool string, result any)
}

// Task is a specialist step invoked by the orchestrator. ctx is cancelled
// when the session is cancelled.
type Task interface {
	Name() string
	Invoke(ctx context.Context, in TaskInput, r Reporter) (TaskOutput, error)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context, in TaskInput, r Reporter) (TaskOutput, error)

type namedTask struct {
	name string
	fn   TaskFunc
}

// NewTask returns a Task named name backed by fn.
func NewTask(name string, fn TaskFunc) Task {
	return namedTask{name: name, fn: fn}
}

func (t namedTask) Name() string { return t.name }

func (t namedTask) Invoke(ctx context.Context, in TaskInput, r Reporter) (TaskOutput, error) {
	return t.fn(ctx, in, r)
}

// NopReporter discards all progress.
type NopReporter struct{}

func (NopReporter) Stream(context.Context, string)                   {}
func (NopReporter) ToolCall(context.Context, string, map[string]any) {}
func (NopReporter) ToolResult(context.Context, string, any)          {}

// ActionApplier applies approved actions. It is optional; when absent the
// orchestrator only records the approval.
type ActionApplier interface {
	Apply(ctx context.Context, sessionID string, actions []ProposedAction) error
}

// ActionApplierFunc adapts a function to ActionApplier.
type ActionApplierFunc func(ctx context.Context, sessionID string, actions []ProposedAction) error

func (f ActionApplierFunc) Apply(ctx context.Context, sessionID string, actions []ProposedAction) error {
	return f(ctx, sessionID, actions)
}
