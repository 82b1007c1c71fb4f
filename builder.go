package reviewflow

import (
	"fmt"

	"github.com/petrijr/reviewflow/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	flow := reviewflow.NewWorkflow("account_review").
//	    StepWithRetry("retrieve_accounts", retrieve, reviewflow.Retry(3).Policy()).
//	    Step("synthesize", synthesize)
//
//	if err := flow.Register(runner); err != nil {
//	    log.Fatal(err)
//	}
type WorkflowBuilder struct {
	def   api.WorkflowDefinition
	tasks map[string]TaskFunc
}

// Branch is one member of a parallel group.
type Branch struct {
	Name string
	Fn   TaskFunc
}

// NewWorkflow creates a builder for a workflow type.
func NewWorkflow(name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		def:   api.WorkflowDefinition{Name: name},
		tasks: make(map[string]TaskFunc),
	}
}

// Name returns the workflow type.
func (b *WorkflowBuilder) Name() string {
	return b.def.Name
}

// Definition returns a copy of the definition built so far.
func (b *WorkflowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	return def
}

func (b *WorkflowBuilder) add(step api.StepDefinition, fn TaskFunc) *WorkflowBuilder {
	if step.Name == "" {
		panic("reviewflow: step name must not be empty")
	}
	if fn != nil {
		b.tasks[step.Name] = fn
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Step appends a step backed by fn. The task is registered under the step
// name.
func (b *WorkflowBuilder) Step(name string, fn TaskFunc) *WorkflowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("reviewflow: step %q has nil function", name))
	}
	return b.add(api.StepDefinition{Name: name}, fn)
}

// StepWithRetry appends a step that is retried per retry before its failure
// policy applies.
func (b *WorkflowBuilder) StepWithRetry(name string, fn TaskFunc, retry RetryPolicy) *WorkflowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("reviewflow: step %q has nil function", name))
	}
	r := retry
	return b.add(api.StepDefinition{Name: name, Retry: &r}, fn)
}

// Use appends a step invoking a task registered elsewhere.
func (b *WorkflowBuilder) Use(name, task string) *WorkflowBuilder {
	return b.add(api.StepDefinition{Name: name, Task: task}, nil)
}

// Parallel appends branches that run concurrently as one stage.
func (b *WorkflowBuilder) Parallel(group string, branches ...Branch) *WorkflowBuilder {
	if group == "" {
		panic("reviewflow: parallel group must not be empty")
	}
	for _, br := range branches {
		if br.Fn == nil {
			panic(fmt.Sprintf("reviewflow: branch %q has nil function", br.Name))
		}
		b.add(api.StepDefinition{Name: br.Name, Group: group}, br.Fn)
	}
	return b
}

// OnError sets the failure policy of the most recently added step, or of
// every branch of the most recently added parallel group.
func (b *WorkflowBuilder) OnError(policy FailurePolicy) *WorkflowBuilder {
	n := len(b.def.Steps)
	if n == 0 {
		panic("reviewflow: OnError called before any step")
	}
	group := b.def.Steps[n-1].Group
	for i := n - 1; i >= 0; i-- {
		b.def.Steps[i].OnError = policy
		if group == "" || i == 0 || b.def.Steps[i-1].Group != group {
			break
		}
	}
	return b
}

// Register registers the step tasks and then the workflow on r.
func (b *WorkflowBuilder) Register(r *Runner) error {
	if err := b.def.Validate(); err != nil {
		return err
	}
	for _, step := range b.def.Steps {
		fn, ok := b.tasks[step.Name]
		if !ok {
			continue
		}
		if err := r.RegisterTask(step.Name, fn); err != nil {
			return err
		}
	}
	return r.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustRegister(r *Runner) {
	if err := b.Register(r); err != nil {
		panic(err)
	}
}
