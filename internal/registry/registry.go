// Package registry maps task names to specialist implementations and
// workflow types to their step definitions.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/reviewflow/pkg/api"
)

// Registry is a goroutine-safe dispatch table.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]api.Task
	workflows map[string]api.WorkflowDefinition
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]api.Task),
		workflows: make(map[string]api.WorkflowDefinition),
	}
}

// RegisterTask adds a task under its name.
func (r *Registry) RegisterTask(t api.Task) error {
	if t == nil || strings.TrimSpace(t.Name()) == "" {
		return fmt.Errorf("register task: name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name()]; exists {
		return fmt.Errorf("task %q already registered", t.Name())
	}
	r.tasks[t.Name()] = t
	return nil
}

// RegisterFunc adds fn as a task named name.
func (r *Registry) RegisterFunc(name string, fn api.TaskFunc) error {
	return r.RegisterTask(api.NewTask(name, fn))
}

// Task returns the task registered under name.
func (r *Registry) Task(name string) (api.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownTask, name)
	}
	return t, nil
}

// RegisterWorkflow validates and adds a workflow definition.
func (r *Registry) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

// Workflow returns the definition for a workflow type.
func (r *Registry) Workflow(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", api.ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Resolve returns the definition for a workflow type after checking that
// every step's task is registered.
func (r *Registry) Resolve(name string) (api.WorkflowDefinition, error) {
	def, err := r.Workflow(name)
	if err != nil {
		return def, err
	}
	for _, s := range def.Steps {
		if _, err := r.Task(s.TaskName()); err != nil {
			return api.WorkflowDefinition{}, fmt.Errorf("workflow %q step %q: %w", name, s.Name, err)
		}
	}
	return def, nil
}

// Workflows lists registered workflow types in name order.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tasks lists registered task names in name order.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
