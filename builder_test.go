package reviewflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/pkg/api"
)

func noop(ctx context.Context, in TaskInput, r Reporter) (TaskOutput, error) {
	return TaskOutput{Data: in.Step}, nil
}

func TestWorkflowBuilder_Definition(t *testing.T) {
	flow := NewWorkflow("account_review").
		StepWithRetry("retrieve", noop, Retry(3).Policy()).
		Parallel("analysis",
			Branch{Name: "history", Fn: noop},
			Branch{Name: "signals", Fn: noop},
		).
		OnError(FailSkip).
		Use("synthesize", "shared_synth")

	def := flow.Definition()
	assert.Equal(t, "account_review", flow.Name())
	require.Len(t, def.Steps, 4)
	require.NotNil(t, def.Steps[0].Retry)
	assert.Equal(t, 3, def.Steps[0].Retry.MaxAttempts)
	assert.Equal(t, api.FailAbort, def.Steps[0].Policy())
	assert.Equal(t, FailSkip, def.Steps[1].OnError)
	assert.Equal(t, FailSkip, def.Steps[2].OnError)
	assert.Equal(t, "shared_synth", def.Steps[3].TaskName())
	assert.Len(t, def.Stages(), 3)

	def.Steps[0].Name = "mutated"
	assert.Equal(t, "retrieve", flow.Definition().Steps[0].Name, "Definition returns a copy")
}

func TestWorkflowBuilder_Panics(t *testing.T) {
	assert.Panics(t, func() { NewWorkflow("w").Step("", noop) })
	assert.Panics(t, func() { NewWorkflow("w").Step("a", nil) })
	assert.Panics(t, func() { NewWorkflow("w").OnError(FailSkip) })
	assert.Panics(t, func() { NewWorkflow("w").Parallel("", Branch{Name: "a", Fn: noop}) })
}

func TestWorkflowBuilder_Register(t *testing.T) {
	runner, err := NewInMemoryRunner(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(context.Background()) })

	require.NoError(t, runner.RegisterTask("shared_synth", noop))
	require.NoError(t, NewWorkflow("w").Step("a", noop).Use("b", "shared_synth").Register(runner))

	def, err := runner.Registry.Workflow("w")
	require.NoError(t, err)
	assert.Len(t, def.Steps, 2)

	err = NewWorkflow("w2").Step("a", noop).Register(runner)
	assert.Error(t, err, "task a is already registered")

	assert.True(t, api.IsValidationError(NewWorkflow("").Register(runner)))
}
