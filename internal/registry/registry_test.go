package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/pkg/api"
)

func noop(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
	return api.TaskOutput{}, nil
}

func TestRegistry_Tasks(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterFunc("collect", noop))
	require.Error(t, r.RegisterFunc("collect", noop))
	require.Error(t, r.RegisterFunc(" ", noop))

	task, err := r.Task("collect")
	require.NoError(t, err)
	assert.Equal(t, "collect", task.Name())

	_, err = r.Task("missing")
	assert.ErrorIs(t, err, api.ErrUnknownTask)
	assert.Equal(t, []string{"collect"}, r.Tasks())
}

func TestRegistry_Workflows(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterFunc("collect", noop))

	def := api.WorkflowDefinition{
		Name: "review",
		Steps: []api.StepDefinition{
			{Name: "collect"},
			{Name: "analyze"},
		},
	}
	require.NoError(t, r.RegisterWorkflow(def))
	require.Error(t, r.RegisterWorkflow(def))
	assert.True(t, api.IsValidationError(r.RegisterWorkflow(api.WorkflowDefinition{Name: "empty"})))

	_, err := r.Workflow("nope")
	assert.ErrorIs(t, err, api.ErrUnknownWorkflow)

	_, err = r.Resolve("review")
	assert.ErrorIs(t, err, api.ErrUnknownTask)

	require.NoError(t, r.RegisterFunc("analyze", noop))
	got, err := r.Resolve("review")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
	assert.Equal(t, []string{"review"}, r.Workflows())
}
