package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusPausedForApproval, true},
		{StatusRunning, StatusCompleted, true},
		{StatusPausedForApproval, StatusRunning, true},
		{StatusPausedForApproval, StatusCompleted, true},
		{StatusPausedForApproval, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusInterrupted, true},
		{StatusRunning, StatusInterrupted, true},
		{StatusPausedForApproval, StatusInterrupted, true},

		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusPausedForApproval, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusInterrupted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{"bogus", StatusRunning, false},
		{StatusRunning, "bogus", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusInterrupted.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPausedForApproval.Terminal())
	assert.False(t, Status("bogus").Terminal())

	assert.True(t, StatusRunning.Recoverable())
	assert.True(t, StatusPausedForApproval.Recoverable())
	assert.False(t, StatusPending.Recoverable())
}

func TestSession_CloneIsIndependent(t *testing.T) {
	s := &Session{
		ID:         "s1",
		SubjectIDs: []string{"a", "b"},
		Context:    map[string]any{"retrieve": "data"},
		Steps:      []TaskStep{{Name: "retrieve", Status: StepCompleted}},
	}
	c := s.Clone()

	c.SubjectIDs[0] = "z"
	c.Context["other"] = 1
	c.Steps[0].Status = StepFailed

	assert.Equal(t, "a", s.SubjectIDs[0])
	assert.NotContains(t, s.Context, "other")
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
	require.NotNil(t, s.Step("retrieve"))
	assert.Nil(t, s.Step("missing"))
}

func TestWorkflowDefinition_Stages(t *testing.T) {
	def := WorkflowDefinition{
		Name: "review",
		Steps: []StepDefinition{
			{Name: "retrieve"},
			{Name: "history", Group: "analysis"},
			{Name: "risk", Group: "analysis"},
			{Name: "synthesize"},
		},
	}
	require.NoError(t, def.Validate())

	stages := def.Stages()
	require.Len(t, stages, 3)
	assert.Len(t, stages[0], 1)
	assert.Len(t, stages[1], 2)
	assert.Equal(t, "synthesize", stages[2][0].Name)
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	tests := []struct {
		name string
		def  WorkflowDefinition
	}{
		{"no name", WorkflowDefinition{Steps: []StepDefinition{{Name: "a"}}}},
		{"no steps", WorkflowDefinition{Name: "wf"}},
		{"duplicate", WorkflowDefinition{Name: "wf", Steps: []StepDefinition{{Name: "a"}, {Name: "a"}}}},
		{"bad policy", WorkflowDefinition{Name: "wf", Steps: []StepDefinition{{Name: "a", OnError: "retry"}}}},
		{"bad retry", WorkflowDefinition{Name: "wf", Steps: []StepDefinition{{Name: "a", Retry: &RetryPolicy{}}}}},
		{"split group", WorkflowDefinition{Name: "wf", Steps: []StepDefinition{
			{Name: "a", Group: "g"}, {Name: "b"}, {Name: "c", Group: "g"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestRunOptions_Admits(t *testing.T) {
	actions := []ProposedAction{{ID: "1", Confidence: 0.95}, {ID: "2", Confidence: 0.91}}

	assert.False(t, RunOptions{AutoApprove: false, ConfidenceThreshold: 0.9}.Admits(actions))
	assert.True(t, RunOptions{AutoApprove: true, ConfidenceThreshold: 0.9}.Admits(actions))
	assert.False(t, RunOptions{AutoApprove: true, ConfidenceThreshold: 0.92}.Admits(actions))
	assert.False(t, RunOptions{AutoApprove: true}.Admits(nil))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("modify")
	require.NoError(t, err)
	assert.Equal(t, DecisionModify, d)
	assert.Equal(t, ApprovalApproved, d.Status())
	assert.Equal(t, ApprovalRejected, DecisionReject.Status())

	_, err = ParseDecision("maybe")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 35*time.Millisecond, p.Delay(3))
	assert.Equal(t, 35*time.Millisecond, p.Delay(4))

	linear := RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Millisecond, Multiplier: 1}
	assert.Equal(t, 5*time.Millisecond, linear.Delay(3))

	assert.Zero(t, RetryPolicy{MaxAttempts: 3}.Delay(2))
}
