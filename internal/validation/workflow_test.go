package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkline/automation/pkg/schema"
)

type stubLookup map[string]bool

func (s stubLookup) Has(name string) bool { return s[name] }

func newTestValidator(t *testing.T, actions ...string) *WorkflowValidator {
	t.Helper()
	lookup := stubLookup{}
	for _, a := range actions {
		lookup[a] = true
	}
	v, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return v
}

func actionStep(id, action string, next ...string) schema.WorkflowStep {
	cfg, _ := json.Marshal(schema.ActionStepConfig{Action: action})
	return schema.WorkflowStep{ID: id, Name: id, Type: schema.StepAction, Config: cfg, NextSteps: next}
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "wf-1",
		Name:    "welcome sequence",
		Enabled: true,
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps: []schema.WorkflowStep{
			actionStep("start", "send_email", "finish"),
			actionStep("finish", "send_email"),
		},
	}
}

func TestValidateDefinitionAcceptsWellFormed(t *testing.T) {
	v := newTestValidator(t, "send_email")
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionRejectsMissingName(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Name = ""
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestValidateDefinitionRejectsDuplicateStepIDs(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps[1].ID = "start"
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateDefinitionRejectsUnknownSuccessor(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps[0].NextSteps = []string{"nowhere"}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestValidateDefinitionRejectsUnregisteredAction(t *testing.T) {
	v := newTestValidator(t) // empty registry
	err := v.ValidateDefinition(validDefinition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestValidateDefinitionSkipsActionCheckWithoutLookup(t *testing.T) {
	v, err := NewWorkflowValidator(nil)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateTriggerConfigs(t *testing.T) {
	v := newTestValidator(t, "send_email")

	cases := []struct {
		name    string
		trigger schema.Trigger
		wantErr string
	}{
		{
			name:    "scheduled without cron",
			trigger: schema.Trigger{Type: schema.TriggerScheduled, Config: json.RawMessage(`{}`)},
			wantErr: "cron",
		},
		{
			name:    "scheduled with cron",
			trigger: schema.Trigger{Type: schema.TriggerScheduled, Config: json.RawMessage(`{"cron":"0 9 * * 1"}`)},
		},
		{
			name:    "event without name",
			trigger: schema.Trigger{Type: schema.TriggerEvent, Config: json.RawMessage(`{}`)},
			wantErr: "event",
		},
		{
			name:    "webhook with key",
			trigger: schema.Trigger{Type: schema.TriggerWebhook, Config: json.RawMessage(`{"key":"lead-intake"}`)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			def.Trigger = tc.trigger
			err := v.ValidateDefinition(def)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateStepConfigs(t *testing.T) {
	v := newTestValidator(t, "send_email")

	cases := []struct {
		name    string
		step    schema.WorkflowStep
		wantErr string
	}{
		{
			name: "condition without expression",
			step: schema.WorkflowStep{
				ID: "check", Type: schema.StepCondition,
				Config: json.RawMessage(`{"true_steps":["finish"]}`),
			},
			wantErr: "expression",
		},
		{
			name: "condition with unknown language",
			step: schema.WorkflowStep{
				ID: "check", Type: schema.StepCondition,
				Config: json.RawMessage(`{"expression":"true","language":"lua","true_steps":["finish"]}`),
			},
			wantErr: "language",
		},
		{
			name: "parallel without branches",
			step: schema.WorkflowStep{
				ID: "fan", Type: schema.StepParallel,
				Config:    json.RawMessage(`{"steps":[]}`),
				NextSteps: []string{"finish"},
			},
			wantErr: "at least one branch",
		},
		{
			name: "human task without title",
			step: schema.WorkflowStep{
				ID: "approve", Type: schema.StepHumanTask,
				Config:    json.RawMessage(`{"assignee":"sales-lead"}`),
				NextSteps: []string{"finish"},
			},
			wantErr: "title",
		},
		{
			name: "delay with bad duration",
			step: schema.WorkflowStep{
				ID: "wait", Type: schema.StepDelay,
				Config:    json.RawMessage(`{"duration":"soon"}`),
				NextSteps: []string{"finish"},
			},
			wantErr: "duration",
		},
		{
			name: "retry policy without count",
			step: func() schema.WorkflowStep {
				s := actionStep("check", "send_email", "finish")
				s.ErrorHandling = &schema.ErrorHandling{OnError: schema.OnErrorRetry}
				return s
			}(),
			wantErr: "retry_count",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			def.Steps = []schema.WorkflowStep{tc.step, actionStep("finish", "send_email")}
			err := v.ValidateDefinition(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateGraphDetectsCycle(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps = []schema.WorkflowStep{
		actionStep("a", "send_email", "b"),
		actionStep("b", "send_email", "c"),
		actionStep("c", "send_email", "a"),
	}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateGraphDetectsCycleThroughConditionRoute(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps = []schema.WorkflowStep{
		{
			ID: "check", Type: schema.StepCondition,
			Config: json.RawMessage(`{"expression":"variables.retry","true_steps":["act"],"false_steps":["done"]}`),
		},
		actionStep("act", "send_email", "check"),
		actionStep("done", "send_email"),
	}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateGraphDetectsUnreachableStep(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps = append(def.Steps, actionStep("island", "send_email"))
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestValidateGraphAcceptsDiamond(t *testing.T) {
	v := newTestValidator(t, "send_email")
	def := validDefinition()
	def.Steps = []schema.WorkflowStep{
		{
			ID: "fan", Type: schema.StepParallel,
			Config:    json.RawMessage(`{"steps":["left","right"]}`),
			NextSteps: []string{"join"},
		},
		actionStep("left", "send_email"),
		actionStep("right", "send_email"),
		actionStep("join", "send_email"),
	}
	assert.NoError(t, v.ValidateDefinition(def))
}
