package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a directed graph of steps describing an automated
// CRM process. Definitions are immutable once loaded into an execution:
// executions snapshot variable defaults and step routing at start.
type WorkflowDefinition struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Enabled   bool            `json:"enabled"`
	Trigger   Trigger         `json:"trigger"`
	Steps     []WorkflowStep  `json:"steps"` // first element is the entry point
	Variables []VariableDecl  `json:"variables,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// TriggerType enumerates how a workflow can be started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerWebhook   TriggerType = "webhook"
)

// Trigger declares how a workflow definition is started.
type Trigger struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"configuration,omitempty"`
}

// ScheduledTriggerConfig is the config block for scheduled triggers.
type ScheduledTriggerConfig struct {
	Cron string `json:"cron"` // standard 5-field cron expression
}

// EventTriggerConfig is the config block for event triggers.
type EventTriggerConfig struct {
	Event string `json:"event"` // e.g. "lead.created", "interaction.logged"
}

// WebhookTriggerConfig is the config block for webhook triggers.
type WebhookTriggerConfig struct {
	Key string `json:"key"` // opaque routing key owned by the HTTP layer
}

// VariableDecl declares a workflow variable with an optional default.
type VariableDecl struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"` // string | number | boolean | object | array
	Default any    `json:"default,omitempty"`
}

// StepType enumerates the kinds of workflow steps.
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepParallel  StepType = "parallel"
	StepHumanTask StepType = "human_task"
	StepDelay     StepType = "delay"
)

// WorkflowStep is one node in the workflow graph. NextSteps lists successor
// step IDs; for condition steps the successors are decided at run time from
// TrueSteps/FalseSteps, applied to the execution's view of the graph only.
type WorkflowStep struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          StepType        `json:"type"`
	Config        json.RawMessage `json:"configuration,omitempty"`
	NextSteps     []string        `json:"next_steps,omitempty"`
	ErrorHandling *ErrorHandling  `json:"error_handling,omitempty"`
}

// ActionStepConfig names a registered sub-action and its parameters.
// Params may contain ${{variables.*}} references resolved before dispatch.
type ActionStepConfig struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConditionStepConfig routes to TrueSteps or FalseSteps based on a sandboxed
// boolean expression over the variable bag.
type ConditionStepConfig struct {
	Expression string   `json:"expression"`
	Language   string   `json:"language,omitempty"` // cel (default) | expr
	TrueSteps  []string `json:"true_steps,omitempty"`
	FalseSteps []string `json:"false_steps,omitempty"`
}

// ParallelStepConfig lists sibling step IDs executed concurrently with an
// all-or-wait join.
type ParallelStepConfig struct {
	Steps []string `json:"steps"`
}

// HumanTaskStepConfig describes the external task created when the step
// suspends the execution.
type HumanTaskStepConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	ResultVar   string `json:"result_variable,omitempty"` // variable receiving the human input on resume
}

// DelayStepConfig suspends the step for a wall-clock duration.
type DelayStepConfig struct {
	Duration string `json:"duration"` // e.g. "30s", "15m"
}

// OnErrorPolicy selects what happens when a step fails.
type OnErrorPolicy string

const (
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorRetry    OnErrorPolicy = "retry"
)

// ErrorHandling is the per-step failure policy.
type ErrorHandling struct {
	RetryCount int           `json:"retry_count,omitempty"`
	RetryDelay string        `json:"retry_delay,omitempty"` // e.g. "2s"
	OnError    OnErrorPolicy `json:"on_error,omitempty"`    // fail (default) | continue | retry
}

// ExecutionStatus enumerates workflow execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused" // awaiting human-task completion
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// LogAction enumerates the per-step log entry kinds.
type LogAction string

const (
	LogStarted   LogAction = "started"
	LogCompleted LogAction = "completed"
	LogFailed    LogAction = "failed"
	LogSkipped   LogAction = "skipped"
)

// LogEntry is one append-only entry in an execution's log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	StepID    string         `json:"step_id"`
	StepName  string         `json:"step_name"`
	Action    LogAction      `json:"action"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WorkflowExecution is one run of a workflow definition. Attempts carries the
// per-step retry counter so retry accounting never depends on log scanning.
// PausedSteps is the authoritative record of human-task steps awaiting input;
// CurrentStep is last-writer-wins across parallel branches and only suits
// display.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	PausedSteps []string        `json:"paused_steps,omitempty"`
	Variables   map[string]any  `json:"variables"`
	Log         []LogEntry      `json:"execution_log"`
	Attempts    map[string]int  `json:"attempts,omitempty"`
	Error       string          `json:"error,omitempty"`
}
