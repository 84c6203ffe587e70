package actions

import (
	"context"
	"time"
)

// Action is an executable unit of work invoked by a workflow action step.
type Action interface {
	Name() string
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Input is the data provided to an action at execution time. Params have
// already been interpolated against the execution scope. Variables is a
// read-only snapshot of the execution's variable bag.
type Input struct {
	Params    map[string]any
	Variables map[string]any
}

// Output is the result of an action execution. Variables are merged into
// the execution's variable bag by the engine; Data is recorded on the
// step's log entry.
type Output struct {
	Data      map[string]any
	Variables map[string]any
}

// Task is a follow-up work item created for a CRM user.
type Task struct {
	Title           string
	Description     string
	Assignee        string
	DueDate         *time.Time
	RelatedEntity   string
	RelatedEntityID string
}

// HumanTask is the external record created when a human_task step suspends
// an execution. ExecutionID and StepID let the completing side call
// ResumeExecution.
type HumanTask struct {
	Title       string
	Description string
	Assignee    string
	ExecutionID string
	StepID      string
}

// The interfaces below are the engine's outbound contracts, implemented by
// the hosting CRM backend. Tests use fakes.

// EntityService mutates CRM entity records.
type EntityService interface {
	UpdateField(ctx context.Context, entity, entityID, field string, value any) error
	UpdateStatus(ctx context.Context, entity, entityID, status string) error
	CreateRecord(ctx context.Context, entity string, fields map[string]any) (string, error)
	UpdateRecord(ctx context.Context, entity, entityID string, fields map[string]any) error
}

// Notifier delivers templated notifications.
type Notifier interface {
	Send(ctx context.Context, recipient, template string, data map[string]any) error
}

// TaskService creates follow-up tasks and human tasks.
type TaskService interface {
	CreateTask(ctx context.Context, task Task) (string, error)
	CreateHumanTask(ctx context.Context, task HumanTask) (string, error)
}

// EmailSender sends outbound email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}
