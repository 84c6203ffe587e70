package schema

import (
	"encoding/json"
	"time"
)

// Operator enumerates the fixed comparison vocabulary for rule conditions.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

// KnownOperator reports whether op belongs to the fixed operator set.
func KnownOperator(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan,
		OperatorLessThan, OperatorContains, OperatorIn, OperatorNotIn:
		return true
	}
	return false
}

// LogicalOperator joins a condition with the NEXT condition in a rule's list.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition is a single field comparison against a reference value.
// Field is a dotted path into the context data map (e.g. "company.size").
// LogicalOperator, when set, describes how this condition combines with the
// condition that follows it; the default join is AND.
type Condition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           any             `json:"value"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty"`
}

// RuleActionType enumerates the kinds of rule actions.
type RuleActionType string

const (
	ActionSetField         RuleActionType = "set_field"
	ActionSendNotification RuleActionType = "send_notification"
	ActionCreateTask       RuleActionType = "create_task"
	ActionUpdateStatus     RuleActionType = "update_status"
	ActionTriggerWorkflow  RuleActionType = "trigger_workflow"
)

// RuleAction is a tagged union: Type selects which typed parameter struct
// Params decodes into. Decoding happens at rule load time so malformed
// configuration is rejected before it can reach execution.
type RuleAction struct {
	Type   RuleActionType  `json:"type"`
	Params json.RawMessage `json:"parameters"`
}

// SetFieldParams updates one field on the triggering entity.
type SetFieldParams struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// SendNotificationParams sends a templated notification.
type SendNotificationParams struct {
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
}

// CreateTaskParams creates a follow-up task for a CRM user.
type CreateTaskParams struct {
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Assignee      string     `json:"assignee,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	RelatedEntity string     `json:"related_entity,omitempty"`
}

// UpdateStatusParams moves the triggering entity to a new status.
type UpdateStatusParams struct {
	Status string `json:"status"`
}

// TriggerWorkflowParams starts a workflow by definition ID.
type TriggerWorkflowParams struct {
	WorkflowID string         `json:"workflow_id"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// DecodeParams decodes the action's raw parameters into the typed struct for
// its type. Returns a validation error for unknown types or malformed JSON.
func (a *RuleAction) DecodeParams() (any, error) {
	decode := func(v any) (any, error) {
		if len(a.Params) == 0 {
			return nil, NewErrorf(ErrCodeValidation, "action %s: missing parameters", a.Type)
		}
		if err := json.Unmarshal(a.Params, v); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "action %s: invalid parameters: %s", a.Type, err.Error()).WithCause(err)
		}
		return v, nil
	}

	switch a.Type {
	case ActionSetField:
		return decode(&SetFieldParams{})
	case ActionSendNotification:
		return decode(&SendNotificationParams{})
	case ActionCreateTask:
		return decode(&CreateTaskParams{})
	case ActionUpdateStatus:
		return decode(&UpdateStatusParams{})
	case ActionTriggerWorkflow:
		return decode(&TriggerWorkflowParams{})
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action type %q", a.Type)
	}
}

// RuleMetadata is audit information stamped by the engine.
type RuleMetadata struct {
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Rule is a named, prioritized condition->action binding scoped to one
// entity type. Higher priority runs first; ties break by insertion order.
type Rule struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Entity     string       `json:"entity"`
	Priority   int          `json:"priority"`
	Enabled    bool         `json:"enabled"`
	Conditions []Condition  `json:"conditions"`
	Actions    []RuleAction `json:"actions"`
	Metadata   RuleMetadata `json:"metadata"`
}

// RuleContext is the entity snapshot passed to rule evaluation.
type RuleContext struct {
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Data      map[string]any `json:"data"`
	User      string         `json:"user,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionResult is the per-action outcome within a rule invocation.
type ActionResult struct {
	Action  RuleActionType `json:"action"`
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// RuleExecutionResult is the ephemeral result of one ExecuteRules call.
type RuleExecutionResult struct {
	ExecutedRules []string       `json:"executed_rules"`
	Actions       []ActionResult `json:"actions"`
	Errors        []string       `json:"errors"`
}

// RuleExecution is one entry in the engine's bounded execution history.
// Entries are recorded on rule match and on evaluation failure only.
type RuleExecution struct {
	RuleID    string    `json:"rule_id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Matched   bool      `json:"matched"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
