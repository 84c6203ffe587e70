package validation

import (
	"fmt"

	"github.com/forkline/automation/pkg/schema"
)

// ValidateRule checks a business rule for structural soundness before it is
// persisted: non-empty identity, known condition operators, list-shaped
// values for membership operators, and decodable action parameters.
func ValidateRule(rule *schema.Rule) error {
	result := &Result{}
	if rule == nil {
		result.AddError("/", "rule is nil")
		return result.ToError()
	}

	if rule.Name == "" {
		result.AddError("name", "rule requires a name")
	}
	if rule.Entity == "" {
		result.AddError("entity", "rule requires an entity type")
	}

	for i, cond := range rule.Conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		if cond.Field == "" {
			result.AddError(path+".field", "condition requires a field path")
		}
		if !schema.KnownOperator(cond.Operator) {
			result.AddError(path+".operator", fmt.Sprintf("unknown operator %q", cond.Operator))
		}
		switch cond.Operator {
		case schema.OperatorIn, schema.OperatorNotIn:
			if !isList(cond.Value) {
				result.AddError(path+".value",
					fmt.Sprintf("operator %q requires a list value", cond.Operator))
			}
		}
		if cond.LogicalOperator != "" &&
			cond.LogicalOperator != schema.LogicalAnd &&
			cond.LogicalOperator != schema.LogicalOr {
			result.AddError(path+".logical_operator",
				fmt.Sprintf("unknown logical operator %q", cond.LogicalOperator))
		}
	}

	if len(rule.Actions) == 0 {
		result.AddError("actions", "rule requires at least one action")
	}
	for i, action := range rule.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		params, err := action.DecodeParams()
		if err != nil {
			result.AddError(path, err.Error())
			continue
		}
		validateRuleActionParams(params, path, result)
	}

	return result.ToError()
}

func validateRuleActionParams(params any, path string, result *Result) {
	switch p := params.(type) {
	case *schema.SetFieldParams:
		if p.Field == "" {
			result.AddError(path+".params.field", "set_field requires a field path")
		}
	case *schema.SendNotificationParams:
		if p.Recipient == "" {
			result.AddError(path+".params.recipient", "send_notification requires a recipient")
		}
		if p.Template == "" {
			result.AddError(path+".params.template", "send_notification requires a template")
		}
	case *schema.CreateTaskParams:
		if p.Title == "" {
			result.AddError(path+".params.title", "create_task requires a title")
		}
	case *schema.UpdateStatusParams:
		if p.Status == "" {
			result.AddError(path+".params.status", "update_status requires a status")
		}
	case *schema.TriggerWorkflowParams:
		if p.WorkflowID == "" {
			result.AddError(path+".params.workflow_id", "trigger_workflow requires a workflow id")
		}
	}
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []int, []float64:
		return true
	}
	return false
}
