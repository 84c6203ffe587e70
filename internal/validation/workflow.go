package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forkline/automation/pkg/schema"
)

// ActionLookup reports whether a named sub-action is registered. Satisfied
// by the action registry; nil skips action existence checks.
type ActionLookup interface {
	Has(name string) bool
}

// WorkflowValidator runs the three-stage validation pipeline over a
// definition: structural (JSON Schema), semantic (config shapes and step
// references), and graph (cycles, reachability). Structural failures
// short-circuit the later stages.
type WorkflowValidator struct {
	structural *DefinitionValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	structural, err := NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{structural: structural, actions: lookup}, nil
}

// Validate runs the full pipeline and returns the aggregated result.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *Result {
	if def == nil {
		r := &Result{}
		r.AddError("/", "workflow definition is nil")
		return r
	}

	result := wv.structural.validateStructural(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns a single error for the definition, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateSemantic checks trigger configuration, per-type step configs, and
// step ID references.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *Result {
	result := &Result{}

	validateTrigger(def, result)

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&def.Steps[i], path, stepIDs, lookup, result)
	}

	return result
}

func validateTrigger(def *schema.WorkflowDefinition, result *Result) {
	switch def.Trigger.Type {
	case schema.TriggerManual:
		// No configuration required.
	case schema.TriggerScheduled:
		var cfg schema.ScheduledTriggerConfig
		if !decodeConfig(def.Trigger.Config, &cfg, "trigger.configuration", result) {
			return
		}
		if cfg.Cron == "" {
			result.AddError("trigger.configuration.cron", "scheduled trigger requires a cron expression")
		}
	case schema.TriggerEvent:
		var cfg schema.EventTriggerConfig
		if !decodeConfig(def.Trigger.Config, &cfg, "trigger.configuration", result) {
			return
		}
		if cfg.Event == "" {
			result.AddError("trigger.configuration.event", "event trigger requires an event name")
		}
	case schema.TriggerWebhook:
		var cfg schema.WebhookTriggerConfig
		if !decodeConfig(def.Trigger.Config, &cfg, "trigger.configuration", result) {
			return
		}
		if cfg.Key == "" {
			result.AddError("trigger.configuration.key", "webhook trigger requires a routing key")
		}
	}
}

func validateStep(step *schema.WorkflowStep, path string, stepIDs map[string]bool, lookup ActionLookup, result *Result) {
	for j, next := range step.NextSteps {
		if !stepIDs[next] {
			result.AddError(fmt.Sprintf("%s.next_steps[%d]", path, j),
				fmt.Sprintf("references non-existent step %q", next))
		}
	}

	if eh := step.ErrorHandling; eh != nil {
		if eh.RetryDelay != "" {
			if _, err := time.ParseDuration(eh.RetryDelay); err != nil {
				result.AddError(path+".error_handling.retry_delay",
					fmt.Sprintf("invalid duration %q", eh.RetryDelay))
			}
		}
		if eh.OnError == schema.OnErrorRetry && eh.RetryCount <= 0 {
			result.AddError(path+".error_handling.retry_count",
				"retry policy requires retry_count > 0")
		}
	}

	switch step.Type {
	case schema.StepAction:
		var cfg schema.ActionStepConfig
		if !decodeConfig(step.Config, &cfg, path+".configuration", result) {
			return
		}
		if cfg.Action == "" {
			result.AddError(path+".configuration.action", "action step requires an action name")
		} else if lookup != nil && !lookup.Has(cfg.Action) {
			result.AddError(path+".configuration.action",
				fmt.Sprintf("action %q not registered", cfg.Action))
		}
	case schema.StepCondition:
		var cfg schema.ConditionStepConfig
		if !decodeConfig(step.Config, &cfg, path+".configuration", result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(path+".configuration.expression", "condition step requires an expression")
		}
		if cfg.Language != "" && cfg.Language != "cel" && cfg.Language != "expr" {
			result.AddError(path+".configuration.language",
				fmt.Sprintf("unknown expression language %q", cfg.Language))
		}
		for j, id := range cfg.TrueSteps {
			if !stepIDs[id] {
				result.AddError(fmt.Sprintf("%s.configuration.true_steps[%d]", path, j),
					fmt.Sprintf("references non-existent step %q", id))
			}
		}
		for j, id := range cfg.FalseSteps {
			if !stepIDs[id] {
				result.AddError(fmt.Sprintf("%s.configuration.false_steps[%d]", path, j),
					fmt.Sprintf("references non-existent step %q", id))
			}
		}
	case schema.StepParallel:
		var cfg schema.ParallelStepConfig
		if !decodeConfig(step.Config, &cfg, path+".configuration", result) {
			return
		}
		if len(cfg.Steps) == 0 {
			result.AddError(path+".configuration.steps", "parallel step requires at least one branch step")
		}
		for j, id := range cfg.Steps {
			if !stepIDs[id] {
				result.AddError(fmt.Sprintf("%s.configuration.steps[%d]", path, j),
					fmt.Sprintf("references non-existent step %q", id))
			}
			if id == step.ID {
				result.AddError(fmt.Sprintf("%s.configuration.steps[%d]", path, j),
					"parallel step cannot fan out to itself")
			}
		}
	case schema.StepHumanTask:
		var cfg schema.HumanTaskStepConfig
		if !decodeConfig(step.Config, &cfg, path+".configuration", result) {
			return
		}
		if cfg.Title == "" {
			result.AddError(path+".configuration.title", "human_task step requires a title")
		}
	case schema.StepDelay:
		var cfg schema.DelayStepConfig
		if !decodeConfig(step.Config, &cfg, path+".configuration", result) {
			return
		}
		if cfg.Duration == "" {
			result.AddError(path+".configuration.duration", "delay step requires a duration")
		} else if d, err := time.ParseDuration(cfg.Duration); err != nil || d <= 0 {
			result.AddError(path+".configuration.duration",
				fmt.Sprintf("invalid duration %q", cfg.Duration))
		}
	}
}

func decodeConfig(raw json.RawMessage, target any, path string, result *Result) bool {
	if len(raw) == 0 {
		result.AddError(path, "missing configuration")
		return false
	}
	if err := json.Unmarshal(raw, target); err != nil {
		result.AddError(path, fmt.Sprintf("invalid configuration: %s", err.Error()))
		return false
	}
	return true
}
