package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forkline/automation/internal/actions"
	"github.com/forkline/automation/internal/conditions"
	"github.com/forkline/automation/internal/logging"
	"github.com/forkline/automation/internal/store"
	"github.com/forkline/automation/internal/validation"
	"github.com/forkline/automation/pkg/schema"
)

// WorkflowStarter starts a workflow execution; satisfied by the workflow
// engine. An interface keeps the two engines loosely coupled.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (string, error)
}

// Collaborators are the outbound services rule actions dispatch to.
type Collaborators struct {
	Entities  actions.EntityService
	Notifier  actions.Notifier
	Tasks     actions.TaskService
	Workflows WorkflowStarter
}

// Engine evaluates rules against entity mutations. The rule index is an
// immutable snapshot swapped atomically on reload, so executions never see
// a half-rebuilt index.
type Engine struct {
	store   store.Store
	collab  Collaborators
	logger  *slog.Logger
	history *History

	index atomic.Pointer[ruleIndex]
}

// ruleIndex groups rules by entity type, each group sorted by descending
// priority with insertion order breaking ties.
type ruleIndex struct {
	byEntity map[string][]*schema.Rule
	byID     map[string]*schema.Rule
}

// NewEngine creates a rule engine and loads the index from the store.
func NewEngine(ctx context.Context, s store.Store, collab Collaborators, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   s,
		collab:  collab,
		logger:  logger,
		history: NewHistory(DefaultHistoryCap),
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the in-memory index from the store and swaps it in
// atomically.
func (e *Engine) Reload(ctx context.Context) error {
	all, err := e.store.ListRules(ctx)
	if err != nil {
		return err
	}

	idx := &ruleIndex{
		byEntity: make(map[string][]*schema.Rule),
		byID:     make(map[string]*schema.Rule, len(all)),
	}
	for _, rule := range all {
		idx.byEntity[rule.Entity] = append(idx.byEntity[rule.Entity], rule)
		idx.byID[rule.ID] = rule
	}
	for entity := range idx.byEntity {
		group := idx.byEntity[entity]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Priority > group[j].Priority
		})
	}

	e.index.Store(idx)
	return nil
}

// ExecuteRules evaluates all enabled rules for the entity type against the
// context, in descending priority order, then executes the qualifying
// actions in order. One rule's evaluation failure never blocks the others,
// and one action's failure never aborts the remaining actions.
func (e *Engine) ExecuteRules(ctx context.Context, entityType string, rctx schema.RuleContext) *schema.RuleExecutionResult {
	rctx.Entity = entityType
	if rctx.Timestamp.IsZero() {
		rctx.Timestamp = time.Now().UTC()
	}

	result := &schema.RuleExecutionResult{
		ExecutedRules: []string{},
		Actions:       []schema.ActionResult{},
		Errors:        []string{},
	}

	idx := e.index.Load()
	if idx == nil {
		return result
	}

	type pendingAction struct {
		action schema.RuleAction
		ruleID string
	}
	var pending []pendingAction

	for _, rule := range idx.byEntity[entityType] {
		if !rule.Enabled {
			continue
		}

		ruleCtx := logging.WithRuleID(ctx, rule.ID)
		matched, err := conditions.EvaluateAll(rule.Conditions, rctx.Data)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Rule %s: %s", rule.ID, err.Error()))
			e.history.Append(schema.RuleExecution{
				RuleID:    rule.ID,
				Entity:    entityType,
				EntityID:  rctx.EntityID,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			e.logger.WarnContext(ruleCtx, "rule evaluation failed", slog.String("error", err.Error()))
			continue
		}
		if !matched {
			// Non-matches are not recorded in the history.
			continue
		}

		result.ExecutedRules = append(result.ExecutedRules, rule.ID)
		for _, action := range rule.Actions {
			pending = append(pending, pendingAction{action: action, ruleID: rule.ID})
		}
		e.history.Append(schema.RuleExecution{
			RuleID:    rule.ID,
			Entity:    entityType,
			EntityID:  rctx.EntityID,
			Matched:   true,
			Timestamp: time.Now().UTC(),
		})
	}

	for _, p := range pending {
		actionResult := schema.ActionResult{Action: p.action.Type}
		out, err := e.dispatch(logging.WithRuleID(ctx, p.ruleID), p.action, rctx)
		if err != nil {
			actionResult.Error = err.Error()
			e.logger.WarnContext(ctx, "rule action failed",
				slog.String("rule_id", p.ruleID),
				slog.String("action", string(p.action.Type)),
				slog.String("error", err.Error()))
		} else {
			actionResult.Success = true
			actionResult.Result = out
		}
		result.Actions = append(result.Actions, actionResult)
	}

	return result
}

// dispatch executes one rule action against its collaborator.
func (e *Engine) dispatch(ctx context.Context, action schema.RuleAction, rctx schema.RuleContext) (any, error) {
	decoded, err := action.DecodeParams()
	if err != nil {
		return nil, err
	}

	switch p := decoded.(type) {
	case *schema.SetFieldParams:
		if e.collab.Entities == nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "set_field: no entity service configured")
		}
		if err := e.collab.Entities.UpdateField(ctx, rctx.Entity, rctx.EntityID, p.Field, p.Value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "set_field: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"field": p.Field, "value": p.Value}, nil

	case *schema.SendNotificationParams:
		if e.collab.Notifier == nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "send_notification: no notifier configured")
		}
		if err := e.collab.Notifier.Send(ctx, p.Recipient, p.Template, p.Data); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "send_notification: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"recipient": p.Recipient, "template": p.Template}, nil

	case *schema.CreateTaskParams:
		if e.collab.Tasks == nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "create_task: no task service configured")
		}
		taskID, err := e.collab.Tasks.CreateTask(ctx, actions.Task{
			Title:           p.Title,
			Description:     p.Description,
			Assignee:        p.Assignee,
			DueDate:         p.DueDate,
			RelatedEntity:   rctx.Entity,
			RelatedEntityID: rctx.EntityID,
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "create_task: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"task_id": taskID}, nil

	case *schema.UpdateStatusParams:
		if e.collab.Entities == nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "update_status: no entity service configured")
		}
		if err := e.collab.Entities.UpdateStatus(ctx, rctx.Entity, rctx.EntityID, p.Status); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "update_status: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"status": p.Status}, nil

	case *schema.TriggerWorkflowParams:
		if e.collab.Workflows == nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "trigger_workflow: no workflow engine configured")
		}
		variables := map[string]any{
			"entity":    rctx.Entity,
			"entity_id": rctx.EntityID,
		}
		for k, v := range p.Variables {
			variables[k] = v
		}
		execID, err := e.collab.Workflows.ExecuteWorkflow(ctx, p.WorkflowID, variables)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "trigger_workflow: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"execution_id": execID}, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "unknown action type %q", action.Type)
}

// --- Management operations ---

// RuleUpdate is a partial update; nil fields keep the current value.
type RuleUpdate struct {
	Name       *string
	Entity     *string
	Priority   *int
	Enabled    *bool
	Conditions []schema.Condition
	Actions    []schema.RuleAction
}

// CreateRule registers a new rule. The engine assigns the ID and metadata
// (version 1) and reloads the index so priority ordering stays consistent.
func (e *Engine) CreateRule(ctx context.Context, rule schema.Rule, createdBy string) (*schema.Rule, error) {
	rule.ID = uuid.NewString()
	now := time.Now().UTC()
	rule.Metadata = schema.RuleMetadata{
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedBy: createdBy,
		UpdatedAt: now,
		Version:   1,
	}

	if err := validation.ValidateRule(&rule); err != nil {
		return nil, err
	}
	if err := e.store.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "rule created",
		slog.String("rule_id", rule.ID), slog.String("entity", rule.Entity))
	return &rule, nil
}

// UpdateRule applies a partial update to an existing rule, bumping the
// metadata version. Unknown IDs fail with NOT_FOUND.
func (e *Engine) UpdateRule(ctx context.Context, id string, update RuleUpdate, updatedBy string) (*schema.Rule, error) {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		rule.Name = *update.Name
	}
	if update.Entity != nil {
		rule.Entity = *update.Entity
	}
	if update.Priority != nil {
		rule.Priority = *update.Priority
	}
	if update.Enabled != nil {
		rule.Enabled = *update.Enabled
	}
	if update.Conditions != nil {
		rule.Conditions = update.Conditions
	}
	if update.Actions != nil {
		rule.Actions = update.Actions
	}
	rule.Metadata.Version++
	rule.Metadata.UpdatedAt = time.Now().UTC()
	rule.Metadata.UpdatedBy = updatedBy

	if err := validation.ValidateRule(rule); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "rule updated",
		slog.String("rule_id", rule.ID), slog.Int("version", rule.Metadata.Version))
	return rule, nil
}

// DeleteRule removes a rule and reloads the index.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	if err := e.Reload(ctx); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "rule deleted", slog.String("rule_id", id))
	return nil
}

// GetRule returns a rule from the current snapshot.
func (e *Engine) GetRule(id string) (*schema.Rule, error) {
	idx := e.index.Load()
	if idx != nil {
		if rule, ok := idx.byID[id]; ok {
			return rule, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", id)
}

// ListRules returns the snapshot's rules for an entity type in execution
// order (descending priority, stable ties).
func (e *Engine) ListRules(entity string) []*schema.Rule {
	idx := e.index.Load()
	if idx == nil {
		return nil
	}
	return append([]*schema.Rule(nil), idx.byEntity[entity]...)
}

// GetExecutionHistory returns up to limit history entries, most recent first.
func (e *Engine) GetExecutionHistory(limit int) []schema.RuleExecution {
	return e.history.Recent(limit)
}
