package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forkline/automation/internal/actions"
	"github.com/forkline/automation/internal/expressions"
	"github.com/forkline/automation/internal/logging"
	"github.com/forkline/automation/internal/store"
	"github.com/forkline/automation/internal/validation"
	"github.com/forkline/automation/pkg/schema"
)

// MaxHistoryLimit caps how many executions a history query may return.
const MaxHistoryLimit = 1000

// Config holds engine tuning knobs.
type Config struct {
	BranchConcurrency int // max concurrent parallel branches, 0 = default
}

// Engine runs workflow definitions. Definitions are held in an immutable
// snapshot swapped atomically on every registry change, so execution never
// observes a half-updated registry. Executions run synchronously on the
// caller's goroutine until they reach a terminal status or pause on a
// human task.
type Engine struct {
	store     store.Store
	actions   *actions.Registry
	exprs     *expressions.Registry
	tasks     actions.TaskService
	validator *validation.WorkflowValidator
	runner    *BranchRunner
	logger    *slog.Logger

	defs atomic.Pointer[definitionIndex]

	mu   sync.Mutex
	runs map[string]*executionRun
}

type definitionIndex struct {
	byID    map[string]*schema.WorkflowDefinition
	ordered []*schema.WorkflowDefinition
}

// executionRun tracks one in-flight execution. The cancel channel is
// closed at most once; in-flight steps observe it and finish, pending
// steps check it before starting.
type executionRun struct {
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newExecutionRun() *executionRun {
	return &executionRun{cancelCh: make(chan struct{})}
}

func (r *executionRun) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *executionRun) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// NewEngine creates an Engine and loads the definition registry from the
// store. tasks may be nil when no external task system is wired; human
// task steps still pause, they just create no external record.
func NewEngine(ctx context.Context, s store.Store, registry *actions.Registry, exprs *expressions.Registry, tasks actions.TaskService, cfg Config, logger *slog.Logger) (*Engine, error) {
	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:     s,
		actions:   registry,
		exprs:     exprs,
		tasks:     tasks,
		validator: validator,
		runner:    NewBranchRunner(cfg.BranchConcurrency),
		logger:    logger,
		runs:      make(map[string]*executionRun),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the definition snapshot from the store and swaps it in.
func (e *Engine) Reload(ctx context.Context) error {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list definitions: %s", err.Error()).WithCause(err)
	}
	idx := &definitionIndex{
		byID:    make(map[string]*schema.WorkflowDefinition, len(defs)),
		ordered: defs,
	}
	for _, d := range defs {
		idx.byID[d.ID] = d
	}
	e.defs.Store(idx)
	return nil
}

// Shutdown stops the shared branch runner after in-flight branches finish.
func (e *Engine) Shutdown() {
	e.runner.Shutdown()
}

// RegisterDefinition validates and persists a workflow definition, then
// reloads the registry. A definition with an empty ID gets a generated
// one; re-registering an existing ID replaces it.
func (e *Engine) RegisterDefinition(ctx context.Context, def schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := e.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	if err := e.store.PutDefinition(ctx, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "put definition: %s", err.Error()).WithCause(err)
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow definition registered",
		"workflow_id", def.ID, "name", def.Name, "version", def.Version)
	return &def, nil
}

// GetDefinition returns a definition from the current snapshot.
func (e *Engine) GetDefinition(id string) (*schema.WorkflowDefinition, error) {
	if def, ok := e.defs.Load().byID[id]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %s not found", id)
}

// ListDefinitions returns all definitions in registration order.
func (e *Engine) ListDefinitions() []*schema.WorkflowDefinition {
	return e.defs.Load().ordered
}

// DeleteDefinition removes a definition and reloads the registry.
// Executions already running against the deleted definition finish on
// their own snapshot.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	if _, ok := e.defs.Load().byID[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %s not found", id)
	}
	if err := e.store.DeleteDefinition(ctx, id); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete definition: %s", err.Error()).WithCause(err)
	}
	return e.Reload(ctx)
}

// ExecuteWorkflow starts a new execution of the given definition and runs
// it synchronously. It returns the execution ID once the execution reaches
// a terminal status or pauses on a human task. Step failures are recorded
// on the execution, not returned; the error return covers lookup and
// persistence problems only.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (string, error) {
	def, err := e.GetDefinition(workflowID)
	if err != nil {
		return "", err
	}
	if !def.Enabled {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is disabled", workflowID)
	}

	exec := &schema.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     schema.ExecutionRunning,
		StartedAt:  time.Now().UTC(),
		Variables:  seedVariables(def, variables),
		Attempts:   make(map[string]int),
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "save execution: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)
	e.logger.InfoContext(ctx, "workflow execution started",
		"workflow_id", def.ID, "workflow_name", def.Name)

	rc := e.newRunContext(def, exec)
	runErr := e.runFrom(ctx, rc, []string{def.Steps[0].ID})
	e.finalize(ctx, rc, runErr)
	return exec.ID, nil
}

// ResumeExecution continues a paused execution with the outcome of one of
// its waiting human tasks. stepID names the paused step; it may be empty
// when exactly one step is waiting. result is stored under the step's
// result variable when one is declared, otherwise merged into the variable
// bag. When other paused steps remain after the resumed walk finishes, the
// execution stays paused.
func (e *Engine) ResumeExecution(ctx context.Context, executionID, stepID string, result map[string]any) error {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution in status %s", exec.Status)
	}

	// PausedSteps tracks every waiting human task; CurrentStep alone is
	// unreliable because sibling parallel branches overwrite it.
	paused := exec.PausedSteps
	if len(paused) == 0 && exec.CurrentStep != "" {
		paused = []string{exec.CurrentStep}
	}
	target := stepID
	if target == "" {
		if len(paused) != 1 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution %s has %d paused steps, a step id is required", executionID, len(paused))
		}
		target = paused[0]
	}
	remaining := make([]string, 0, len(paused))
	found := false
	for _, id := range paused {
		if id == target && !found {
			found = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !found {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is not paused on step %s", executionID, target)
	}
	exec.PausedSteps = remaining

	def, err := e.GetDefinition(exec.WorkflowID)
	if err != nil {
		return err
	}
	step := findStep(def, target)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"paused step %s no longer exists in workflow %s", target, exec.WorkflowID)
	}

	var cfg schema.HumanTaskStepConfig
	if len(step.Config) > 0 {
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s: invalid human task configuration: %s", step.ID, err.Error()).WithCause(err)
		}
	}
	if cfg.ResultVar != "" {
		exec.Variables[cfg.ResultVar] = result
	} else {
		for k, v := range result {
			exec.Variables[k] = v
		}
	}

	if err := transition(exec, schema.ExecutionRunning); err != nil {
		return err
	}

	ctx = logging.WithExecutionID(ctx, executionID)
	rc := e.newRunContext(def, exec)
	rc.visited[step.ID] = true

	e.appendLog(ctx, rc, schema.LogEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Action:   schema.LogCompleted,
		Message:  "human task completed",
		Data:     result,
	})
	if err := e.saveExecution(ctx, rc); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow execution resumed",
		"workflow_id", exec.WorkflowID, "step_id", step.ID)

	runErr := e.runFrom(ctx, rc, step.NextSteps)
	e.finalize(ctx, rc, runErr)
	return nil
}

// CancelExecution cancels a running or paused execution. For in-flight
// executions the cancel is cooperative: steps already running finish,
// pending steps are not started, and the executing goroutine records the
// cancelled status. Paused or orphaned executions are finalized directly.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	run, active := e.runs[executionID]
	e.mu.Unlock()
	if active {
		run.cancel()
		return nil
	}

	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := transition(exec, schema.ExecutionCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution: %s", err.Error()).WithCause(err)
	}
	e.logger.InfoContext(ctx, "workflow execution cancelled",
		"execution_id", executionID, "workflow_id", exec.WorkflowID)
	return nil
}

// GetExecution returns an execution with its full log.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return e.loadExecution(ctx, executionID)
}

func (e *Engine) loadExecution(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		if schema.ErrorCodeOf(err) == schema.ErrCodeNotFound {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load execution: %s", err.Error()).WithCause(err)
	}
	return exec, nil
}

// GetExecutionHistory returns recent executions, most recent first,
// optionally filtered by workflow ID. limit is clamped to MaxHistoryLimit.
func (e *Engine) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*schema.WorkflowExecution, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list executions: %s", err.Error()).WithCause(err)
	}
	return execs, nil
}

// TriggerEvent starts every enabled workflow whose event trigger matches
// the event name. Each started execution runs to completion before the
// next starts; failures to start one workflow do not prevent the others.
func (e *Engine) TriggerEvent(ctx context.Context, event string, variables map[string]any) []string {
	var started []string
	for _, def := range e.defs.Load().ordered {
		if !def.Enabled || def.Trigger.Type != schema.TriggerEvent {
			continue
		}
		var cfg schema.EventTriggerConfig
		if json.Unmarshal(def.Trigger.Config, &cfg) != nil || cfg.Event != event {
			continue
		}
		id, err := e.ExecuteWorkflow(ctx, def.ID, variables)
		if err != nil {
			e.logger.ErrorContext(ctx, "event-triggered workflow failed to start",
				"workflow_id", def.ID, "event", event, "error", err.Error())
			continue
		}
		started = append(started, id)
	}
	return started
}

// TriggerWebhook starts the enabled workflow registered under the webhook
// routing key, passing the webhook payload as initial variables.
func (e *Engine) TriggerWebhook(ctx context.Context, key string, payload map[string]any) (string, error) {
	for _, def := range e.defs.Load().ordered {
		if !def.Enabled || def.Trigger.Type != schema.TriggerWebhook {
			continue
		}
		var cfg schema.WebhookTriggerConfig
		if json.Unmarshal(def.Trigger.Config, &cfg) != nil || cfg.Key != key {
			continue
		}
		return e.ExecuteWorkflow(ctx, def.ID, payload)
	}
	return "", schema.NewErrorf(schema.ErrCodeNotFound, "no workflow registered for webhook key %q", key)
}

// seedVariables builds the initial variable bag from the definition's
// declared defaults, overridden by the caller's initial values.
func seedVariables(def *schema.WorkflowDefinition, initial map[string]any) map[string]any {
	vars := make(map[string]any, len(def.Variables)+len(initial))
	for _, decl := range def.Variables {
		if decl.Default != nil {
			vars[decl.Name] = decl.Default
		}
	}
	for k, v := range initial {
		vars[k] = v
	}
	return vars
}

func findStep(def *schema.WorkflowDefinition, id string) *schema.WorkflowStep {
	for i := range def.Steps {
		if def.Steps[i].ID == id {
			return &def.Steps[i]
		}
	}
	return nil
}
