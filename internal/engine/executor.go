package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forkline/automation/internal/actions"
	"github.com/forkline/automation/internal/expressions"
	"github.com/forkline/automation/internal/logging"
	"github.com/forkline/automation/pkg/schema"
)

// pauseSignal unwinds the step walk when a human task suspends the
// execution. It is consumed by finalize and never escapes the engine.
type pauseSignal struct {
	stepID string
}

func (p *pauseSignal) Error() string {
	return fmt.Sprintf("execution paused at step %s", p.stepID)
}

// runContext carries the mutable state of one execution walk. The mutex
// guards the execution record against concurrent mutation from parallel
// branches; the definition itself is never written.
type runContext struct {
	def     *schema.WorkflowDefinition
	exec    *schema.WorkflowExecution
	run     *executionRun
	steps   map[string]*schema.WorkflowStep
	mu      sync.Mutex
	visited map[string]bool
}

func (e *Engine) newRunContext(def *schema.WorkflowDefinition, exec *schema.WorkflowExecution) *runContext {
	rc := &runContext{
		def:     def,
		exec:    exec,
		run:     newExecutionRun(),
		steps:   make(map[string]*schema.WorkflowStep, len(def.Steps)),
		visited: make(map[string]bool, len(def.Steps)),
	}
	for i := range def.Steps {
		rc.steps[def.Steps[i].ID] = &def.Steps[i]
	}
	e.mu.Lock()
	e.runs[exec.ID] = rc.run
	e.mu.Unlock()
	return rc
}

// runFrom walks the given step IDs in order, following each step's
// successors depth-first. A step already visited in this walk is skipped,
// which keeps converging branches from running their shared successor
// twice. Cancellation is checked before every step start so in-flight
// work finishes but nothing new begins.
func (e *Engine) runFrom(ctx context.Context, rc *runContext, ids []string) error {
	for _, id := range ids {
		if rc.run.cancelled() {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
		}
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "context cancelled").WithCause(ctx.Err())
		}

		step, ok := rc.steps[id]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeStepFailed, "unknown step %s", id).WithStep(id)
		}

		rc.mu.Lock()
		seen := rc.visited[id]
		rc.visited[id] = true
		rc.mu.Unlock()
		if seen {
			continue
		}

		next, err := e.runStep(ctx, rc, step)
		if err != nil {
			return err
		}
		if err := e.runFrom(ctx, rc, next); err != nil {
			return err
		}
	}
	return nil
}

// runStep executes one step under its error handling policy and returns
// the successor step IDs.
func (e *Engine) runStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) ([]string, error) {
	ctx = logging.WithStepID(ctx, step.ID)

	rc.mu.Lock()
	rc.exec.CurrentStep = step.ID
	rc.mu.Unlock()

	e.appendLog(ctx, rc, schema.LogEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Action:   schema.LogStarted,
	})

	// Retry re-invokes the whole step, so visited marks left by a failed
	// attempt's branch walk must not short-circuit the next attempt.
	var visitedBefore map[string]bool
	if step.ErrorHandling != nil && step.ErrorHandling.OnError == schema.OnErrorRetry {
		rc.mu.Lock()
		visitedBefore = make(map[string]bool, len(rc.visited))
		for id, seen := range rc.visited {
			visitedBefore[id] = seen
		}
		rc.mu.Unlock()
	}

	for {
		data, next, err := e.dispatchStep(ctx, rc, step)
		if err == nil {
			e.appendLog(ctx, rc, schema.LogEntry{
				StepID:   step.ID,
				StepName: step.Name,
				Action:   schema.LogCompleted,
				Data:     data,
			})
			if serr := e.saveExecution(ctx, rc); serr != nil {
				return nil, serr
			}
			return next, nil
		}

		var pause *pauseSignal
		if errors.As(err, &pause) {
			return nil, err
		}
		if schema.ErrorCodeOf(err) == schema.ErrCodeCancelled {
			return nil, err
		}

		policy := schema.OnErrorFail
		if step.ErrorHandling != nil && step.ErrorHandling.OnError != "" {
			policy = step.ErrorHandling.OnError
		}

		switch policy {
		case schema.OnErrorRetry:
			rc.mu.Lock()
			rc.exec.Attempts[step.ID]++
			attempts := rc.exec.Attempts[step.ID]
			rc.mu.Unlock()

			if attempts > step.ErrorHandling.RetryCount {
				retryErr := schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"step failed after %d retries: %s", step.ErrorHandling.RetryCount, err.Error()).
					WithStep(step.ID).WithCause(err)
				e.failStep(ctx, rc, step, retryErr)
				return nil, retryErr
			}

			e.appendLog(ctx, rc, schema.LogEntry{
				StepID:   step.ID,
				StepName: step.Name,
				Action:   schema.LogFailed,
				Message:  fmt.Sprintf("attempt %d failed, retrying: %s", attempts, err.Error()),
			})
			if serr := e.saveExecution(ctx, rc); serr != nil {
				return nil, serr
			}
			if werr := waitRetry(ctx, rc.run.cancelCh, retryDelay(step.ErrorHandling)); werr != nil {
				return nil, werr
			}

			rc.mu.Lock()
			restored := make(map[string]bool, len(visitedBefore))
			for id, seen := range visitedBefore {
				restored[id] = seen
			}
			rc.visited = restored
			rc.mu.Unlock()

		case schema.OnErrorContinue:
			e.appendLog(ctx, rc, schema.LogEntry{
				StepID:   step.ID,
				StepName: step.Name,
				Action:   schema.LogSkipped,
				Message:  err.Error(),
			})
			e.logger.WarnContext(ctx, "step failed, continuing",
				"step_id", step.ID, "error", err.Error())
			if serr := e.saveExecution(ctx, rc); serr != nil {
				return nil, serr
			}
			return step.NextSteps, nil

		default: // fail
			stepErr := schema.NewErrorf(schema.ErrCodeStepFailed, "%s", err.Error()).
				WithStep(step.ID).WithCause(err)
			e.failStep(ctx, rc, step, stepErr)
			return nil, stepErr
		}
	}
}

func (e *Engine) failStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep, err error) {
	e.appendLog(ctx, rc, schema.LogEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Action:   schema.LogFailed,
		Message:  err.Error(),
	})
	e.logger.ErrorContext(ctx, "step failed", "step_id", step.ID, "error", err.Error())
}

// dispatchStep runs a step by type and returns log data plus successors.
func (e *Engine) dispatchStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	switch step.Type {
	case schema.StepAction:
		return e.runActionStep(ctx, rc, step)
	case schema.StepCondition:
		return e.runConditionStep(ctx, rc, step)
	case schema.StepParallel:
		return e.runParallelStep(ctx, rc, step)
	case schema.StepHumanTask:
		return e.runHumanTaskStep(ctx, rc, step)
	case schema.StepDelay:
		return e.runDelayStep(ctx, rc, step)
	default:
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

func (e *Engine) runActionStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	var cfg schema.ActionStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid action configuration: %s", err.Error()).WithCause(err)
	}

	action, err := e.actions.Get(cfg.Action)
	if err != nil {
		return nil, nil, err
	}

	params := map[string]any{}
	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &params); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid action params: %s", err.Error()).WithCause(err)
		}
	}
	resolved, err := expressions.Interpolate(params, rc.scope())
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeEvaluation, "interpolate params: %s", err.Error()).WithCause(err)
	}
	interpolated, _ := resolved.(map[string]any)

	out, err := action.Execute(ctx, actions.Input{
		Params:    interpolated,
		Variables: rc.snapshotVariables(),
	})
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeActionFailed, "action %s: %s", cfg.Action, err.Error()).WithCause(err)
	}

	if out != nil && len(out.Variables) > 0 {
		rc.mu.Lock()
		for k, v := range out.Variables {
			rc.exec.Variables[k] = v
		}
		rc.mu.Unlock()
	}

	var data map[string]any
	if out != nil {
		data = out.Data
	}
	return data, step.NextSteps, nil
}

func (e *Engine) runConditionStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	var cfg schema.ConditionStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid condition configuration: %s", err.Error()).WithCause(err)
	}

	result, err := e.exprs.EvaluateBool(ctx, cfg.Language, cfg.Expression, rc.scope())
	if err != nil {
		return nil, nil, err
	}

	// The outcome's branch list replaces the static successors on this
	// execution's walk only; the shared definition is never touched. An
	// empty branch list ends the walk here.
	next := cfg.FalseSteps
	if result {
		next = cfg.TrueSteps
	}
	return map[string]any{"result": result}, next, nil
}

func (e *Engine) runParallelStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	var cfg schema.ParallelStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid parallel configuration: %s", err.Error()).WithCause(err)
	}

	results := make(chan error, len(cfg.Steps))
	submitted := 0
	for _, branchID := range cfg.Steps {
		if rc.run.cancelled() {
			break
		}
		id := branchID
		err := e.runner.Submit(ctx, func(ctx context.Context) error {
			return e.runFrom(ctx, rc, []string{id})
		}, results)
		if err != nil {
			results <- err
		}
		submitted++
	}

	// Join all started branches before surfacing any failure.
	var branchErr error
	var pauseErr error
	for i := 0; i < submitted; i++ {
		err := <-results
		if err == nil {
			continue
		}
		var pause *pauseSignal
		if errors.As(err, &pause) {
			pauseErr = err
			continue
		}
		if branchErr == nil {
			branchErr = err
		}
	}
	if branchErr != nil {
		return nil, nil, branchErr
	}
	if pauseErr != nil {
		return nil, nil, pauseErr
	}
	if rc.run.cancelled() {
		return nil, nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	return map[string]any{"branches": submitted}, step.NextSteps, nil
}

func (e *Engine) runHumanTaskStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	var cfg schema.HumanTaskStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid human task configuration: %s", err.Error()).WithCause(err)
	}

	if e.tasks != nil {
		taskID, err := e.tasks.CreateHumanTask(ctx, actions.HumanTask{
			Title:       cfg.Title,
			Description: cfg.Description,
			Assignee:    cfg.Assignee,
			ExecutionID: rc.exec.ID,
			StepID:      step.ID,
		})
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeActionFailed, "create human task: %s", err.Error()).WithCause(err)
		}
		e.logger.InfoContext(ctx, "human task created",
			"task_id", taskID, "assignee", cfg.Assignee, "step_id", step.ID)
	}

	// A sibling parallel branch may have paused the execution already; the
	// step still registers itself in PausedSteps so it can be resumed.
	rc.mu.Lock()
	var terr error
	if rc.exec.Status != schema.ExecutionPaused {
		terr = transition(rc.exec, schema.ExecutionPaused)
	}
	if terr == nil {
		rc.exec.CurrentStep = step.ID
		rc.exec.PausedSteps = append(rc.exec.PausedSteps, step.ID)
	}
	rc.mu.Unlock()
	if terr != nil {
		return nil, nil, terr
	}
	if serr := e.saveExecution(ctx, rc); serr != nil {
		return nil, nil, serr
	}
	return nil, nil, &pauseSignal{stepID: step.ID}
}

func (e *Engine) runDelayStep(ctx context.Context, rc *runContext, step *schema.WorkflowStep) (map[string]any, []string, error) {
	var cfg schema.DelayStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay configuration: %s", err.Error()).WithCause(err)
	}
	dur, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay duration %q", cfg.Duration).WithCause(err)
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"duration": cfg.Duration}, step.NextSteps, nil
	case <-rc.run.cancelCh:
		return nil, nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled during delay")
	case <-ctx.Done():
		return nil, nil, schema.NewError(schema.ErrCodeCancelled, "context cancelled during delay").WithCause(ctx.Err())
	}
}

// finalize records the execution's terminal status, persists it, and
// unregisters the run. Pauses are already persisted by the human task
// step and leave the record as-is.
func (e *Engine) finalize(ctx context.Context, rc *runContext, runErr error) {
	defer func() {
		e.mu.Lock()
		delete(e.runs, rc.exec.ID)
		e.mu.Unlock()
	}()

	var pause *pauseSignal
	if errors.As(runErr, &pause) {
		e.logger.InfoContext(ctx, "workflow execution paused",
			"workflow_id", rc.exec.WorkflowID, "step_id", pause.stepID)
		return
	}

	now := time.Now().UTC()
	rc.mu.Lock()
	switch {
	case rc.run.cancelled() || schema.ErrorCodeOf(runErr) == schema.ErrCodeCancelled:
		rc.exec.Status = schema.ExecutionCancelled
	case runErr != nil:
		rc.exec.Status = schema.ExecutionFailed
		rc.exec.Error = runErr.Error()
	case len(rc.exec.PausedSteps) > 0:
		// Another branch is still waiting on human input.
		rc.exec.Status = schema.ExecutionPaused
	default:
		rc.exec.Status = schema.ExecutionCompleted
	}
	if rc.exec.Status.Terminal() {
		rc.exec.CompletedAt = &now
	}
	status := rc.exec.Status
	rc.mu.Unlock()

	if err := e.saveExecution(ctx, rc); err != nil {
		e.logger.ErrorContext(ctx, "persist final execution state",
			"execution_id", rc.exec.ID, "error", err.Error())
	}
	e.logger.InfoContext(ctx, "workflow execution finished",
		"workflow_id", rc.exec.WorkflowID, "status", string(status))
}

// appendLog stamps and records a log entry on the execution and in the
// store's append-only log.
func (e *Engine) appendLog(ctx context.Context, rc *runContext, entry schema.LogEntry) {
	entry.Timestamp = time.Now().UTC()
	rc.mu.Lock()
	rc.exec.Log = append(rc.exec.Log, entry)
	rc.mu.Unlock()
	if err := e.store.AppendLogEntry(ctx, rc.exec.ID, entry); err != nil {
		e.logger.WarnContext(ctx, "append execution log entry",
			"execution_id", rc.exec.ID, "error", err.Error())
	}
}

func (e *Engine) saveExecution(ctx context.Context, rc *runContext) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := e.store.SaveExecution(ctx, rc.exec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

// scope builds the evaluation scope shared by condition expressions and
// parameter interpolation.
func (rc *runContext) scope() map[string]any {
	return map[string]any{
		"variables": rc.snapshotVariables(),
		"execution": map[string]any{
			"id":          rc.exec.ID,
			"workflow_id": rc.exec.WorkflowID,
		},
	}
}

func (rc *runContext) snapshotVariables() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	snap := make(map[string]any, len(rc.exec.Variables))
	for k, v := range rc.exec.Variables {
		snap[k] = v
	}
	return snap
}
