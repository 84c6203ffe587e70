package engine

import (
	"github.com/forkline/automation/pkg/schema"
)

// validTransitions defines the allowed execution status transitions.
// Terminal states admit nothing.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionPaused},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidTransition reports whether from -> to is an allowed status change.
func ValidTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the execution to a new status after validating the edge.
func transition(exec *schema.WorkflowExecution, to schema.ExecutionStatus) error {
	if !ValidTransition(exec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", exec.Status, to).
			WithDetails(map[string]any{"execution_id": exec.ID})
	}
	exec.Status = to
	return nil
}
