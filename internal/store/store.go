package store

import (
	"context"

	"github.com/forkline/automation/pkg/schema"
)

// ExecutionFilter narrows execution history queries.
type ExecutionFilter struct {
	WorkflowID string // empty = all workflows
	Limit      int    // 0 = no limit
}

// Store is the persistence contract backing both engines. Rules and
// workflow definitions are read back in insertion order so the engines can
// rebuild their in-memory indexes with stable tie-breaking.
// Implementations must be safe for concurrent use.
type Store interface {
	// Rules
	CreateRule(ctx context.Context, rule *schema.Rule) error
	GetRule(ctx context.Context, id string) (*schema.Rule, error)
	UpdateRule(ctx context.Context, rule *schema.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*schema.Rule, error)

	// Workflow definitions
	PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Workflow executions (log entries are append-only)
	SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)
	AppendLogEntry(ctx context.Context, executionID string, entry schema.LogEntry) error

	// Lifecycle
	Close() error
}
