package store

import (
	"context"
	"sync"

	"github.com/forkline/automation/pkg/schema"
)

// MemoryStore is an in-process Store for tests and store-less embedding.
// Records are copied on the way in and out so callers never alias internal
// state.
type MemoryStore struct {
	mu sync.RWMutex

	rules     map[string]*schema.Rule
	ruleOrder []string

	definitions map[string]*schema.WorkflowDefinition
	defOrder    []string

	executions map[string]*schema.WorkflowExecution
	execOrder  []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:       make(map[string]*schema.Rule),
		definitions: make(map[string]*schema.WorkflowDefinition),
		executions:  make(map[string]*schema.WorkflowExecution),
	}
}

// --- Rules ---

func (s *MemoryStore) CreateRule(ctx context.Context, rule *schema.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "rule %q already exists", rule.ID)
	}
	s.rules[rule.ID] = copyRule(rule)
	s.ruleOrder = append(s.ruleOrder, rule.ID)
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*schema.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", id)
	}
	return copyRule(rule), nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *schema.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", rule.ID)
	}
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "rule %q not found", id)
	}
	delete(s.rules, id)
	for i, rid := range s.ruleOrder {
		if rid == id {
			s.ruleOrder = append(s.ruleOrder[:i], s.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]*schema.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.Rule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		out = append(out, copyRule(s.rules[id]))
	}
	return out, nil
}

// --- Workflow definitions ---

func (s *MemoryStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; !exists {
		s.defOrder = append(s.defOrder, def.ID)
	}
	s.definitions[def.ID] = copyDefinition(def)
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return copyDefinition(def), nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	delete(s.definitions, id)
	for i, did := range s.defOrder {
		if did == id {
			s.defOrder = append(s.defOrder[:i], s.defOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(s.defOrder))
	for _, id := range s.defOrder {
		out = append(out, copyDefinition(s.definitions[id]))
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.executions[exec.ID]; ok {
		// Log entries are append-only via AppendLogEntry; keep what we have.
		saved := copyExecution(exec)
		saved.Log = existing.Log
		s.executions[exec.ID] = saved
		return nil
	}
	s.executions[exec.ID] = copyExecution(exec)
	s.execOrder = append(s.execOrder, exec.ID)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.WorkflowExecution, 0, len(s.execOrder))
	// Most recent first: reverse insertion order.
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		exec := s.executions[s.execOrder[i]]
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, copyExecution(exec))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendLogEntry(ctx context.Context, executionID string, entry schema.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	exec.Log = append(exec.Log, entry)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// --- copies ---

func copyRule(r *schema.Rule) *schema.Rule {
	out := *r
	out.Conditions = append([]schema.Condition(nil), r.Conditions...)
	out.Actions = append([]schema.RuleAction(nil), r.Actions...)
	return &out
}

func copyDefinition(d *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	out := *d
	out.Steps = make([]schema.WorkflowStep, len(d.Steps))
	for i, step := range d.Steps {
		out.Steps[i] = step
		out.Steps[i].NextSteps = append([]string(nil), step.NextSteps...)
		if step.ErrorHandling != nil {
			eh := *step.ErrorHandling
			out.Steps[i].ErrorHandling = &eh
		}
	}
	out.Variables = append([]schema.VariableDecl(nil), d.Variables...)
	return &out
}

func copyExecution(e *schema.WorkflowExecution) *schema.WorkflowExecution {
	out := *e
	out.Log = append([]schema.LogEntry(nil), e.Log...)
	out.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		out.Variables[k] = v
	}
	if e.Attempts != nil {
		out.Attempts = make(map[string]int, len(e.Attempts))
		for k, v := range e.Attempts {
			out.Attempts[k] = v
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
