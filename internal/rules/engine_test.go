package rules

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkline/automation/internal/store"
	"github.com/forkline/automation/pkg/schema"
)

type fieldUpdate struct {
	entity, entityID, field string
	value                   any
}

type fakeEntityService struct {
	mu          sync.Mutex
	fields      []fieldUpdate
	statuses    []string
	failUpdates bool
}

func (f *fakeEntityService) UpdateField(ctx context.Context, entity, entityID, field string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates {
		return errors.New("backend unavailable")
	}
	f.fields = append(f.fields, fieldUpdate{entity, entityID, field, value})
	return nil
}

func (f *fakeEntityService) UpdateStatus(ctx context.Context, entity, entityID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeEntityService) CreateRecord(ctx context.Context, entity string, fields map[string]any) (string, error) {
	return "rec-1", nil
}

func (f *fakeEntityService) UpdateRecord(ctx context.Context, entity, entityID string, fields map[string]any) error {
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipient)
	return nil
}

type fakeStarter struct {
	mu       sync.Mutex
	started  []string
	lastVars map[string]any
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, workflowID)
	f.lastVars = variables
	return "exec-1", nil
}

type ruleHarness struct {
	engine   *Engine
	store    store.Store
	entities *fakeEntityService
	notifier *fakeNotifier
	starter  *fakeStarter
}

func newRuleHarness(t *testing.T) *ruleHarness {
	t.Helper()
	entities := &fakeEntityService{}
	notifier := &fakeNotifier{}
	starter := &fakeStarter{}
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	eng, err := NewEngine(context.Background(), s, Collaborators{
		Entities:  entities,
		Notifier:  notifier,
		Workflows: starter,
	}, logger)
	require.NoError(t, err)
	return &ruleHarness{engine: eng, store: s, entities: entities, notifier: notifier, starter: starter}
}

// seedStoredRule writes a rule straight to the store, bypassing create-time
// validation the way a legacy record would, then reloads the index.
func seedStoredRule(t *testing.T, h *ruleHarness, rule schema.Rule) *schema.Rule {
	t.Helper()
	require.NoError(t, h.store.CreateRule(context.Background(), &rule))
	require.NoError(t, h.engine.Reload(context.Background()))
	return &rule
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func notifyAction(recipient string) schema.RuleAction {
	params, _ := json.Marshal(schema.SendNotificationParams{Recipient: recipient, Template: "alert"})
	return schema.RuleAction{Type: schema.ActionSendNotification, Params: params}
}

func setFieldAction(field string, value any) schema.RuleAction {
	params, _ := json.Marshal(schema.SetFieldParams{Field: field, Value: value})
	return schema.RuleAction{Type: schema.ActionSetField, Params: params}
}

func leadRule(name string, priority int, conds []schema.Condition, acts ...schema.RuleAction) schema.Rule {
	return schema.Rule{
		Name:       name,
		Entity:     "lead",
		Priority:   priority,
		Enabled:    true,
		Conditions: conds,
		Actions:    acts,
	}
}

func leadContext(data map[string]any) schema.RuleContext {
	return schema.RuleContext{EntityID: "lead-1", Data: data, User: "tester"}
}

func TestCreateRuleAssignsIDAndMetadata(t *testing.T) {
	h := newRuleHarness(t)

	created, err := h.engine.CreateRule(context.Background(),
		leadRule("r", 0, nil, notifyAction("sales")), "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Metadata.Version)
	assert.Equal(t, "alice", created.Metadata.CreatedBy)
	assert.False(t, created.Metadata.CreatedAt.IsZero())

	got, err := h.engine.GetRule(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	h := newRuleHarness(t)
	bad := leadRule("r", 0,
		[]schema.Condition{{Field: "x", Operator: "matches_regex"}},
		notifyAction("sales"))
	_, err := h.engine.CreateRule(context.Background(), bad, "alice")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestUpdateRuleBumpsVersion(t *testing.T) {
	h := newRuleHarness(t)
	created, err := h.engine.CreateRule(context.Background(),
		leadRule("r", 0, nil, notifyAction("sales")), "alice")
	require.NoError(t, err)

	newName := "renamed"
	updated, err := h.engine.UpdateRule(context.Background(), created.ID,
		RuleUpdate{Name: &newName}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 2, updated.Metadata.Version)
	assert.Equal(t, "bob", updated.Metadata.UpdatedBy)
	assert.Equal(t, "alice", updated.Metadata.CreatedBy)
}

func TestUpdateRuleUnknownID(t *testing.T) {
	h := newRuleHarness(t)
	_, err := h.engine.UpdateRule(context.Background(), "missing", RuleUpdate{}, "bob")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCodeOf(err))
}

func TestDeleteRuleRemovesFromIndex(t *testing.T) {
	h := newRuleHarness(t)
	created, err := h.engine.CreateRule(context.Background(),
		leadRule("r", 0, nil, notifyAction("sales")), "alice")
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteRule(context.Background(), created.ID))
	_, err = h.engine.GetRule(created.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCodeOf(err))
	assert.Empty(t, h.engine.ListRules("lead"))
}

func TestExecuteRulesPriorityOrder(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	low, err := h.engine.CreateRule(ctx, leadRule("low", 1, nil, notifyAction("low")), "t")
	require.NoError(t, err)
	high, err := h.engine.CreateRule(ctx, leadRule("high", 10, nil, notifyAction("high")), "t")
	require.NoError(t, err)
	// Same priority as low, created later: insertion order breaks the tie.
	tied, err := h.engine.CreateRule(ctx, leadRule("tied", 1, nil, notifyAction("tied")), "t")
	require.NoError(t, err)

	result := h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{}))
	assert.Equal(t, []string{high.ID, low.ID, tied.ID}, result.ExecutedRules)
	assert.Equal(t, []string{"high", "low", "tied"}, h.notifier.sent)
	assert.Empty(t, result.Errors)
}

func TestExecuteRulesSkipsDisabled(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	created, err := h.engine.CreateRule(ctx, leadRule("off", 5, nil, notifyAction("nobody")), "t")
	require.NoError(t, err)
	enabled := false
	_, err = h.engine.UpdateRule(ctx, created.ID, RuleUpdate{Enabled: &enabled}, "t")
	require.NoError(t, err)

	result := h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{}))
	assert.Empty(t, result.ExecutedRules)
	assert.Empty(t, h.notifier.sent)
}

func TestExecuteRulesConditionGate(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	conds := []schema.Condition{
		{Field: "company.size", Operator: schema.OperatorEquals, Value: "enterprise"},
	}
	_, err := h.engine.CreateRule(ctx,
		leadRule("enterprise alert", 0, conds,
			notifyAction("sales-team"),
			setFieldAction("tier", "priority")),
		"t")
	require.NoError(t, err)

	// Matching entity runs both actions in order.
	result := h.engine.ExecuteRules(ctx, "lead",
		leadContext(map[string]any{"company": map[string]any{"size": "enterprise"}}))
	require.Len(t, result.ExecutedRules, 1)
	require.Len(t, result.Actions, 2)
	assert.True(t, result.Actions[0].Success)
	assert.True(t, result.Actions[1].Success)
	assert.Equal(t, []string{"sales-team"}, h.notifier.sent)
	require.Len(t, h.entities.fields, 1)
	assert.Equal(t, fieldUpdate{"lead", "lead-1", "tier", "priority"}, h.entities.fields[0])

	// Non-matching entity runs nothing.
	result = h.engine.ExecuteRules(ctx, "lead",
		leadContext(map[string]any{"company": map[string]any{"size": "startup"}}))
	assert.Empty(t, result.ExecutedRules)
	assert.Empty(t, result.Actions)
}

func TestExecuteRulesEvaluationErrorIsolated(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	badRule := leadRule("bad", 10,
		[]schema.Condition{{Field: "score", Operator: "between", Value: 5}},
		notifyAction("x"))
	badRule.ID = "rule-bad"
	bad := seedStoredRule(t, h, badRule)
	_, err := h.engine.CreateRule(ctx, leadRule("good", 1, nil, notifyAction("sales")), "t")
	require.NoError(t, err)

	result := h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{"score": 7}))

	// The malformed rule surfaces an error but the good rule still ran.
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], bad.ID)
	assert.Equal(t, []string{"sales"}, h.notifier.sent)
}

func TestExecuteRulesActionFailureIsolated(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()
	h.entities.failUpdates = true

	_, err := h.engine.CreateRule(ctx, leadRule("r", 0, nil,
		setFieldAction("tier", "priority"),
		notifyAction("sales")), "t")
	require.NoError(t, err)

	result := h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{}))
	require.Len(t, result.Actions, 2)
	assert.False(t, result.Actions[0].Success)
	assert.Contains(t, result.Actions[0].Error, "backend unavailable")
	assert.True(t, result.Actions[1].Success)
	assert.Equal(t, []string{"sales"}, h.notifier.sent)
}

func TestExecuteRulesTriggerWorkflow(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	params, _ := json.Marshal(schema.TriggerWorkflowParams{
		WorkflowID: "wf-onboarding",
		Variables:  map[string]any{"plan": "annual"},
	})
	_, err := h.engine.CreateRule(ctx, leadRule("r", 0, nil,
		schema.RuleAction{Type: schema.ActionTriggerWorkflow, Params: params}), "t")
	require.NoError(t, err)

	result := h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{}))
	require.Len(t, result.Actions, 1)
	assert.True(t, result.Actions[0].Success)
	assert.Equal(t, []string{"wf-onboarding"}, h.starter.started)
	assert.Equal(t, "lead", h.starter.lastVars["entity"])
	assert.Equal(t, "lead-1", h.starter.lastVars["entity_id"])
	assert.Equal(t, "annual", h.starter.lastVars["plan"])
}

func TestExecuteRulesHistoryPolicy(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()

	match := []schema.Condition{{Field: "tier", Operator: schema.OperatorEquals, Value: "vip"}}
	miss := []schema.Condition{{Field: "tier", Operator: schema.OperatorEquals, Value: "gold"}}

	matched, err := h.engine.CreateRule(ctx, leadRule("match", 3, match, notifyAction("a")), "t")
	require.NoError(t, err)
	_, err = h.engine.CreateRule(ctx, leadRule("miss", 2, miss, notifyAction("b")), "t")
	require.NoError(t, err)
	badRule := leadRule("bad", 1,
		[]schema.Condition{{Field: "tier", Operator: "wat", Value: "vip"}},
		notifyAction("c"))
	badRule.ID = "rule-wat"
	broken := seedStoredRule(t, h, badRule)

	h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{"tier": "vip"}))

	// Matches and evaluation errors are recorded; non-matches are not.
	history := h.engine.GetExecutionHistory(10)
	require.Len(t, history, 2)
	assert.Equal(t, broken.ID, history[0].RuleID)
	assert.NotEmpty(t, history[0].Error)
	assert.Equal(t, matched.ID, history[1].RuleID)
	assert.True(t, history[1].Matched)
}

func TestExecuteRulesUnknownEntityType(t *testing.T) {
	h := newRuleHarness(t)
	result := h.engine.ExecuteRules(context.Background(), "invoice",
		schema.RuleContext{EntityID: "i-1", Data: map[string]any{}})
	assert.Empty(t, result.ExecutedRules)
	assert.Empty(t, result.Actions)
	assert.Empty(t, result.Errors)
}

func TestExecuteRulesStampsTimestamp(t *testing.T) {
	h := newRuleHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateRule(ctx, leadRule("r", 0, nil, notifyAction("sales")), "t")
	require.NoError(t, err)

	before := time.Now().UTC()
	h.engine.ExecuteRules(ctx, "lead", leadContext(map[string]any{}))
	history := h.engine.GetExecutionHistory(1)
	require.Len(t, history, 1)
	assert.False(t, history[0].Timestamp.Before(before))
}
