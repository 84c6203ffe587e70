package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkline/automation/pkg/schema"
)

type fakeSource struct {
	mu   sync.Mutex
	defs []*schema.WorkflowDefinition
}

func (f *fakeSource) ListDefinitions() []*schema.WorkflowDefinition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defs
}

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	block   chan struct{} // non-nil: executions block until closed
}

func (f *fakeRunner) ExecuteWorkflow(ctx context.Context, workflowID string, _ map[string]any) (string, error) {
	f.mu.Lock()
	f.started = append(f.started, workflowID)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return "exec-" + workflowID, nil
}

func (f *fakeRunner) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func scheduledDef(id, cronExpr string, enabled bool) *schema.WorkflowDefinition {
	cfg, _ := json.Marshal(schema.ScheduledTriggerConfig{Cron: cronExpr})
	return &schema.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Enabled: enabled,
		Trigger: schema.Trigger{Type: schema.TriggerScheduled, Config: cfg},
		Steps:   []schema.WorkflowStep{{ID: "s1", Type: schema.StepAction}},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testDiscard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestTickSchedulesForwardOnFirstSighting(t *testing.T) {
	source := &fakeSource{defs: []*schema.WorkflowDefinition{scheduledDef("wf-1", "* * * * *", true)}}
	runner := &fakeRunner{}
	s := NewScheduler(source, runner, quietLogger(), time.Minute)

	// First tick only records the next due time; nothing fires yet.
	s.Tick(context.Background())
	assert.Equal(t, 0, runner.startedCount())
}

func TestTickFiresDueDefinition(t *testing.T) {
	source := &fakeSource{defs: []*schema.WorkflowDefinition{scheduledDef("wf-1", "* * * * *", true)}}
	runner := &fakeRunner{}
	s := NewScheduler(source, runner, quietLogger(), time.Minute)

	s.Tick(context.Background())

	// Backdate the due time to force a fire on the next tick.
	s.stateMu.Lock()
	s.nextRuns["wf-1"] = time.Now().UTC().Add(-time.Second)
	s.stateMu.Unlock()

	s.Tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 1, runner.startedCount())
}

func TestTickSkipsDisabledAndNonScheduled(t *testing.T) {
	manual := &schema.WorkflowDefinition{
		ID: "wf-manual", Enabled: true,
		Trigger: schema.Trigger{Type: schema.TriggerManual},
	}
	source := &fakeSource{defs: []*schema.WorkflowDefinition{
		scheduledDef("wf-off", "* * * * *", false),
		manual,
	}}
	runner := &fakeRunner{}
	s := NewScheduler(source, runner, quietLogger(), time.Minute)

	s.Tick(context.Background())
	s.stateMu.Lock()
	for id := range s.nextRuns {
		s.nextRuns[id] = time.Now().UTC().Add(-time.Second)
	}
	s.stateMu.Unlock()
	s.Tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 0, runner.startedCount())
}

func TestTickSkipsWhilePreviousRunActive(t *testing.T) {
	source := &fakeSource{defs: []*schema.WorkflowDefinition{scheduledDef("wf-1", "* * * * *", true)}}
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewScheduler(source, runner, quietLogger(), time.Minute)

	fire := func() {
		s.stateMu.Lock()
		s.nextRuns["wf-1"] = time.Now().UTC().Add(-time.Second)
		s.stateMu.Unlock()
		s.Tick(context.Background())
	}

	s.Tick(context.Background())
	fire()

	// Wait until the blocked run is in flight.
	require.Eventually(t, func() bool { return runner.startedCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Second due tick must skip, not queue.
	fire()
	assert.Equal(t, 1, runner.startedCount())

	close(runner.block)
	s.wg.Wait()

	// With the previous run finished the next due tick fires again.
	runner.block = nil
	fire()
	s.wg.Wait()
	assert.Equal(t, 2, runner.startedCount())
}

func TestTickDropsDeletedDefinitions(t *testing.T) {
	source := &fakeSource{defs: []*schema.WorkflowDefinition{scheduledDef("wf-1", "* * * * *", true)}}
	runner := &fakeRunner{}
	s := NewScheduler(source, runner, quietLogger(), time.Minute)

	s.Tick(context.Background())
	s.stateMu.Lock()
	_, tracked := s.nextRuns["wf-1"]
	s.stateMu.Unlock()
	require.True(t, tracked)

	source.mu.Lock()
	source.defs = nil
	source.mu.Unlock()
	s.Tick(context.Background())

	s.stateMu.Lock()
	_, tracked = s.nextRuns["wf-1"]
	s.stateMu.Unlock()
	assert.False(t, tracked)
}

func TestNextRun(t *testing.T) {
	s := NewScheduler(&fakeSource{}, &fakeRunner{}, quietLogger(), time.Minute)

	from := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) // a Monday
	next, err := s.NextRun("0 9 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("not a cron", from)
	assert.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	source := &fakeSource{}
	s := NewScheduler(source, &fakeRunner{}, quietLogger(), 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // idempotent

	// Restart after stop is allowed.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
