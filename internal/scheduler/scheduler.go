package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forkline/automation/pkg/schema"
)

// DefinitionSource yields the current workflow definitions. Satisfied by
// the workflow engine's registry snapshot.
type DefinitionSource interface {
	ListDefinitions() []*schema.WorkflowDefinition
}

// WorkflowRunner starts workflow executions. Satisfied by the workflow
// engine (separate interface avoids an import cycle).
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, variables map[string]any) (string, error)
}

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = 60 * time.Second

// Scheduler fires enabled workflows with scheduled triggers on their cron
// schedule. A definition whose previous scheduled run is still active is
// skipped for that tick rather than queued.
type Scheduler struct {
	source   DefinitionSource
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stateMu  sync.Mutex
	nextRuns map[string]time.Time // definition ID -> next due time
	inflight map[string]struct{}  // definition IDs with an active scheduled run

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. interval <= 0 uses DefaultTickInterval.
func NewScheduler(source DefinitionSource, runner WorkflowRunner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:   source,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		nextRuns: make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every enabled scheduled definition and starts those that
// are due. Exported for deterministic tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	seen := make(map[string]struct{})

	for _, def := range s.source.ListDefinitions() {
		if !def.Enabled || def.Trigger.Type != schema.TriggerScheduled {
			continue
		}
		var cfg schema.ScheduledTriggerConfig
		if err := json.Unmarshal(def.Trigger.Config, &cfg); err != nil || cfg.Cron == "" {
			continue
		}
		schedule, err := s.parser.Parse(cfg.Cron)
		if err != nil {
			s.logger.Error("invalid cron expression",
				"workflow_id", def.ID, "cron", cfg.Cron, "error", err.Error())
			continue
		}
		seen[def.ID] = struct{}{}

		s.stateMu.Lock()
		next, known := s.nextRuns[def.ID]
		if !known {
			// First sighting: schedule forward, never fire retroactively.
			next = schedule.Next(now)
			s.nextRuns[def.ID] = next
		}
		due := !next.After(now)
		if due {
			s.nextRuns[def.ID] = schedule.Next(now)
		}
		s.stateMu.Unlock()

		if !due {
			continue
		}
		if !s.tryAcquire(def.ID) {
			s.logger.Warn("previous scheduled run still active, skipping",
				"workflow_id", def.ID)
			continue
		}
		s.launch(ctx, def.ID)
	}

	// Drop bookkeeping for definitions that were deleted or disabled.
	s.stateMu.Lock()
	for id := range s.nextRuns {
		if _, ok := seen[id]; !ok {
			delete(s.nextRuns, id)
		}
	}
	s.stateMu.Unlock()
}

// launch runs one scheduled execution on its own goroutine; ExecuteWorkflow
// is synchronous and a long run must not stall the tick loop.
func (s *Scheduler) launch(ctx context.Context, workflowID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(workflowID)

		execID, err := s.runner.ExecuteWorkflow(ctx, workflowID, nil)
		if err != nil {
			s.logger.Error("scheduled workflow failed to start",
				"workflow_id", workflowID, "error", err.Error())
			return
		}
		s.logger.Info("scheduled workflow executed",
			"workflow_id", workflowID, "execution_id", execID)
	}()
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop halts the tick loop and waits for in-flight scheduled runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}
