package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/forkline/automation/internal/actions"
	"github.com/forkline/automation/internal/engine"
	"github.com/forkline/automation/internal/expressions"
	"github.com/forkline/automation/internal/logging"
	"github.com/forkline/automation/internal/rules"
	"github.com/forkline/automation/internal/scheduler"
	"github.com/forkline/automation/internal/store"
)

// app bundles the wired subsystems for shutdown ordering.
type app struct {
	store     store.Store
	rules     *rules.Engine
	workflows *engine.Engine
	sched     *scheduler.Scheduler
	logger    *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "automationd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	if err := os.MkdirAll(automationDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	exprs, err := expressions.NewRegistry()
	if err != nil {
		return fmt.Errorf("expression engines: %w", err)
	}

	// Collaborator services (CRM backend, mail) are wired by the embedding
	// deployment; the daemon runs with the built-in actions only.
	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, exprs, nil, nil, actions.HTTPConfig{}); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	workflows, err := engine.NewEngine(ctx, st, registry, exprs, nil,
		engine.Config{BranchConcurrency: cfg.BranchConcurrency}, logger)
	if err != nil {
		return fmt.Errorf("workflow engine: %w", err)
	}

	ruleEngine, err := rules.NewEngine(ctx, st, rules.Collaborators{Workflows: workflows}, logger)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}

	sched := scheduler.NewScheduler(workflows, workflows, logger, cfg.schedulerInterval())
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a := &app{store: st, rules: ruleEngine, workflows: workflows, sched: sched, logger: logger}
	storedRules, _ := st.ListRules(ctx)
	logger.Info("automationd ready",
		"db_path", cfg.DBPath,
		"rules", len(storedRules),
		"workflows", len(workflows.ListDefinitions()),
		"actions", registry.Names())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return a.shutdown()
}

func (a *app) shutdown() error {
	if err := a.sched.Stop(); err != nil {
		a.logger.Error("stop scheduler", "error", err.Error())
	}
	a.workflows.Shutdown()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
