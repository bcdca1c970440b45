package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/TheGuidingPrincipels/agentflow/internal/controller"
	"github.com/TheGuidingPrincipels/agentflow/internal/engine"
	"github.com/TheGuidingPrincipels/agentflow/internal/logging"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner/anthropic"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner/openai"
	"github.com/TheGuidingPrincipels/agentflow/internal/scheduler"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/internal/streaming"
	"github.com/TheGuidingPrincipels/agentflow/internal/validation"
	"github.com/TheGuidingPrincipels/agentflow/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("agentflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	roster, err := buildRoster(cfg, logger)
	if err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()

	eng, err := engine.New(engine.Config{
		Roster:      roster,
		Events:      store.NewEventLog(st),
		Reviews:     st,
		Hub:         hub,
		Logger:      logger,
		MaxParallel: cfg.MaxParallel,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Shutdown()

	wv, err := validation.NewWorkflowValidator(roster)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Engine:    eng,
		Store:     st,
		Hub:       hub,
		Validator: wv,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, ctrl, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-job recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewAgentflowServer(mcp.AgentflowServerDeps{
		Controller: ctrl,
		Store:      st,
		Hub:        hub,
		Logger:     logger,
	})
	go func() {
		if err := srv.WatchReviews(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("review watcher stopped", "error", err)
		}
	}()

	logger.Info("agentflow server ready",
		"db_path", cfg.DBPath,
		"max_parallel", cfg.MaxParallel,
		"scheduler", cfg.Scheduler,
	)

	return srv.Serve(ctx)
}

// buildRoster registers the provider runners and loads agent definitions.
// A missing agents file is not fatal: agents can only be registered at
// startup, so the server logs a warning and runs with an empty roster.
func buildRoster(cfg Config, logger *slog.Logger) (*runner.Roster, error) {
	roster := runner.NewRoster()
	for _, rn := range []runner.Runner{
		anthropic.New(),
		openai.New(),
		runner.NewMockRunner(),
	} {
		if err := roster.RegisterRunner(rn); err != nil {
			return nil, fmt.Errorf("register runner %s: %w", rn.Name(), err)
		}
	}

	count, err := roster.LoadAgentsFile(cfg.AgentsFile)
	if err != nil {
		logger.Warn("no agents loaded", "path", cfg.AgentsFile, "error", err)
		return roster, nil
	}
	logger.Info("agents loaded", "path", cfg.AgentsFile, "count", count)
	return roster, nil
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

	// Logs go to stderr: stdout carries the MCP stdio transport.
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
