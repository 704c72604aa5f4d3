// Command example wires a single ComfyUI-compatible server into a
// Workflow Pool, configured entirely from the environment, and submits
// one sample workflow to demonstrate the wiring end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/config"
	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/failover"
	"github.com/rezkam/workflowpool/manager"
	"github.com/rezkam/workflowpool/pool"
	"github.com/rezkam/workflowpool/queue"
	"github.com/rezkam/workflowpool/queue/postgres"
	"github.com/rezkam/workflowpool/telemetry"
	"github.com/rezkam/workflowpool/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("example: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("example: %w", err)
	}

	telemetryProvider, err := telemetry.Start(ctx, cfg.TelemetryProviderConfig())
	if err != nil {
		return fmt.Errorf("example: telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			telemetryProvider.Logger.ErrorContext(shutdownCtx, "example: telemetry shutdown failed", "error", err)
		}
	}()
	logger := telemetryProvider.Logger

	bus := events.New(logger)
	strategy := failover.NewCooldownStrategy()
	mgr := manager.New(cfg.ManagerConfig(), bus, strategy, logger)

	if err := mgr.Initialize(ctx, map[string]client.Config{
		cfg.Client.ID: cfg.ClientSessionConfig(),
	}); err != nil {
		return fmt.Errorf("example: initialize clients: %w", err)
	}

	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("example: %w", err)
	}

	p := pool.New(bus, mgr, q, cfg.SchedulerConfig(), logger)
	p.SetMetrics(telemetryProvider.Jobs)
	defer func() {
		if err := p.Shutdown(); err != nil {
			logger.ErrorContext(ctx, "example: pool shutdown failed", "error", err)
		}
	}()

	subscribeLogging(bus, logger)

	jobID, err := p.Enqueue(pool.EnqueueRequest{
		Graph:         sampleGraph(),
		OutputNodeIDs: []string{"9"},
		OutputAliases: map[string]string{"9": "image"},
		Options: pool.Options{
			MaxAttempts: cfg.DefaultMaxAttempts,
			RetryDelay:  cfg.DefaultRetryDelay,
		},
	})
	if err != nil {
		return fmt.Errorf("example: enqueue: %w", err)
	}
	logger.InfoContext(ctx, "example: job submitted", "job_id", jobID)

	<-ctx.Done()
	return nil
}

// buildQueue picks the postgres adapter when WORKFLOWPOOL_POSTGRES_DSN is
// set, and the in-memory adapter otherwise.
func buildQueue(ctx context.Context, cfg config.PoolConfig) (queue.Adapter, error) {
	pgCfg, ok := cfg.PersistentQueueConfig()
	if !ok {
		return queue.NewMemory(0), nil
	}
	adapter, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres queue: %w", err)
	}
	return adapter, nil
}

// subscribeLogging mirrors the job:queued, job:started, job:completed,
// job:failed and job:retrying events onto the structured logger, the way a real caller would drive a UI or metrics sink off the
// same bus.
func subscribeLogging(bus *events.Bus, logger *slog.Logger) {
	ctx := context.Background()
	bus.On("job:queued", func(payload any) {
		e := payload.(pool.JobQueuedEvent)
		logger.InfoContext(ctx, "job:queued", "job_id", e.JobID, "workflow_hash", e.WorkflowHash)
	})
	bus.On("job:started", func(payload any) {
		e := payload.(pool.JobStartedEvent)
		logger.InfoContext(ctx, "job:started", "job_id", e.JobID, "client_id", e.ClientID, "attempt", e.Attempt)
	})
	bus.On("job:completed", func(payload any) {
		e := payload.(pool.JobCompletedEvent)
		logger.InfoContext(ctx, "job:completed", "job_id", e.JobID)
	})
	bus.On("job:failed", func(payload any) {
		e := payload.(pool.JobFailedEvent)
		logger.WarnContext(ctx, "job:failed", "job_id", e.JobID, "error", e.Err, "will_retry", e.WillRetry)
	})
	bus.On("job:retrying", func(payload any) {
		e := payload.(pool.JobRetryingEvent)
		logger.InfoContext(ctx, "job:retrying", "job_id", e.JobID, "delay_ms", e.DelayMs)
	})
}

// sampleGraph is a minimal single-node workflow used to exercise the pool
// end to end; a real caller supplies its own graph built from whatever
// authored the workflow JSON.
func sampleGraph() workflow.Graph {
	return workflow.Graph{
		"9": workflow.Node{
			ClassType: "SaveImage",
			Inputs:    map[string]workflow.Input{},
		},
	}
}
