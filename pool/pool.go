// Package pool implements the C8 Workflow Pool Scheduler: the top-level
// engine that accepts jobs, matches them against the client manager's
// idle, compatible clients, drives one execution wrapper per attempt, and
// resolves outcomes against the queue adapter and failure analyzer.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/manager"
	"github.com/rezkam/workflowpool/queue"
	"github.com/rezkam/workflowpool/telemetry"
)

// Config parameterizes a Pool.
type Config struct {
	// PeekLimit bounds how many waiting payloads one scheduling attempt
	// inspects. Default 100.
	PeekLimit int
}

func (c Config) withDefaults() Config {
	if c.PeekLimit <= 0 {
		c.PeekLimit = 100
	}
	return c
}

// Pool is the scheduler. Construct with New, then Enqueue jobs; Shutdown
// stops it.
type Pool struct {
	cfg     Config
	bus     *events.Bus
	mgr     *manager.Manager
	queue   queue.Adapter
	logger  *slog.Logger
	metrics *telemetry.JobMetrics // nil unless SetMetrics is called

	ctx    context.Context
	cancel context.CancelFunc
	wg     errgroup.Group

	mu         sync.Mutex
	jobs       map[string]*JobRecord
	affinity   map[string]Affinity
	scheduling bool
	rerun      bool
	shutdown   bool
}

// New constructs a Pool bound to mgr and backed by q. bus should be the
// same event bus passed to manager.New, so client and job lifecycle
// events share one stream.
func New(bus *events.Bus, mgr *manager.Manager, q queue.Adapter, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		mgr:      mgr,
		queue:    q,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*JobRecord),
		affinity: make(map[string]Affinity),
	}
}

// SetAffinityDefault registers the preferred/exclude client lists applied
// to a job targeting workflowHash whose own lists, as enqueued, are
// empty.
func (p *Pool) SetAffinityDefault(workflowHash string, aff Affinity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.affinity[workflowHash] = aff
}

// SetMetrics wires job.completed/job.failed/job.retrying counters from a
// telemetry.Provider into the scheduler's outcome handling. Optional; a
// Pool with no metrics wired just skips recording them.
func (p *Pool) SetMetrics(jobs *telemetry.JobMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = jobs
}

// JobQueuedEvent is the payload for job:queued.
type JobQueuedEvent struct {
	JobID        string
	WorkflowHash string
}

// JobStartedEvent is the payload for job:started.
type JobStartedEvent struct {
	JobID    string
	ClientID string
	Attempt  int
}

// JobPendingEvent is the payload for job:pending.
type JobPendingEvent struct {
	JobID    string
	PromptID string
}

// JobProgressEvent is the payload for job:progress.
type JobProgressEvent struct {
	JobID string
	Value int
	Max   int
	Node  string
}

// JobOutputEvent is the payload for job:output.
type JobOutputEvent struct {
	JobID string
	Key   string
	Data  any
}

// JobCompletedEvent is the payload for job:completed.
type JobCompletedEvent struct {
	JobID   string
	Outputs map[string]any
}

// JobFailedEvent is the payload for job:failed.
type JobFailedEvent struct {
	JobID     string
	Err       error
	WillRetry bool
}

// JobRetryingEvent is the payload for job:retrying.
type JobRetryingEvent struct {
	JobID   string
	DelayMs int64
}

// JobCancelledEvent is the payload for job:cancelled.
type JobCancelledEvent struct {
	JobID string
}

// Enqueue accepts a new job, stores it, admits it to the queue adapter,
// and triggers a scheduling pass. It returns the assigned job id.
func (p *Pool) Enqueue(req EnqueueRequest) (string, error) {
	graph := req.Graph.Clone()
	req.Graph = graph

	workflowHash := req.WorkflowHash
	if workflowHash == "" {
		workflowHash = graph.Hash()
	}

	jobID := uuid.NewString()
	job := newJobRecord(jobID, req, workflowHash)

	p.mu.Lock()
	aff, hasAffinity := p.affinity[workflowHash]
	p.mu.Unlock()
	if hasAffinity {
		job.applyAffinityDefaults(aff)
	}

	if err := p.queue.Enqueue(queue.Payload{
		JobID:            jobID,
		Priority:         job.priorityValue(),
		Attempts:         0,
		ExcludeClientIds: job.ExcludeClientIDs(),
	}); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.jobs[jobID] = job
	p.mu.Unlock()

	p.bus.Emit("job:queued", JobQueuedEvent{JobID: jobID, WorkflowHash: workflowHash})
	p.kick()
	return jobID, nil
}

// GetJob returns a snapshot of job's current state.
func (p *Pool) GetJob(jobID string) (Snapshot, bool) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

func (p *Pool) getJob(jobID string) *JobRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs[jobID]
}

// metricsSnapshot returns the currently wired job metrics, or nil; every
// *telemetry.JobMetrics method tolerates a nil receiver, so callers never
// need a second check.
func (p *Pool) metricsSnapshot() *telemetry.JobMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Cancel cancels jobID. A still-waiting job is removed from the queue
// directly; an active attempt's wrapper is cancelled and the server asked
// to interrupt the running prompt. It reports whether jobID was found and
// cancellable.
func (p *Pool) Cancel(jobID string) (bool, error) {
	job := p.getJob(jobID)
	if job == nil {
		return false, ErrJobNotFound{JobID: jobID}
	}

	if p.queue.Remove(jobID) {
		job.finishFailure(StatusCancelled, errors.New("pool: cancelled while waiting"))
		p.bus.Emit("job:cancelled", JobCancelledEvent{JobID: jobID})
		return true, nil
	}

	wrapper := job.getActiveWrapper()
	if wrapper == nil {
		return false, nil
	}
	wrapper.Cancel("cancelled by caller")
	if promptID := wrapper.PromptID(); promptID != "" {
		clientID := job.Snapshot().ClientID
		if c, ok := p.mgr.GetClient(clientID); ok {
			ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
			if err := c.Session.PostInterrupt(ctx, promptID); err != nil {
				p.logger.WarnContext(ctx, "pool: interrupt request failed", "job_id", jobID, "error", err)
			}
			cancel()
		}
	}
	p.bus.Emit("job:cancelled", JobCancelledEvent{JobID: jobID})
	return true, nil
}

// Shutdown stops scheduling, releases every in-flight reservation as
// failed, closes the queue adapter, and destroys every client session.
// It does not emit further job events.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()

	p.cancel()

	var errs []error
	if err := p.wg.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := p.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.mgr.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
