package pool

import (
	"errors"
	"sort"
	"time"

	"github.com/rezkam/workflowpool/analyzer"
	"github.com/rezkam/workflowpool/execution"
	"github.com/rezkam/workflowpool/manager"
	"github.com/rezkam/workflowpool/queue"
)

// kick schedules a pass. If one is already running it latches a rerun so
// the running pass picks up whatever arrived after it started, rather
// than racing a second goroutine against it.
func (p *Pool) kick() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	if p.scheduling {
		p.rerun = true
		p.mu.Unlock()
		return
	}
	p.scheduling = true
	p.mu.Unlock()

	go p.runSchedulingLoop()
}

func (p *Pool) runSchedulingLoop() {
	for {
		p.schedulingPass()

		p.mu.Lock()
		if p.rerun && !p.shutdown {
			p.rerun = false
			p.mu.Unlock()
			continue
		}
		p.scheduling = false
		p.mu.Unlock()
		return
	}
}

// schedulingPass repeats schedulingAttempt until one makes no assignment,
// so a single wave of idle clients can drain several queued jobs before
// yielding.
func (p *Pool) schedulingPass() {
	for {
		if !p.schedulingAttempt() {
			return
		}
	}
}

type candidate struct {
	job        *JobRecord
	payload    queue.Payload
	position   int
	compatible []*manager.ManagedClient
}

// schedulingAttempt looks for at most one job/client pairing to assign and
// returns whether it made one.
func (p *Pool) schedulingAttempt() bool {
	idle := make([]*manager.ManagedClient, 0)
	for _, c := range p.mgr.List() {
		if p.mgr.IsClientStable(c) {
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return false
	}

	payloads := p.queue.Peek(p.cfg.PeekLimit)
	if len(payloads) == 0 {
		return false
	}

	candidates := make([]candidate, 0, len(payloads))
	for i, payload := range payloads {
		job := p.getJob(payload.JobID)
		if job == nil {
			continue
		}
		compatible := make([]*manager.ManagedClient, 0)
		for _, c := range idle {
			if p.mgr.CanClientRunJob(c, job) {
				compatible = append(compatible, c)
			}
		}
		if len(compatible) == 0 {
			continue
		}
		candidates = append(candidates, candidate{job: job, payload: payload, position: i, compatible: compatible})
	}
	if len(candidates) == 0 {
		return false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.job.priorityValue() != b.job.priorityValue() {
			return a.job.priorityValue() > b.job.priorityValue()
		}
		if len(a.compatible) != len(b.compatible) {
			return len(a.compatible) < len(b.compatible)
		}
		return a.position < b.position
	})

	for _, cand := range candidates {
		c := cand.compatible[0]
		reservation, err := p.queue.ReserveByID(cand.job.ID)
		if err != nil || reservation == nil {
			continue
		}
		claim := p.mgr.Claim(c, cand.job)
		if claim == nil {
			if retryErr := p.queue.Retry(reservation.ID, 0); retryErr != nil {
				p.logger.ErrorContext(p.ctx, "pool: failed to return reservation after claim miss", "job_id", cand.job.ID, "error", retryErr)
			}
			continue
		}

		attempt := cand.job.beginAttempt(c.ID)
		p.bus.Emit("job:started", JobStartedEvent{JobID: cand.job.ID, ClientID: c.ID, Attempt: attempt})

		p.wg.Go(func() error {
			p.runAttempt(cand.job, reservation, claim)
			return nil
		})
		return true
	}
	return false
}

// runAttempt drives one execution wrapper to completion on the client
// held by claim, then routes the outcome.
func (p *Pool) runAttempt(job *JobRecord, reservation *queue.Reservation, claim *manager.Claim) {
	jobID := job.ID
	clientID := claim.Client.ID

	spec := execution.Spec{
		Graph:                 job.Graph,
		BypassNodeIDs:         job.BypassNodeIDs,
		OutputNodeIDs:         job.OutputNodeIDs,
		OutputAliases:         job.OutputAliases,
		Attachments:           job.Attachments,
		ExecutionStartTimeout: job.ExecutionStartTimeout,
		NodeExecutionTimeout:  job.NodeExecutionTimeout,
		EnableProfiling:       job.EnableProfiling,
	}

	cb := execution.Callbacks{
		OnPending: func(promptID string) {
			job.setPromptID(promptID)
			p.bus.Emit("job:pending", JobPendingEvent{JobID: jobID, PromptID: promptID})
		},
		OnProgress: func(info execution.ProgressInfo) {
			p.bus.Emit("job:progress", JobProgressEvent{JobID: jobID, Value: info.Value, Max: info.Max, Node: info.Node})
		},
		OnOutput: func(key string, data any) {
			p.bus.Emit("job:output", JobOutputEvent{JobID: jobID, Key: key, Data: data})
		},
	}

	wrapper := execution.New(claim.Client.Session, claim.Client.FrameBus, spec, cb, p.logger)
	job.setActiveWrapper(wrapper)

	result, err := wrapper.Run(p.ctx)

	if err == nil {
		p.onAttemptSuccess(job, reservation, claim, result)
		return
	}
	p.onAttemptFailure(job, reservation, claim, clientID, err)
}

func (p *Pool) onAttemptSuccess(job *JobRecord, reservation *queue.Reservation, claim *manager.Claim, result execution.Result) {
	if err := p.queue.Commit(reservation.ID); err != nil {
		p.logger.ErrorContext(p.ctx, "pool: commit failed for completed job", "job_id", job.ID, "error", err)
	}
	claim.Release(true)
	job.clearFailureMemory()
	job.finishSuccess(result)
	p.bus.Emit("job:completed", JobCompletedEvent{JobID: job.ID, Outputs: result.Outputs})
	p.metricsSnapshot().Completed(p.ctx)
	p.kick()
}

func (p *Pool) onAttemptFailure(job *JobRecord, reservation *queue.Reservation, claim *manager.Claim, clientID string, attemptErr error) {
	var interrupted *execution.ExecutionInterruptedError
	if errors.As(attemptErr, &interrupted) && interrupted.Reason == "cancelled by caller" {
		if err := p.queue.Discard(reservation.ID, attemptErr); err != nil {
			p.logger.ErrorContext(p.ctx, "pool: discard failed for cancelled job", "job_id", job.ID, "error", err)
		}
		claim.Release(false)
		job.finishFailure(StatusCancelled, attemptErr)
		return
	}
	if p.ctx.Err() != nil {
		// Shutdown in progress: release the reservation as failed, emit nothing.
		if err := p.queue.Discard(reservation.ID, attemptErr); err != nil {
			p.logger.ErrorContext(p.ctx, "pool: discard failed during shutdown", "job_id", job.ID, "error", err)
		}
		claim.Release(false)
		job.finishFailure(StatusFailed, attemptErr)
		return
	}

	classification := analyzer.Analyze(attemptErr)
	job.recordFailure(clientID, classification)
	if classification.BlockClient == analyzer.BlockPermanent {
		job.blockClientPermanently(clientID)
	}
	p.mgr.RecordFailure(claim.Client, job, attemptErr)
	claim.Release(false)

	allClientIDs := p.clientIDs()
	willRetry := classification.Retryable &&
		job.currentAttempts() < job.MaxAttempts &&
		job.hasRetryPath(allClientIDs)

	p.bus.Emit("job:failed", JobFailedEvent{JobID: job.ID, Err: attemptErr, WillRetry: willRetry})

	if willRetry {
		job.setStatus(StatusQueued)
		delay := job.RetryDelay
		p.bus.Emit("job:retrying", JobRetryingEvent{JobID: job.ID, DelayMs: delay.Milliseconds()})
		reservation.Payload.Attempts = job.currentAttempts()
		reservation.Payload.ExcludeClientIds = job.ExcludeClientIDs()
		if err := p.queue.Retry(reservation.ID, delay); err != nil {
			p.logger.ErrorContext(p.ctx, "pool: retry failed", "job_id", job.ID, "error", err)
			job.finishFailure(StatusFailed, err)
			return
		}
		p.bus.Emit("job:queued", JobQueuedEvent{JobID: job.ID, WorkflowHash: job.Hash})
		p.metricsSnapshot().Retrying(p.ctx)
		p.scheduleDelayedKick(delay)
		return
	}

	finalErr := attemptErr
	if classification.Type == analyzer.TypeClientIncompatible && !job.hasRetryPath(allClientIDs) {
		reasons := make(map[string]string)
		job.mu.Lock()
		for id, c := range job.failureMemory {
			if c.BlockClient == analyzer.BlockPermanent {
				reasons[id] = c.Reason
			}
		}
		job.mu.Unlock()
		finalErr = &WorkflowNotSupportedError{
			WorkflowHash: job.Hash,
			Reasons:      reasons,
		}
	}
	if err := p.queue.Discard(reservation.ID, finalErr); err != nil {
		p.logger.ErrorContext(p.ctx, "pool: discard failed for terminal job", "job_id", job.ID, "error", err)
	}
	job.finishFailure(StatusFailed, finalErr)
	p.metricsSnapshot().Failed(p.ctx)
}

func (p *Pool) clientIDs() []string {
	clients := p.mgr.List()
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	return ids
}

func (p *Pool) scheduleDelayedKick(delay time.Duration) {
	p.wg.Go(func() error {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-p.ctx.Done():
		case <-t.C:
			p.kick()
		}
		return nil
	})
}
