package pool

import (
	"sync"
	"time"

	"github.com/rezkam/workflowpool/analyzer"
	"github.com/rezkam/workflowpool/execution"
	"github.com/rezkam/workflowpool/workflow"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Options customizes how a job is scheduled and retried.
type Options struct {
	// MaxAttempts bounds how many times the job is attempted before it is
	// discarded as a terminal failure. Default 3.
	MaxAttempts int
	// RetryDelay is the delay before each retryable failure re-enters the
	// waiting queue. Default 1s.
	RetryDelay time.Duration
	// Priority orders candidates within a scheduling pass, higher first.
	Priority int

	PreferredClientIDs []string
	ExcludeClientIDs   []string

	IncludeOutputs []string
	Metadata       map[string]any

	// EnableProfiling records a child trace span per executing node under
	// the attempt's span, instead of only the single top-level span every
	// attempt gets regardless of this flag.
	EnableProfiling bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Timeouts parameterizes one job's execution wrapper.
type Timeouts struct {
	ExecutionStartTimeout time.Duration
	NodeExecutionTimeout  time.Duration
}

// Affinity is the default preferred/exclude client set applied to a job
// whose own lists are empty, keyed by workflow hash.
type Affinity struct {
	PreferredClientIDs []string
	ExcludeClientIDs   []string
}

// EnqueueRequest is the caller-supplied description of one job.
type EnqueueRequest struct {
	Graph         workflow.Graph
	BypassNodeIDs []string
	// WorkflowHash, if non-empty, is trusted as the graph's hash instead
	// of recomputing it.
	WorkflowHash string

	OutputNodeIDs []string
	OutputAliases map[string]string
	Attachments   []execution.Attachment

	Options  Options
	Timeouts Timeouts
}

// JobRecord is the pool's durable view of one job across every attempt.
type JobRecord struct {
	ID            string
	Graph         workflow.Graph
	Hash          string // workflow structural hash; see WorkflowHash()
	BypassNodeIDs []string
	OutputNodeIDs []string
	OutputAliases map[string]string
	Attachments   []execution.Attachment

	MaxAttempts int
	RetryDelay  time.Duration

	ExecutionStartTimeout time.Duration
	NodeExecutionTimeout  time.Duration

	IncludeOutputs  []string
	Metadata        map[string]any
	EnableProfiling bool

	EnqueuedAt time.Time

	mu              sync.Mutex
	priority        int
	preferred       map[string]struct{}
	exclude         map[string]struct{}
	failureMemory   map[string]analyzer.Classification // clientId -> last verdict
	status          Status
	attempts        int
	clientID        string
	promptID        string
	lastError       error
	startedAt       time.Time
	completedAt     time.Time
	result          execution.Result
	activeWrapper   *execution.Wrapper
}

func newJobRecord(id string, req EnqueueRequest, workflowHash string) *JobRecord {
	opts := req.Options.withDefaults()

	preferred := toSet(opts.PreferredClientIDs)
	exclude := toSet(opts.ExcludeClientIDs)

	return &JobRecord{
		ID:                    id,
		Graph:                 req.Graph,
		Hash:                  workflowHash,
		BypassNodeIDs:         req.BypassNodeIDs,
		OutputNodeIDs:         req.OutputNodeIDs,
		OutputAliases:         req.OutputAliases,
		Attachments:           req.Attachments,
		MaxAttempts:           opts.MaxAttempts,
		RetryDelay:            opts.RetryDelay,
		ExecutionStartTimeout: req.Timeouts.ExecutionStartTimeout,
		NodeExecutionTimeout:  req.Timeouts.NodeExecutionTimeout,
		IncludeOutputs:        opts.IncludeOutputs,
		Metadata:              opts.Metadata,
		EnableProfiling:       opts.EnableProfiling,
		priority:              opts.Priority,
		preferred:             preferred,
		exclude:               exclude,
		failureMemory:         make(map[string]analyzer.Classification),
		status:                StatusQueued,
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// applyAffinityDefaults fills preferred/exclude from aff when the job's
// own lists, as supplied by the caller, were empty.
func (j *JobRecord) applyAffinityDefaults(aff Affinity) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.preferred) == 0 {
		j.preferred = toSet(aff.PreferredClientIDs)
	}
	if len(j.exclude) == 0 {
		j.exclude = toSet(aff.ExcludeClientIDs)
	}
}

// --- manager.Job / failover.Job ---

// WorkflowHash satisfies failover.Job/manager.Job.
func (j *JobRecord) WorkflowHash() string { return j.Hash }

func (j *JobRecord) ExcludeClientIDs() map[string]struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]struct{}, len(j.exclude))
	for k := range j.exclude {
		out[k] = struct{}{}
	}
	return out
}

func (j *JobRecord) PreferredClientIDs() map[string]struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]struct{}, len(j.preferred))
	for k := range j.preferred {
		out[k] = struct{}{}
	}
	return out
}

func (j *JobRecord) IsPermanentlyExcluded(clientID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.failureMemory[clientID]
	return ok && c.BlockClient == analyzer.BlockPermanent
}

// --- snapshot / mutation helpers used by the scheduler ---

func (j *JobRecord) excludeClientIDsSlice() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.exclude))
	for id := range j.exclude {
		out = append(out, id)
	}
	return out
}

func (j *JobRecord) blockClientPermanently(clientID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exclude[clientID] = struct{}{}
}

func (j *JobRecord) recordFailure(clientID string, c analyzer.Classification) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failureMemory[clientID] = c
}

func (j *JobRecord) clearFailureMemory() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failureMemory = make(map[string]analyzer.Classification)
}

// hasRetryPath reports whether some managed client remains, after this
// failure, that the job could still run on: not excluded, not
// permanently blocked, and within the preferred set if one is set.
func (j *JobRecord) hasRetryPath(clientIDs []string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range clientIDs {
		if _, excluded := j.exclude[id]; excluded {
			continue
		}
		if len(j.preferred) > 0 {
			if _, ok := j.preferred[id]; !ok {
				continue
			}
		}
		if c, ok := j.failureMemory[id]; ok && c.BlockClient == analyzer.BlockPermanent {
			continue
		}
		return true
	}
	return false
}

// Snapshot is a point-in-time, safe-to-share copy of a JobRecord's
// mutable state.
type Snapshot struct {
	ID          string
	Status      Status
	Attempts    int
	ClientID    string
	PromptID    string
	LastError   error
	StartedAt   time.Time
	CompletedAt time.Time
	Result      execution.Result
}

// Snapshot returns the job's current state.
func (j *JobRecord) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:          j.ID,
		Status:      j.status,
		Attempts:    j.attempts,
		ClientID:    j.clientID,
		PromptID:    j.promptID,
		LastError:   j.lastError,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Result:      j.result,
	}
}

func (j *JobRecord) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *JobRecord) beginAttempt(clientID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	j.status = StatusExecuting
	j.clientID = clientID
	j.startedAt = time.Now()
	j.promptID = ""
	return j.attempts
}

func (j *JobRecord) setPromptID(id string) {
	j.mu.Lock()
	j.promptID = id
	j.mu.Unlock()
}

func (j *JobRecord) setActiveWrapper(w *execution.Wrapper) {
	j.mu.Lock()
	j.activeWrapper = w
	j.mu.Unlock()
}

func (j *JobRecord) getActiveWrapper() *execution.Wrapper {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.activeWrapper
}

func (j *JobRecord) finishSuccess(result execution.Result) {
	j.mu.Lock()
	j.status = StatusCompleted
	j.result = result
	j.lastError = nil
	j.completedAt = time.Now()
	j.activeWrapper = nil
	j.mu.Unlock()
}

func (j *JobRecord) finishFailure(status Status, err error) {
	j.mu.Lock()
	j.status = status
	j.lastError = err
	j.completedAt = time.Now()
	j.activeWrapper = nil
	j.mu.Unlock()
}

func (j *JobRecord) currentAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *JobRecord) priorityValue() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}
