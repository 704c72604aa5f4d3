// Package failover implements the C4 Failover Strategy: a policy object
// that decides whether a client should be skipped for a given workflow
// right now, based on recent failure history. It never makes permanent,
// cross-workflow decisions — those are the analyzer's responsibility.
package failover

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Job is the minimal view of a job the strategy needs: its stable
// workflow hash.
type Job interface {
	WorkflowHash() string
}

// Client is the minimal view of a client the strategy needs: its id.
type Client interface {
	ClientID() string
}

// Strategy is the C4 contract.
type Strategy interface {
	ShouldSkipClient(client Client, job Job) bool
	RecordFailure(client Client, job Job, err error)
	RecordSuccess(client Client, job Job)
	IsWorkflowBlocked(client Client, workflowHash string) bool
}

type key struct {
	clientID     string
	workflowHash string
}

type cooldownState struct {
	backoff      *backoff.ExponentialBackOff
	failures     int
	blockedUntil time.Time
}

// CooldownStrategy is the default Strategy: it tracks per-(client,
// workflowHash) consecutive failure counts with exponential cooldowns.
// After BlockAfter consecutive failures the pair is considered temporarily
// blocked until the cooldown elapses; any success resets the counter.
type CooldownStrategy struct {
	mu    sync.Mutex
	state map[key]*cooldownState

	// BlockAfter is the number of consecutive failures before a
	// (client, workflow) pair becomes temporarily blocked. Default 3.
	BlockAfter int

	// InitialInterval, MaxInterval, and Multiplier parameterize the
	// exponential cooldown computed via backoff.ExponentialBackOff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	now func() time.Time
}

// NewCooldownStrategy constructs a CooldownStrategy with sensible
// defaults: block after 3 consecutive failures, starting at a 1s cooldown
// doubling up to a 5 minute ceiling.
func NewCooldownStrategy() *CooldownStrategy {
	return &CooldownStrategy{
		state:           make(map[key]*cooldownState),
		BlockAfter:      3,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		now:             time.Now,
	}
}

func (s *CooldownStrategy) keyFor(client Client, workflowHash string) key {
	return key{clientID: client.ClientID(), workflowHash: workflowHash}
}

func (s *CooldownStrategy) entry(k key) *cooldownState {
	st, ok := s.state[k]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.InitialInterval
		b.MaxInterval = s.MaxInterval
		b.Multiplier = s.Multiplier
		b.RandomizationFactor = 0
		st = &cooldownState{backoff: b}
		s.state[k] = st
	}
	return st
}

// ShouldSkipClient reports whether client is currently in its cooldown
// window for job's workflow.
func (s *CooldownStrategy) ShouldSkipClient(client Client, job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keyFor(client, job.WorkflowHash())
	st, ok := s.state[k]
	if !ok {
		return false
	}
	return s.now().Before(st.blockedUntil)
}

// RecordFailure increments the consecutive failure count for (client,
// workflow) and, once BlockAfter is reached, extends the cooldown window
// by the next exponential backoff interval.
func (s *CooldownStrategy) RecordFailure(client Client, job Job, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keyFor(client, job.WorkflowHash())
	st := s.entry(k)
	st.failures++

	if st.failures >= s.BlockAfter {
		delay, err := st.backoff.NextBackOff()
		if err != nil {
			delay = s.MaxInterval
		}
		st.blockedUntil = s.now().Add(delay)
	}
}

// RecordSuccess resets the consecutive failure count and cooldown for
// (client, workflow).
func (s *CooldownStrategy) RecordSuccess(client Client, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keyFor(client, job.WorkflowHash())
	delete(s.state, k)
}

// IsWorkflowBlocked reports whether client is currently cooling down for
// workflowHash specifically (used by the client manager to emit
// client:blocked_workflow / client:unblocked_workflow transitions).
func (s *CooldownStrategy) IsWorkflowBlocked(client Client, workflowHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{clientID: client.ClientID(), workflowHash: workflowHash}
	st, ok := s.state[k]
	if !ok {
		return false
	}
	return s.now().Before(st.blockedUntil)
}
