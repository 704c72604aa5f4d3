// Package manager implements the client manager: it owns the set of
// client sessions for a pool, tracks their online/busy state, and answers
// compatibility and reservation questions on the scheduler's behalf.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/failover"
)

// Job is the view of a job the manager needs to decide whether a client
// may run it.
type Job interface {
	failover.Job
	ExcludeClientIDs() map[string]struct{}
	PreferredClientIDs() map[string]struct{}
	IsPermanentlyExcluded(clientID string) bool
}

// sessionHandle is the full surface of *client.Session the manager and,
// through ManagedClient.Session, the execution wrapper depend on.
// Declaring it lets tests substitute a fake session instead of driving a
// real WebSocket dial to exercise manager-level bookkeeping.
type sessionHandle interface {
	ClientID() string
	State() client.ConnectionState
	Connect(ctx context.Context) error
	Close() error

	PostPrompt(ctx context.Context, prompt map[string]any) (string, error)
	GetHistory(ctx context.Context, promptID string) (client.HistoryEntry, bool, error)
	PostInterrupt(ctx context.Context, promptID string) error
	GetQueue(ctx context.Context) (client.QueueSnapshot, error)
	PostUploadImage(ctx context.Context, filename string, content []byte) (string, error)
	InputOutputTypes(classType string) (map[string]string, []string, error)
}

// ManagedClient is one session plus the busy/failure bookkeeping the
// manager layers on top of it. FrameBus is the session's own private event
// bus: protocol frames (executing, progress, executed, b_preview, ...) are
// emitted there rather than on the manager's pool-wide bus, so an
// execution wrapper bound to this client never observes another client's
// frames. The manager's own bus only ever carries lifecycle events
// (pool:ready, client:state, client:blocked_workflow, job:*).
type ManagedClient struct {
	ID       string
	Session  sessionHandle
	FrameBus *events.Bus

	mu        sync.Mutex
	busy      bool
	lastError error
}

// ClientID satisfies failover.Client.
func (m *ManagedClient) ClientID() string { return m.ID }

// IsOnline reports whether the underlying session currently reports a
// connected state.
func (m *ManagedClient) IsOnline() bool {
	return m.Session.State() == client.StateConnected
}

// IsBusy reports whether the client currently holds a claimed job.
func (m *ManagedClient) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// LastError returns the most recently recorded failure, if any.
func (m *ManagedClient) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *ManagedClient) tryClaim() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return false
	}
	m.busy = true
	return true
}

func (m *ManagedClient) markIdle() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// Claim is a reservation held by the scheduler against one client. Release
// must be called exactly once, with success indicating whether the job the
// client ran completed without error.
type Claim struct {
	Client *ManagedClient

	released bool
	releaseM sync.Mutex
	onRelease func(success bool)
}

// Release marks the client idle again and runs manager bookkeeping. Calling
// it more than once is a no-op.
func (c *Claim) Release(success bool) {
	c.releaseM.Lock()
	defer c.releaseM.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.onRelease(success)
}

// Config parameterizes a Manager.
type Config struct {
	// HealthCheckInterval is how often online clients are pinged with a
	// lightweight GetQueue call to keep the socket warm. Default 30s.
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// Manager owns a fixed set of client sessions for the lifetime of a pool.
type Manager struct {
	cfg      Config
	bus      *events.Bus
	strategy failover.Strategy
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*ManagedClient

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New constructs a Manager. Sessions are added with Initialize.
func New(cfg Config, bus *events.Bus, strategy failover.Strategy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		strategy: strategy,
		logger:   logger,
		clients:  make(map[string]*ManagedClient),
		stop:     make(chan struct{}),
	}
	return mgr
}

// Register adds a pre-built managed client directly, bypassing the dial
// Initialize performs. Used by tests that substitute a fake session and
// by callers wiring an already-connected session into the pool.
func (m *Manager) Register(c *ManagedClient) {
	m.subscribeSessionState(c.ID, c.FrameBus)
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
}

// subscribeSessionState relays one client's connected/disconnected/
// reconnected events, observed on its own frame bus, onto a single
// client:state event on the manager's pool-wide bus.
func (m *Manager) subscribeSessionState(id string, frameBus *events.Bus) {
	relay := func(state client.ConnectionState) events.Handler {
		return func(payload any) {
			m.bus.Emit("client:state", ClientStateEvent{ClientID: id, State: state})
		}
	}
	frameBus.On("connected", relay(client.StateConnected))
	frameBus.On("reconnected", relay(client.StateConnected))
	frameBus.On("disconnected", relay(client.StateDisconnected))
}

// Initialize builds and connects one session per entry in configs, then,
// once the whole set has completed its first connection attempt, emits
// pool:ready and starts the health-check loop.
func (m *Manager) Initialize(ctx context.Context, configs map[string]client.Config) error {
	m.mu.Lock()
	for id, cfg := range configs {
		frameBus := events.New(m.logger)
		sess := client.NewSession(id, cfg, frameBus, m.logger)
		m.subscribeSessionState(id, frameBus)
		m.clients[id] = &ManagedClient{ID: id, Session: sess, FrameBus: frameBus}
	}
	m.mu.Unlock()

	var firstErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range m.List() {
		wg.Add(1)
		go func(c *ManagedClient) {
			defer wg.Done()
			if err := c.Session.Connect(ctx); err != nil {
				m.logger.WarnContext(ctx, "manager: client failed to connect", "client_id", c.ID, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	m.bus.Emit("pool:ready", PoolReadyEvent{ClientCount: len(configs)})
	m.wg.Add(1)
	go m.healthCheckLoop(ctx)

	return firstErr
}

// PoolReadyEvent is the payload for pool:ready.
type PoolReadyEvent struct {
	ClientCount int
}

// ClientStateEvent is the payload for client:state.
type ClientStateEvent struct {
	ClientID string
	State    client.ConnectionState
}

// BlockedWorkflowEvent is the payload for client:blocked_workflow and
// client:unblocked_workflow.
type BlockedWorkflowEvent struct {
	ClientID     string
	WorkflowHash string
}

// List returns every managed client.
func (m *Manager) List() []*ManagedClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedClient, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// GetClient looks up a managed client by id.
func (m *Manager) GetClient(id string) (*ManagedClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// IsClientStable reports whether c is online and not currently busy.
func (m *Manager) IsClientStable(c *ManagedClient) bool {
	return c.IsOnline() && !c.IsBusy()
}

// CanClientRunJob checks every compatibility condition short of actually
// claiming the client.
func (m *Manager) CanClientRunJob(c *ManagedClient, job Job) bool {
	if !c.IsOnline() || c.IsBusy() {
		return false
	}
	if _, excluded := job.ExcludeClientIDs()[c.ID]; excluded {
		return false
	}
	if preferred := job.PreferredClientIDs(); len(preferred) > 0 {
		if _, ok := preferred[c.ID]; !ok {
			return false
		}
	}
	if m.strategy.ShouldSkipClient(c, job) {
		return false
	}
	if job.IsPermanentlyExcluded(c.ID) {
		return false
	}
	return true
}

// Claim atomically marks c busy iff CanClientRunJob still holds, returning
// nil if another caller claimed it first or a condition changed.
func (m *Manager) Claim(c *ManagedClient, job Job) *Claim {
	if !m.CanClientRunJob(c, job) {
		return nil
	}
	if !c.tryClaim() {
		return nil
	}

	claimed := &Claim{Client: c}
	claimed.onRelease = func(success bool) {
		c.markIdle()
		if success {
			m.strategy.RecordSuccess(c, job)
		}
	}
	return claimed
}

// RecordFailure marks c not-busy, records the error, and delegates to the
// failover strategy, emitting block/unblock transitions as the strategy's
// verdict changes.
func (m *Manager) RecordFailure(c *ManagedClient, job Job, err error) {
	wasBlocked := m.strategy.IsWorkflowBlocked(c, job.WorkflowHash())

	c.mu.Lock()
	c.busy = false
	c.lastError = err
	c.mu.Unlock()

	m.strategy.RecordFailure(c, job, err)

	nowBlocked := m.strategy.IsWorkflowBlocked(c, job.WorkflowHash())
	if !wasBlocked && nowBlocked {
		m.bus.Emit("client:blocked_workflow", BlockedWorkflowEvent{ClientID: c.ID, WorkflowHash: job.WorkflowHash()})
	} else if wasBlocked && !nowBlocked {
		m.bus.Emit("client:unblocked_workflow", BlockedWorkflowEvent{ClientID: c.ID, WorkflowHash: job.WorkflowHash()})
	}
}

func (m *Manager) healthCheckLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

func (m *Manager) pingAll(ctx context.Context) {
	for _, c := range m.List() {
		if !c.IsOnline() {
			continue
		}
		if _, err := c.Session.GetQueue(ctx); err != nil {
			m.logger.WarnContext(ctx, "manager: health check ping failed", "client_id", c.ID, "error", err)
		}
	}
}

// Shutdown stops the health-check loop and closes every managed session.
func (m *Manager) Shutdown() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()

	var errs []error
	for _, c := range m.List() {
		if err := c.Session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
