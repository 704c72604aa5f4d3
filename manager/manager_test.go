package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/failover"
)

type fakeSession struct {
	id        string
	state     client.ConnectionState
	queueErr  error
	queueHits int
}

func (s *fakeSession) ClientID() string { return s.id }
func (s *fakeSession) State() client.ConnectionState { return s.state }
func (s *fakeSession) Connect(ctx context.Context) error { return nil }
func (s *fakeSession) GetQueue(ctx context.Context) (client.QueueSnapshot, error) {
	s.queueHits++
	return client.QueueSnapshot{}, s.queueErr
}
func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) PostPrompt(ctx context.Context, prompt map[string]any) (string, error) {
	return "", nil
}
func (s *fakeSession) GetHistory(ctx context.Context, promptID string) (client.HistoryEntry, bool, error) {
	return client.HistoryEntry{}, false, nil
}
func (s *fakeSession) PostInterrupt(ctx context.Context, promptID string) error { return nil }
func (s *fakeSession) PostUploadImage(ctx context.Context, filename string, content []byte) (string, error) {
	return filename, nil
}
func (s *fakeSession) InputOutputTypes(classType string) (map[string]string, []string, error) {
	return nil, nil, nil
}

type fakeJob struct {
	hash      string
	exclude   map[string]struct{}
	preferred map[string]struct{}
	permanent map[string]bool
}

func (j fakeJob) WorkflowHash() string                    { return j.hash }
func (j fakeJob) ExcludeClientIDs() map[string]struct{}   { return j.exclude }
func (j fakeJob) PreferredClientIDs() map[string]struct{} { return j.preferred }
func (j fakeJob) IsPermanentlyExcluded(clientID string) bool {
	return j.permanent[clientID]
}

type fakeStrategy struct {
	skip    map[string]bool
	blocked map[string]bool
	// blockOnFailure makes RecordFailure block the client, as a strategy
	// crossing its failure threshold would.
	blockOnFailure bool

	failures  []string
	successes []string
}

func (s *fakeStrategy) ShouldSkipClient(c failover.Client, j failover.Job) bool {
	return s.skip[c.ClientID()]
}
func (s *fakeStrategy) RecordFailure(c failover.Client, j failover.Job, err error) {
	s.failures = append(s.failures, c.ClientID())
	if s.blockOnFailure {
		s.blocked[c.ClientID()] = true
	}
}
func (s *fakeStrategy) RecordSuccess(c failover.Client, j failover.Job) {
	s.successes = append(s.successes, c.ClientID())
}
func (s *fakeStrategy) IsWorkflowBlocked(c failover.Client, workflowHash string) bool {
	return s.blocked[c.ClientID()]
}

func onlineClient(id string) *ManagedClient {
	return &ManagedClient{ID: id, Session: &fakeSession{id: id, state: client.StateConnected}}
}

func offlineClient(id string) *ManagedClient {
	return &ManagedClient{ID: id, Session: &fakeSession{id: id, state: client.StateDisconnected}}
}

func TestCanClientRunJobRequiresOnline(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	m := New(Config{}, events.New(nil), strategy, nil)
	c := offlineClient("c1")

	ok := m.CanClientRunJob(c, fakeJob{hash: "h1"})
	assert.False(t, ok, "a disconnected session should not be runnable")
}

func TestCanClientRunJobRespectsExclusionSets(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	m := New(Config{}, events.New(nil), strategy, nil)
	c := onlineClient("c1")

	excluded := fakeJob{hash: "h1", exclude: map[string]struct{}{"c1": {}}}
	assert.False(t, m.CanClientRunJob(c, excluded))

	notPreferred := fakeJob{hash: "h1", preferred: map[string]struct{}{"other": {}}}
	assert.False(t, m.CanClientRunJob(c, notPreferred))

	preferred := fakeJob{hash: "h1", preferred: map[string]struct{}{"c1": {}}}
	assert.True(t, m.CanClientRunJob(c, preferred))
}

func TestCanClientRunJobRespectsStrategyAndFailureMemory(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{"c1": true}, blocked: map[string]bool{}}
	m := New(Config{}, events.New(nil), strategy, nil)
	c := onlineClient("c1")

	assert.False(t, m.CanClientRunJob(c, fakeJob{hash: "h1"}))

	strategy.skip["c1"] = false
	permanentlyExcluded := fakeJob{hash: "h1", permanent: map[string]bool{"c1": true}}
	assert.False(t, m.CanClientRunJob(c, permanentlyExcluded))
}

func TestClaimIsExclusiveAndReleaseIsIdempotent(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	m := New(Config{}, events.New(nil), strategy, nil)
	c := onlineClient("c1")

	job := fakeJob{hash: "h1"}
	first := m.Claim(c, job)
	require.NotNil(t, first)
	assert.True(t, c.IsBusy())

	second := m.Claim(c, job)
	assert.Nil(t, second, "a busy client must not be claimable again")

	first.Release(true)
	first.Release(true) // idempotent
	assert.False(t, c.IsBusy())
	assert.Equal(t, []string{"c1"}, strategy.successes)

	third := m.Claim(c, job)
	require.NotNil(t, third)
	third.Release(false)
	assert.Empty(t, strategy.failures, "Release(false) records no strategy outcome; RecordFailure is a separate call")
}

func TestRecordFailureEmitsBlockedTransition(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	bus := events.New(nil)
	m := New(Config{}, bus, strategy, nil)
	c := onlineClient("c1")

	var blockedEvents []BlockedWorkflowEvent
	bus.On("client:blocked_workflow", func(payload any) {
		blockedEvents = append(blockedEvents, payload.(BlockedWorkflowEvent))
	})

	job := fakeJob{hash: "h1"}
	claim := m.Claim(c, job)
	require.NotNil(t, claim)

	strategy.blockOnFailure = true
	m.RecordFailure(c, job, errors.New("boom"))

	require.Len(t, blockedEvents, 1)
	assert.Equal(t, "c1", blockedEvents[0].ClientID)
	assert.False(t, c.IsBusy())
	assert.Equal(t, []string{"c1"}, strategy.failures)
}

func TestPingAllSkipsOfflineAndLogsFailures(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	m := New(Config{}, events.New(nil), strategy, nil)

	healthy := onlineClient("c1")
	down := offlineClient("c2")
	failing := onlineClient("c3")
	failing.Session.(*fakeSession).queueErr = errors.New("connection reset")

	m.mu.Lock()
	m.clients["c1"] = healthy
	m.clients["c2"] = down
	m.clients["c3"] = failing
	m.mu.Unlock()

	m.pingAll(context.Background())

	assert.Equal(t, 1, healthy.Session.(*fakeSession).queueHits)
	assert.Equal(t, 0, down.Session.(*fakeSession).queueHits)
	assert.Equal(t, 1, failing.Session.(*fakeSession).queueHits)
}

func TestShutdownStopsHealthCheckLoop(t *testing.T) {
	strategy := &fakeStrategy{skip: map[string]bool{}, blocked: map[string]bool{}}
	m := New(Config{HealthCheckInterval: 5 * time.Millisecond}, events.New(nil), strategy, nil)

	m.wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.healthCheckLoop(ctx)

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Shutdown())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
