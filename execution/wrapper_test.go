package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/workflow"
)

type fakeSession struct {
	mu sync.Mutex

	promptID string
	postErr  error

	history    client.HistoryEntry
	historyOK  bool
	historyErr error

	queue    client.QueueSnapshot
	queueErr error
}

func (f *fakeSession) PostPrompt(ctx context.Context, prompt map[string]any) (string, error) {
	return f.promptID, f.postErr
}

func (f *fakeSession) GetHistory(ctx context.Context, promptID string) (client.HistoryEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.historyOK, f.historyErr
}

func (f *fakeSession) setHistory(entry client.HistoryEntry, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history, f.historyOK = entry, ok
}

func (f *fakeSession) PostInterrupt(ctx context.Context, promptID string) error { return nil }

func (f *fakeSession) GetQueue(ctx context.Context) (client.QueueSnapshot, error) {
	return f.queue, f.queueErr
}

func (f *fakeSession) PostUploadImage(ctx context.Context, filename string, content []byte) (string, error) {
	return filename, nil
}

func (f *fakeSession) InputOutputTypes(classType string) (map[string]string, []string, error) {
	return nil, nil, nil
}

func singleNodeGraph() workflow.Graph {
	return workflow.Graph{
		"9": workflow.Node{ClassType: "SaveImage", Inputs: map[string]workflow.Input{}},
	}
}

func runWrapper(w *Wrapper) (chan Result, chan error) {
	resCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := w.Run(context.Background())
		resCh <- res
		errCh <- err
	}()
	return resCh, errCh
}

func TestWrapperCompletesOnExecutedOutputs(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-1"}
	spec := Spec{
		Graph:         singleNodeGraph(),
		OutputNodeIDs: []string{"9"},
		OutputAliases: map[string]string{"9": "image"},
	}

	var started bool
	var outputs []string
	cb := Callbacks{
		OnStart:  func(promptID string) { started = true },
		OnOutput: func(key string, data any) { outputs = append(outputs, key) },
	}
	w := New(sess, bus, spec, cb, nil)
	resCh, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-1" }, time.Second, time.Millisecond)

	bus.Emit("executing", client.Event{Type: "executing", Data: map[string]any{"prompt_id": "p-1", "node": "9"}})
	bus.Emit("executed", client.Event{Type: "executed", Data: map[string]any{
		"prompt_id": "p-1", "node": "9", "output": map[string]any{"images": []any{"a.png"}},
	}})

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	res := <-resCh

	assert.True(t, started)
	assert.Equal(t, []string{"image"}, outputs)
	assert.Equal(t, "p-1", res.Outputs["_promptId"])
	require.Contains(t, res.Outputs, "image")
}

func TestWrapperFallsBackToHistoryOnExecutionCached(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-2"}
	sess.setHistory(client.HistoryEntry{
		Status:  client.HistoryStatus{Completed: true},
		Outputs: map[string]map[string]any{"9": {"images": []any{"cached.png"}}},
	}, true)

	spec := Spec{
		Graph:         singleNodeGraph(),
		OutputNodeIDs: []string{"9"},
		OutputAliases: map[string]string{"9": "image"},
	}
	w := New(sess, bus, spec, Callbacks{}, nil)
	resCh, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-2" }, time.Second, time.Millisecond)

	bus.Emit("execution_cached", client.Event{Type: "execution_cached", Data: map[string]any{
		"prompt_id": "p-2", "nodes": []any{"9"},
	}})

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	res := <-resCh
	assert.Equal(t, map[string]any{"images": []any{"cached.png"}}, res.Outputs["image"])
}

func TestWrapperExecutionSuccessFallsBackToHistoryWhenOutputsMissing(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-3"}
	sess.setHistory(client.HistoryEntry{
		Status:  client.HistoryStatus{Completed: true},
		Outputs: map[string]map[string]any{"9": {"images": []any{"late.png"}}},
	}, true)

	spec := Spec{
		Graph:         singleNodeGraph(),
		OutputNodeIDs: []string{"9"},
		OutputAliases: map[string]string{"9": "image"},
	}
	w := New(sess, bus, spec, Callbacks{}, nil)
	resCh, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-3" }, time.Second, time.Millisecond)
	bus.Emit("execution_success", client.Event{Type: "execution_success", Data: map[string]any{"prompt_id": "p-3"}})

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	res := <-resCh
	assert.Equal(t, map[string]any{"images": []any{"late.png"}}, res.Outputs["image"])
}

func TestWrapperExecutionErrorFails(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-4"}
	spec := Spec{Graph: singleNodeGraph(), OutputNodeIDs: []string{"9"}}

	var failed error
	cb := Callbacks{OnFailed: func(err error) { failed = err }}
	w := New(sess, bus, spec, cb, nil)
	resCh, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-4" }, time.Second, time.Millisecond)
	bus.Emit("execution_error", client.Event{Type: "execution_error", Data: map[string]any{
		"prompt_id": "p-4", "exception_message": "boom",
	}})

	select {
	case err := <-errCh:
		var customErr *CustomEventError
		require.ErrorAs(t, err, &customErr)
		assert.Equal(t, "p-4", customErr.PromptID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	<-resCh
	require.Error(t, failed)
}

func TestWrapperStartTimeoutFires(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-5"}
	spec := Spec{
		Graph:                 singleNodeGraph(),
		OutputNodeIDs:         []string{"9"},
		ExecutionStartTimeout: 20 * time.Millisecond,
	}
	w := New(sess, bus, spec, Callbacks{}, nil)
	_, errCh := runWrapper(w)

	select {
	case err := <-errCh:
		var startErr *StartTimeoutError
		require.ErrorAs(t, err, &startErr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for start timeout to fire")
	}
}

func TestWrapperNodeTimeoutFires(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-6"}
	spec := Spec{
		Graph:                singleNodeGraph(),
		OutputNodeIDs:        []string{"9"},
		NodeExecutionTimeout: 20 * time.Millisecond,
	}
	w := New(sess, bus, spec, Callbacks{}, nil)
	_, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-6" }, time.Second, time.Millisecond)
	bus.Emit("executing", client.Event{Type: "executing", Data: map[string]any{"prompt_id": "p-6", "node": "9"}})

	select {
	case err := <-errCh:
		var nodeErr *NodeTimeoutError
		require.ErrorAs(t, err, &nodeErr)
		assert.Equal(t, "9", nodeErr.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node timeout to fire")
	}
}

func TestWrapperDisconnectRecoverySucceedsOnHistoryPoll(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-7"}
	spec := Spec{
		Graph:         singleNodeGraph(),
		OutputNodeIDs: []string{"9"},
		OutputAliases: map[string]string{"9": "image"},
	}
	w := New(sess, bus, spec, Callbacks{}, nil)
	resCh, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-7" }, time.Second, time.Millisecond)

	sess.setHistory(client.HistoryEntry{
		Status:  client.HistoryStatus{Completed: true},
		Outputs: map[string]map[string]any{"9": {"images": []any{"recovered.png"}}},
	}, true)
	bus.Emit("disconnected", client.StateEvent{ClientID: "c1", Err: errors.New("reset")})

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect recovery to resolve")
	}
	res := <-resCh
	assert.Equal(t, map[string]any{"images": []any{"recovered.png"}}, res.Outputs["image"])
}

func TestWrapperDisconnectRecoveryFailsOnReconnectionFailed(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-8"}
	spec := Spec{Graph: singleNodeGraph(), OutputNodeIDs: []string{"9"}}
	w := New(sess, bus, spec, Callbacks{}, nil)
	_, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-8" }, time.Second, time.Millisecond)
	bus.Emit("disconnected", client.StateEvent{ClientID: "c1", Err: errors.New("reset")})
	bus.Emit("reconnection_failed", client.ReconnectionFailedEvent{ClientID: "c1", Err: errors.New("gave up")})

	select {
	case err := <-errCh:
		var discErr *DisconnectedError
		require.ErrorAs(t, err, &discErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnected error")
	}
}

func TestWrapperCancelIsIdempotentAndUnblocksRun(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{promptID: "p-9"}
	spec := Spec{Graph: singleNodeGraph(), OutputNodeIDs: []string{"9"}}
	w := New(sess, bus, spec, Callbacks{}, nil)
	_, errCh := runWrapper(w)

	require.Eventually(t, func() bool { return w.PromptID() == "p-9" }, time.Second, time.Millisecond)
	w.Cancel("user requested")
	w.Cancel("user requested again")

	select {
	case err := <-errCh:
		var interruptedErr *ExecutionInterruptedError
		require.ErrorAs(t, err, &interruptedErr)
		assert.Equal(t, "user requested", interruptedErr.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel to resolve Run")
	}
}

func TestWrapperEnqueueRejectionTranslatesToEnqueueFailedError(t *testing.T) {
	bus := events.New(nil)
	sess := &fakeSession{postErr: &client.RequestError{Status: 400, StatusText: "Bad Request", BodyTextSnippet: "bad node"}}
	spec := Spec{Graph: singleNodeGraph(), OutputNodeIDs: []string{"9"}}
	w := New(sess, bus, spec, Callbacks{}, nil)

	_, err := w.Run(context.Background())
	var enqueueErr *EnqueueFailedError
	require.ErrorAs(t, err, &enqueueErr)
	assert.Equal(t, 400, enqueueErr.Status)
}
