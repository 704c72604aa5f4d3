// Package execution implements the per-attempt execution wrapper: the
// state machine that submits one workflow to one claimed client, follows
// its progress over that client's event bus, enforces timeouts, recovers
// from a mid-execution disconnect, and maps raw node outputs back to the
// caller's aliases.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/events"
	"github.com/rezkam/workflowpool/workflow"
)

var tracer = otel.Tracer("workflowpool/execution")

// Attachment is a binary input to upload before submission; the uploaded
// server-side filename is wired into Graph[NodeID].Inputs[InputName].
type Attachment struct {
	NodeID    string
	InputName string
	Filename  string
	Bytes     []byte
}

// Spec is everything one attempt needs to submit and track a job.
type Spec struct {
	Graph         workflow.Graph
	BypassNodeIDs []string

	// OutputNodeIDs are the node ids the wrapper waits to see executed
	// before it considers the job complete. OutputAliases maps a subset
	// of them (or any other node) to the friendly name reported in the
	// mapped result; nodes with no alias surface under "_raw".
	OutputNodeIDs []string
	OutputAliases map[string]string

	Attachments []Attachment

	// ExecutionStartTimeout bounds the interval between submission and
	// the first event establishing execution began. Default 5s.
	ExecutionStartTimeout time.Duration
	// NodeExecutionTimeout is the sliding per-node timer, reset on
	// execution_start/executing/progress. Default 300s.
	NodeExecutionTimeout time.Duration

	// EnableProfiling records one child span per executing node under the
	// attempt's span, instead of only the attempt span itself.
	EnableProfiling bool
}

func (s Spec) withDefaults() Spec {
	if s.ExecutionStartTimeout <= 0 {
		s.ExecutionStartTimeout = 5 * time.Second
	}
	if s.NodeExecutionTimeout <= 0 {
		s.NodeExecutionTimeout = 300 * time.Second
	}
	if s.OutputAliases == nil {
		s.OutputAliases = map[string]string{}
	}
	return s
}

// ProgressInfo is the payload of OnProgress.
type ProgressInfo struct {
	Value int
	Max   int
	Node  string
}

// Callbacks are the wrapper's observer hooks. Every field is optional.
type Callbacks struct {
	OnPending     func(promptID string)
	OnStart       func(promptID string)
	OnProgress    func(ProgressInfo)
	OnPreview     func(blob []byte)
	OnPreviewMeta func(blob []byte, metadata map[string]any)
	OnOutput      func(aliasOrNodeID string, data any)
	OnFinished    func(outputs map[string]any)
	OnFailed      func(err error)
}

// Result is the terminal success value: Outputs keyed by alias for mapped
// nodes, plus "_raw" (unmapped node outputs), "_nodes", "_aliases",
// "_promptId", and "_autoSeeds" metadata.
type Result struct {
	Outputs map[string]any
}

// sessionPort is the subset of *client.Session the wrapper depends on. It
// also satisfies workflow.ClassLookup, so a session can be passed directly
// to Graph.Rewire.
type sessionPort interface {
	PostPrompt(ctx context.Context, prompt map[string]any) (string, error)
	GetHistory(ctx context.Context, promptID string) (client.HistoryEntry, bool, error)
	PostInterrupt(ctx context.Context, promptID string) error
	GetQueue(ctx context.Context) (client.QueueSnapshot, error)
	PostUploadImage(ctx context.Context, filename string, content []byte) (string, error)
	InputOutputTypes(classType string) (map[string]string, []string, error)
}

// Wrapper drives one submission attempt end to end. Construct with New and
// call Run once; Run blocks until the attempt reaches a terminal state.
type Wrapper struct {
	session sessionPort
	bus     *events.Bus
	spec    Spec
	cb      Callbacks
	logger  *slog.Logger

	outputNodeSet map[string]struct{}

	mu         sync.Mutex
	promptID   string
	started    bool
	terminal   bool
	disconnect bool
	lastNode   string
	rawOutputs map[string]any
	remaining  int
	autoSeeds  map[string]int32
	result     Result
	err        error

	runCtx       context.Context
	nodeSpan     trace.Span
	nodeSpanNode string

	startTimer      *time.Timer
	nodeTimer       *time.Timer
	disconnectTimer *time.Timer

	unsub []events.Unsubscribe

	finishOnce sync.Once
	cancelOnce sync.Once
	doneCh     chan struct{}
}

// New constructs a Wrapper. bus must be the claimed client's own frame
// bus, never a pool-wide bus shared across clients: the wrapper trusts
// that every frame it observes belongs to this client's connection, which
// is what lets it treat prompt_id-less preview frames as unambiguous.
func New(session sessionPort, bus *events.Bus, spec Spec, cb Callbacks, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	spec = spec.withDefaults()
	outputSet := make(map[string]struct{}, len(spec.OutputNodeIDs))
	for _, id := range spec.OutputNodeIDs {
		outputSet[id] = struct{}{}
	}
	return &Wrapper{
		session:       session,
		bus:           bus,
		spec:          spec,
		cb:            cb,
		logger:        logger,
		outputNodeSet: outputSet,
		rawOutputs:    make(map[string]any),
		remaining:     len(outputSet),
		doneCh:        make(chan struct{}),
	}
}

// PromptID returns the server-assigned prompt id once submission has
// succeeded, or "" before then.
func (w *Wrapper) PromptID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.promptID
}

// Run submits the workflow and blocks until the attempt completes, fails,
// or ctx is cancelled (which is itself treated as a cancellation).
func (w *Wrapper) Run(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.Int("workflow.node_count", len(w.spec.Graph)),
		attribute.Int("workflow.output_node_count", len(w.spec.OutputNodeIDs)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	w.mu.Lock()
	w.runCtx = ctx
	w.mu.Unlock()

	graph := w.spec.Graph.Clone()
	w.mu.Lock()
	w.autoSeeds = graph.ApplySeeds()
	w.mu.Unlock()

	if len(w.spec.BypassNodeIDs) > 0 {
		if err := graph.Rewire(w.spec.BypassNodeIDs, w.session); err != nil {
			return Result{}, err
		}
	}

	for _, a := range w.spec.Attachments {
		name, err := w.session.PostUploadImage(ctx, a.Filename, a.Bytes)
		if err != nil {
			return Result{}, fmt.Errorf("execution: upload attachment for node %s: %w", a.NodeID, err)
		}
		if node, ok := graph[a.NodeID]; ok {
			node.Inputs[a.InputName] = workflow.Input{Value: name}
		}
	}

	w.subscribe()
	defer w.unsubscribeAll()

	promptID, err := w.session.PostPrompt(ctx, graph.ToPromptMap())
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, translateEnqueueError(err)
	}

	w.mu.Lock()
	w.promptID = promptID
	w.mu.Unlock()

	if w.cb.OnPending != nil {
		w.cb.OnPending(promptID)
	}
	w.armStartTimer()

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		w.Cancel("context cancelled")
		<-w.doneCh
	}

	w.mu.Lock()
	res, resErr := w.result, w.err
	w.mu.Unlock()
	return res, resErr
}

// Cancel idempotently fails the attempt with an interruption error and
// unblocks Run. It does not itself call POST /interrupt; the scheduler
// does that separately once it observes the cancellation.
func (w *Wrapper) Cancel(reason string) {
	w.cancelOnce.Do(func() {
		w.fail(&ExecutionInterruptedError{PromptID: w.PromptID(), Reason: reason})
	})
}

func translateEnqueueError(err error) error {
	var reqErr *client.RequestError
	if errors.As(err, &reqErr) {
		return &EnqueueFailedError{
			Status:          reqErr.Status,
			StatusText:      reqErr.StatusText,
			BodyJSON:        reqErr.BodyJSON,
			BodyTextSnippet: reqErr.BodyTextSnippet,
		}
	}
	return &EnqueueFailedError{Reason: err.Error()}
}

func (w *Wrapper) subscribe() {
	add := func(name string, h events.Handler) {
		w.unsub = append(w.unsub, w.bus.On(name, h))
	}

	add("execution_start", w.onExecutionStart)
	add("execution_cached", w.onExecutionCached)
	add("executing", w.onExecuting)
	add("progress", w.onProgress)
	add("executed", w.onExecuted)
	add("execution_success", w.onExecutionSuccess)
	add("execution_error", w.onExecutionError)
	add("execution_interrupted", w.onExecutionInterrupted)
	add("status", w.onStatus)
	add("b_preview", w.onPreview)
	add("b_preview_meta", w.onPreviewMeta)
	add("disconnected", w.onDisconnected)
	add("reconnected", w.onReconnected)
	add("reconnection_failed", w.onReconnectionFailed)
}

func (w *Wrapper) unsubscribeAll() {
	for _, u := range w.unsub {
		u()
	}
}

func (w *Wrapper) matchesPrompt(ev client.Event) bool {
	pid, ok := ev.PromptID()
	if !ok {
		return false
	}
	w.mu.Lock()
	cur := w.promptID
	w.mu.Unlock()
	return cur != "" && pid == cur
}

func (w *Wrapper) markNodeStarted() {
	w.clearStartTimer()
	w.mu.Lock()
	already := w.started
	w.started = true
	promptID := w.promptID
	w.mu.Unlock()
	if !already && w.cb.OnStart != nil {
		w.cb.OnStart(promptID)
	}
}

func (w *Wrapper) clearStartTimer() {
	w.mu.Lock()
	if w.startTimer != nil {
		w.startTimer.Stop()
	}
	w.mu.Unlock()
}

func (w *Wrapper) armStartTimer() {
	w.mu.Lock()
	promptID := w.promptID
	w.startTimer = time.AfterFunc(w.spec.ExecutionStartTimeout, func() {
		w.fail(&StartTimeoutError{PromptID: promptID})
	})
	w.mu.Unlock()
}

func (w *Wrapper) resetNodeTimer() {
	w.mu.Lock()
	if w.nodeTimer != nil {
		w.nodeTimer.Stop()
	}
	promptID, node := w.promptID, w.lastNode
	w.nodeTimer = time.AfterFunc(w.spec.NodeExecutionTimeout, func() {
		w.fail(&NodeTimeoutError{PromptID: promptID, NodeID: node})
	})
	w.mu.Unlock()
}

func (w *Wrapper) onExecutionStart(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	w.markNodeStarted()
	w.resetNodeTimer()
}

func (w *Wrapper) onExecuting(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	nodeRaw, ok := ev.Data["node"]
	if !ok || nodeRaw == nil {
		return
	}
	node, _ := nodeRaw.(string)
	w.mu.Lock()
	w.lastNode = node
	w.mu.Unlock()
	w.markNodeStarted()
	w.resetNodeTimer()
	w.startNodeSpan(node)
}

// startNodeSpan ends whatever node span is currently open and, when
// profiling is enabled, starts a new child span for node under the
// attempt's span.
func (w *Wrapper) startNodeSpan(node string) {
	if !w.spec.EnableProfiling {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nodeSpan != nil {
		w.nodeSpan.End()
		w.nodeSpan = nil
	}
	if w.runCtx == nil || node == "" {
		return
	}
	_, span := tracer.Start(w.runCtx, "execution.node", trace.WithAttributes(attribute.String("node.id", node)))
	w.nodeSpan = span
	w.nodeSpanNode = node
}

// endNodeSpan closes the open node span if it belongs to node.
func (w *Wrapper) endNodeSpan(node string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nodeSpan != nil && w.nodeSpanNode == node {
		w.nodeSpan.End()
		w.nodeSpan = nil
	}
}

func (w *Wrapper) onProgress(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	w.clearStartTimer()
	w.resetNodeTimer()

	var info ProgressInfo
	if v, ok := ev.Data["value"].(float64); ok {
		info.Value = int(v)
	}
	if v, ok := ev.Data["max"].(float64); ok {
		info.Max = int(v)
	}
	if n, ok := ev.Data["node"].(string); ok {
		info.Node = n
	}
	if w.cb.OnProgress != nil {
		w.cb.OnProgress(info)
	}
}

func (w *Wrapper) onExecuted(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	node, _ := ev.Data["node"].(string)
	if node == "" {
		return
	}
	w.recordOutput(node, ev.Data["output"])
}

func (w *Wrapper) recordOutput(node string, output any) {
	w.mu.Lock()
	if _, already := w.rawOutputs[node]; already {
		w.mu.Unlock()
		return
	}
	w.rawOutputs[node] = output
	_, tracked := w.outputNodeSet[node]
	if tracked {
		w.remaining--
	}
	remaining := w.remaining
	w.mu.Unlock()

	w.endNodeSpan(node)

	key := node
	if alias, ok := w.spec.OutputAliases[node]; ok {
		key = alias
	}
	if w.cb.OnOutput != nil {
		w.cb.OnOutput(key, output)
	}
	if tracked && remaining <= 0 {
		w.finishSuccess()
	}
}

func (w *Wrapper) onExecutionCached(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	nodesRaw, _ := ev.Data["nodes"].([]any)
	cached := make(map[string]struct{}, len(nodesRaw))
	for _, n := range nodesRaw {
		if s, ok := n.(string); ok {
			cached[s] = struct{}{}
		}
	}
	for node := range w.outputNodeSet {
		if _, ok := cached[node]; !ok {
			return
		}
	}
	w.adoptFromHistory(context.Background(), true)
}

func (w *Wrapper) onExecutionSuccess(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	w.mu.Lock()
	remaining := w.remaining
	w.mu.Unlock()
	if remaining <= 0 {
		return
	}
	// Give trailing "executed" frames a short window to arrive before
	// falling back to a history fetch.
	go func() {
		time.Sleep(200 * time.Millisecond)
		w.mu.Lock()
		still := w.remaining
		w.mu.Unlock()
		if still <= 0 {
			return
		}
		w.adoptFromHistory(context.Background(), false)
	}()
}

// adoptFromHistory fetches /history/{promptId} and merges any outputs not
// already recorded. fromCache distinguishes the two failure modes: a false
// claim of full caching (*FailedCacheError) versus execution_success
// finishing without a complete output map (*ExecutionFailedError).
func (w *Wrapper) adoptFromHistory(ctx context.Context, fromCache bool) {
	promptID := w.PromptID()
	entry, ok, err := w.session.GetHistory(ctx, promptID)
	if err != nil || !ok || !entry.Status.Completed {
		w.failHistoryFallback(promptID, fromCache)
		return
	}

	w.mu.Lock()
	for node, out := range entry.Outputs {
		if _, already := w.rawOutputs[node]; already {
			continue
		}
		w.rawOutputs[node] = out
		if _, tracked := w.outputNodeSet[node]; tracked {
			w.remaining--
		}
	}
	remaining := w.remaining
	w.mu.Unlock()

	if remaining <= 0 {
		w.finishSuccess()
		return
	}
	w.failHistoryFallback(promptID, fromCache)
}

func (w *Wrapper) failHistoryFallback(promptID string, fromCache bool) {
	if fromCache {
		w.fail(&FailedCacheError{PromptID: promptID})
		return
	}
	w.fail(&ExecutionFailedError{PromptID: promptID, Reason: "history incomplete after execution_success"})
}

func (w *Wrapper) onExecutionError(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	w.fail(&CustomEventError{PromptID: w.PromptID(), Fields: ev.Data})
}

func (w *Wrapper) onExecutionInterrupted(payload any) {
	ev := payload.(client.Event)
	if !w.matchesPrompt(ev) {
		return
	}
	w.fail(&ExecutionInterruptedError{PromptID: w.PromptID(), Reason: "server"})
}

// onStatus handles the queue-status broadcast: it is not scoped by
// prompt_id, so the wrapper checks the live queue snapshot itself whenever
// one arrives.
func (w *Wrapper) onStatus(payload any) {
	w.mu.Lock()
	promptID := w.promptID
	started := w.started
	inRecovery := w.disconnect
	w.mu.Unlock()
	if promptID == "" || started {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snapshot, err := w.session.GetQueue(ctx)
		if err != nil {
			return
		}
		if snapshot.Contains(promptID) {
			return
		}
		w.checkMissingOrAdopt(ctx, promptID, inRecovery)
	}()
}

func (w *Wrapper) checkMissingOrAdopt(ctx context.Context, promptID string, inRecovery bool) {
	entry, ok, err := w.session.GetHistory(ctx, promptID)
	if err == nil && ok && entry.Status.Completed {
		w.mu.Lock()
		for node, out := range entry.Outputs {
			if _, already := w.rawOutputs[node]; already {
				continue
			}
			w.rawOutputs[node] = out
			if _, tracked := w.outputNodeSet[node]; tracked {
				w.remaining--
			}
		}
		remaining := w.remaining
		w.mu.Unlock()
		if remaining <= 0 {
			w.finishSuccess()
			return
		}
	}
	if inRecovery {
		return
	}
	w.fail(&WentMissingError{PromptID: promptID})
}

func (w *Wrapper) onPreview(payload any) {
	frame := payload.(client.PreviewFrame)
	w.clearStartTimer()
	if w.cb.OnPreview != nil {
		w.cb.OnPreview(frame.Blob)
	}
}

func (w *Wrapper) onPreviewMeta(payload any) {
	frame := payload.(client.PreviewMetaFrame)
	if pid, ok := frame.Metadata["prompt_id"].(string); ok {
		w.mu.Lock()
		cur := w.promptID
		w.mu.Unlock()
		if pid != cur {
			return
		}
	}
	w.clearStartTimer()
	if w.cb.OnPreviewMeta != nil {
		w.cb.OnPreviewMeta(frame.Blob, frame.Metadata)
	}
}

func (w *Wrapper) onDisconnected(payload any) {
	w.mu.Lock()
	if w.terminal {
		w.mu.Unlock()
		return
	}
	w.disconnect = true
	promptID := w.promptID
	if w.disconnectTimer != nil {
		w.disconnectTimer.Stop()
	}
	w.disconnectTimer = time.AfterFunc(5*time.Second, func() {
		w.fail(&DisconnectedError{PromptID: promptID})
	})
	w.mu.Unlock()

	go w.pollHistoryForRecovery(promptID)
}

func (w *Wrapper) onReconnected(payload any) {
	w.mu.Lock()
	inRecovery := w.disconnect
	promptID := w.promptID
	w.mu.Unlock()
	if !inRecovery {
		return
	}
	go w.pollHistoryForRecovery(promptID)
}

func (w *Wrapper) onReconnectionFailed(payload any) {
	w.mu.Lock()
	inRecovery := w.disconnect
	promptID := w.promptID
	w.mu.Unlock()
	if !inRecovery {
		return
	}
	w.fail(&DisconnectedError{PromptID: promptID})
}

// pollHistoryForRecovery polls history during disconnect recovery. A
// completed prompt with every tracked output present (at least one) ends
// the attempt successfully and stops the grace timer. If the grace timer
// has already fired, the attempt has already failed and the poll changes
// nothing.
func (w *Wrapper) pollHistoryForRecovery(promptID string) {
	if promptID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, ok, err := w.session.GetHistory(ctx, promptID)
	if err != nil || !ok || !entry.Status.Completed {
		return
	}

	w.mu.Lock()
	for node, out := range entry.Outputs {
		if _, already := w.rawOutputs[node]; already {
			continue
		}
		w.rawOutputs[node] = out
		if _, tracked := w.outputNodeSet[node]; tracked {
			w.remaining--
		}
	}
	satisfied := w.remaining <= 0 && len(w.rawOutputs) > 0
	if satisfied && w.disconnectTimer != nil {
		w.disconnectTimer.Stop()
	}
	w.mu.Unlock()

	if satisfied {
		w.finishSuccess()
	}
}

func (w *Wrapper) buildResult() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	mapped := make(map[string]any, len(w.rawOutputs)+4)
	raw := make(map[string]any)
	for node, output := range w.rawOutputs {
		if alias, ok := w.spec.OutputAliases[node]; ok {
			mapped[alias] = output
		} else {
			raw[node] = output
		}
	}
	aliases := make(map[string]string, len(w.spec.OutputAliases))
	for k, v := range w.spec.OutputAliases {
		aliases[k] = v
	}

	mapped["_raw"] = raw
	mapped["_nodes"] = append([]string(nil), w.spec.OutputNodeIDs...)
	mapped["_aliases"] = aliases
	mapped["_promptId"] = w.promptID
	mapped["_autoSeeds"] = w.autoSeeds
	return Result{Outputs: mapped}
}

func (w *Wrapper) stopTimers() {
	w.mu.Lock()
	if w.startTimer != nil {
		w.startTimer.Stop()
	}
	if w.nodeTimer != nil {
		w.nodeTimer.Stop()
	}
	if w.disconnectTimer != nil {
		w.disconnectTimer.Stop()
	}
	if w.nodeSpan != nil {
		w.nodeSpan.End()
		w.nodeSpan = nil
	}
	w.mu.Unlock()
}

func (w *Wrapper) finishSuccess() {
	w.finishOnce.Do(func() {
		w.mu.Lock()
		w.terminal = true
		w.mu.Unlock()
		w.stopTimers()
		res := w.buildResult()
		w.mu.Lock()
		w.result = res
		w.mu.Unlock()
		if w.cb.OnFinished != nil {
			w.cb.OnFinished(res.Outputs)
		}
		close(w.doneCh)
	})
}

func (w *Wrapper) fail(err error) {
	w.finishOnce.Do(func() {
		w.mu.Lock()
		w.terminal = true
		w.err = err
		w.mu.Unlock()
		w.stopTimers()
		if w.cb.OnFailed != nil {
			w.cb.OnFailed(err)
		}
		close(w.doneCh)
	})
}
