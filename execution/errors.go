package execution

import "fmt"

// EnqueueFailedError reports a server rejection of POST /prompt.
type EnqueueFailedError struct {
	Status          int
	StatusText      string
	BodyJSON        map[string]any
	BodyTextSnippet string
	Reason          string
}

func (e *EnqueueFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("enqueue failed: %d %s: %s", e.Status, e.StatusText, e.Reason)
	}
	return fmt.Sprintf("enqueue failed: %d %s", e.Status, e.StatusText)
}

// WentMissingError reports that the server no longer knows the prompt and
// no history exists for it. Retryable as transient.
type WentMissingError struct {
	PromptID string
}

func (e *WentMissingError) Error() string {
	return fmt.Sprintf("prompt %q went missing from server queue and history", e.PromptID)
}

// DisconnectedError reports that the connection was lost past the
// disconnect-recovery grace window.
type DisconnectedError struct {
	PromptID string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("prompt %q: connection lost past recovery grace period", e.PromptID)
}

// ExecutionFailedError reports execution_success without a complete output
// map, even after the history fallback.
type ExecutionFailedError struct {
	PromptID string
	Reason   string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("prompt %q: execution finished without satisfying output map: %s", e.PromptID, e.Reason)
}

// CustomEventError forwards a server-side execution_error verbatim.
type CustomEventError struct {
	PromptID string
	Fields   map[string]any
}

func (e *CustomEventError) Error() string {
	return fmt.Sprintf("prompt %q: execution_error: %v", e.PromptID, e.Fields)
}

// ExecutionInterruptedError reports a server-side interruption, or a
// user-requested cancel.
type ExecutionInterruptedError struct {
	PromptID string
	Reason   string
}

func (e *ExecutionInterruptedError) Error() string {
	return fmt.Sprintf("prompt %q: execution interrupted: %s", e.PromptID, e.Reason)
}

// FailedCacheError reports execution_cached claiming completion while
// history returned no defined outputs.
type FailedCacheError struct {
	PromptID string
}

func (e *FailedCacheError) Error() string {
	return fmt.Sprintf("prompt %q: execution_cached claimed completion but history had no outputs", e.PromptID)
}

// NodeTimeoutError reports the sliding per-node execution timer firing.
// Retryable as transient.
type NodeTimeoutError struct {
	PromptID string
	NodeID   string
}

func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("prompt %q: node %q exceeded execution timeout", e.PromptID, e.NodeID)
}

// StartTimeoutError reports executionStartTimeoutMs elapsing with no
// event establishing execution began. Retryable as transient.
type StartTimeoutError struct {
	PromptID string
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("prompt %q: no execution-start event within timeout", e.PromptID)
}
