package pool

import "fmt"

// WorkflowNotSupportedError reports that every managed client capable of
// attempting a workflow has, over the course of its retries, rejected it
// as client-incompatible, leaving no surviving client to try.
type WorkflowNotSupportedError struct {
	WorkflowHash string
	Reasons      map[string]string // clientId -> reason
}

func (e *WorkflowNotSupportedError) Error() string {
	return fmt.Sprintf("pool: workflow %q not supported by any client: %v", e.WorkflowHash, e.Reasons)
}

// ErrJobNotFound is returned by Cancel for an unknown job id.
type ErrJobNotFound struct {
	JobID string
}

func (e ErrJobNotFound) Error() string {
	return fmt.Sprintf("pool: job %q not found", e.JobID)
}
