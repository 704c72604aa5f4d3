// Package analyzer implements the C6 Failure Analyzer: a pure function
// that classifies a wrapper failure into a retry/block-client verdict. Its
// output is advisory — the pool combines it with maxAttempts and residual
// compatibility to reach a final decision.
package analyzer

import (
	"errors"
	"regexp"
	"strings"

	"github.com/rezkam/workflowpool/execution"
	"github.com/rezkam/workflowpool/workflow"
)

// BlockMode is the scope at which a client should be excluded following a
// failure.
type BlockMode string

const (
	BlockNone      BlockMode = "none"
	BlockTemporary BlockMode = "temporary"
	BlockPermanent BlockMode = "permanent"
)

// FailureType buckets the failure for diagnostics and for the
// WorkflowNotSupportedError reason map.
type FailureType string

const (
	TypeWorkflowInvalid   FailureType = "workflow_invalid"
	TypeClientIncompatible FailureType = "client_incompatible"
	TypeTransient          FailureType = "transient"
	TypeUnknown            FailureType = "unknown"
)

// Classification is the analyzer's verdict for one failure.
type Classification struct {
	Retryable   bool
	BlockClient BlockMode
	Type        FailureType
	Reason      string
}

// clientIncompatiblePattern matches server-reported codes and messages
// that indicate this specific client cannot run the workflow at all
// (missing checkpoint/model/module), as opposed to a malformed graph.
var clientIncompatiblePattern = regexp.MustCompile(
	`(?i)value_not_in_list|missing_checkpoint|missing_model|lora_missing|no module named`,
)

// workflowInvalidPattern matches codes indicating the graph itself is
// malformed, independent of which client runs it.
var workflowInvalidPattern = regexp.MustCompile(
	`(?i)invalid_prompt|invalid graph|missing required input`,
)

// Analyze classifies err into a retry/block decision. It is a pure
// function: same input always yields the same Classification.
func Analyze(err error) Classification {
	var missingNode *workflow.MissingNodeError
	if errors.As(err, &missingNode) {
		return Classification{Retryable: false, BlockClient: BlockNone, Type: TypeWorkflowInvalid}
	}

	var enqueueErr *execution.EnqueueFailedError
	if errors.As(err, &enqueueErr) {
		return analyzeEnqueueFailure(enqueueErr)
	}

	if isExecutionTimeIncompatibility(err) {
		return Classification{Retryable: true, BlockClient: BlockPermanent, Type: TypeClientIncompatible, Reason: err.Error()}
	}

	return Classification{Retryable: true, BlockClient: BlockTemporary, Type: TypeUnknown, Reason: err.Error()}
}

func analyzeEnqueueFailure(enqueueErr *execution.EnqueueFailedError) Classification {
	text := enqueueErr.Reason + " " + enqueueErr.BodyTextSnippet
	if bodyField, ok := bodyMessage(enqueueErr.BodyJSON); ok {
		text += " " + bodyField
	}

	if clientIncompatiblePattern.MatchString(text) {
		return Classification{Retryable: true, BlockClient: BlockPermanent, Type: TypeClientIncompatible, Reason: strings.TrimSpace(text)}
	}
	if workflowInvalidPattern.MatchString(text) {
		return Classification{Retryable: false, BlockClient: BlockNone, Type: TypeWorkflowInvalid, Reason: strings.TrimSpace(text)}
	}
	if enqueueErr.Status >= 500 || enqueueErr.Status == 429 {
		return Classification{Retryable: true, BlockClient: BlockTemporary, Type: TypeTransient, Reason: enqueueErr.StatusText}
	}
	return Classification{Retryable: true, BlockClient: BlockTemporary, Type: TypeUnknown, Reason: strings.TrimSpace(text)}
}

func bodyMessage(body map[string]any) (string, bool) {
	if body == nil {
		return "", false
	}
	for _, key := range []string{"error", "message"} {
		if v, ok := body[key].(string); ok {
			return v, true
		}
	}
	if errs, ok := body["errors"].([]any); ok {
		var parts []string
		for _, e := range errs {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; "), true
		}
	}
	return "", false
}

func isExecutionTimeIncompatibility(err error) bool {
	var customEvent *execution.CustomEventError
	if !errors.As(err, &customEvent) {
		return false
	}
	message, _ := bodyMessage(customEvent.Fields)
	return clientIncompatiblePattern.MatchString(message)
}
