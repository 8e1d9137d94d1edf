package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/mcpagent/internal/llm"
)

// Task failure kinds. A [*TaskError] matches exactly one of them under
// [errors.Is].
var (
	// ErrProvider means the completion backend failed. Memory keeps
	// everything appended before the failure so the task can be retried.
	ErrProvider = errors.New("provider error")

	// ErrToolExecutionFailed means a tool provider session died or was
	// closed while the task depended on it.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrRoundLimitExceeded means the model kept requesting tools for
	// the configured number of rounds without giving an answer.
	ErrRoundLimitExceeded = errors.New("round limit exceeded")
)

// TaskError reports why ExecuteTask gave up and how far it got.
type TaskError struct {
	TaskID string
	Kind   error // one of the Err* kinds above
	Round  int   // 1-based round in which the task failed
	Err    error // underlying cause, may be nil

	// Transcript is the conversation memory at the time of failure.
	Transcript []llm.Message
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s: %v in round %d", e.TaskID, e.Kind, e.Round)
	}
	return fmt.Sprintf("task %s: %v in round %d: %v", e.TaskID, e.Kind, e.Round, e.Err)
}

// Unwrap exposes both the kind and the cause, so errors.Is works for
// either (for example ErrToolExecutionFailed and mcp.ErrProcessTerminated).
func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
