package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool matches any [*UnknownToolError] under [errors.Is].
var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError is returned when a tool call targets a name that no
// registered client provides. It is recoverable: the agent loop feeds
// the message back to the model so it can pick a different tool.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("UnknownTool: %s", e.ToolName)
}

// Is reports whether target is [ErrUnknownTool].
func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}
