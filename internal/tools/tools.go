// Package tools defines the tool vocabulary shared by MCP sessions, the
// completion providers and the agent loop, and the [Registry] that maps a
// discovered tool name to the session that owns it.
package tools

import "fmt"

// Spec describes one discovered tool. Specs are immutable once
// registered; re-discovery replaces them wholesale.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// RemoteName is the provider's own name for the tool when Name was
	// rewritten (namespaced) during discovery. Empty means Name.
	RemoteName string `json:"-"`
}

// InvokeName returns the name the owning provider knows the tool by.
func (s Spec) InvokeName() string {
	if s.RemoteName != "" {
		return s.RemoteName
	}
	return s.Name
}

// Parameters returns the input schema, substituting an empty object
// schema when the provider declared none. Model APIs reject tools
// without one.
func (s Spec) Parameters() map[string]any {
	if len(s.InputSchema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return s.InputSchema
}

// Call is a request to invoke a tool, created by the agent loop from a
// model response and consumed exactly once.
type Call struct {
	ToolName      string         `json:"name"`
	Arguments     map[string]any `json:"arguments"`
	CorrelationID string         `json:"correlation_id"`
}

// Result is the outcome of a Call. IsError results are fed back to the
// model, not raised as Go errors.
type Result struct {
	CorrelationID string `json:"correlation_id"`
	Content       string `json:"content"`
	IsError       bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an IsError result whose content is err's message.
func ErrorResult(correlationID string, err error) Result {
	return Result{
		CorrelationID: correlationID,
		Content:       err.Error(),
		IsError:       true,
	}
}

// String renders the result for logs.
func (r Result) String() string {
	if r.IsError {
		return fmt.Sprintf("[%s] error: %s", r.CorrelationID, r.Content)
	}
	return fmt.Sprintf("[%s] %s", r.CorrelationID, r.Content)
}
