package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // Tool response reports a failure

	// Seq is the logical position assigned by conversation memory. It
	// keeps increasing across evictions and is never sent to a provider.
	Seq uint64 `json:"seq,omitempty"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned ID, echoed back on the tool result
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
}

// WantsTools reports whether the model asked for tool calls instead of
// giving a final answer.
func (r *ChatResponse) WantsTools() bool {
	return len(r.Message.ToolCalls) > 0
}
