// Package llm provides the completion providers the agent loop talks to.
package llm

import (
	"context"

	"github.com/nugget/mcpagent/internal/tools"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends the conversation and the available tools and returns
	// either a final answer or a set of tool calls.
	Chat(ctx context.Context, model string, messages []Message, specs []tools.Spec) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
