package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/mcpagent/internal/httpkit"
	"github.com/nugget/mcpagent/internal/tools"
)

// anthropicMaxTokens caps each completion.
const anthropicMaxTokens = 4096

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // empty means the SDK default
	Logger  *slog.Logger
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// LLM responses can take significant time before sending headers
	// (thinking, long prompts). Use a transport with a generous
	// response header timeout and rely on ctx for the overall budget.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(2),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, specs []tools.Spec) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: anthropicMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(specs) > 0 {
		params.Tools = convertToolsToAnthropic(specs)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", len(params.Tools),
		"system_len", len(system),
	)
	if payload, err := json.Marshal(params); err == nil {
		c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	result, err := convertFromAnthropic(resp)
	if err != nil {
		return nil, err
	}
	result.TotalDuration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"stop_reason", resp.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping checks if the Anthropic API is reachable and the key is accepted.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages become the separate system prompt. Consecutive tool
// results are merged into one user turn, as the API requires all
// results for a turn to follow the tool_use blocks together.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam
	lastWasToolResult := false

	for _, msg := range messages {
		isToolResult := false

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", sanitizeToolID(tc.Name), i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock("(no content)"))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			isToolResult = true
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)
			if lastWasToolResult {
				last := &result[len(result)-1]
				last.Content = append(last.Content, block)
			} else {
				result = append(result, anthropic.NewUserMessage(block))
			}

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}

		lastWasToolResult = isToolResult
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic renders tool specs as Anthropic tool params.
func convertToolsToAnthropic(specs []tools.Spec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		schema := s.Parameters()

		inputSchema := anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		}
		if inputSchema.Properties == nil {
			inputSchema.Properties = map[string]any{}
		}
		inputSchema.Required = requiredFields(schema)

		tool := &anthropic.ToolParam{
			Name:        s.Name,
			InputSchema: inputSchema,
		}
		if s.Description != "" {
			tool.Description = anthropic.String(s.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: tool})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(resp *anthropic.Message) (*ChatResponse, error) {
	var text []string
	var calls []ToolCall

	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("decode tool_use input for %s: %w", b.Name, err)
				}
			}
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}

	return &ChatResponse{
		Model:     string(resp.Model),
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   strings.Join(text, ""),
			ToolCalls: calls,
		},
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// requiredFields extracts the "required" list of a JSON schema, which
// may have been decoded as []any or built as []string.
func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// sanitizeToolID keeps a synthesized tool_use id within the characters
// the API accepts.
func sanitizeToolID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}
