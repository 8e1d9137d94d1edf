package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nugget/mcpagent/internal/httpkit"
	"github.com/nugget/mcpagent/internal/tools"
)

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty means api.openai.com; any compatible endpoint works
	Logger  *slog.Logger
}

// OpenAIClient is a client for the OpenAI Chat Completions API.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

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

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, specs []tools.Spec) (*ChatResponse, error) {
	msgs, err := convertToOpenAI(messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if len(specs) > 0 {
		params.Tools = convertToolsToOpenAI(specs)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", len(params.Tools),
	)
	if payload, err := json.Marshal(params); err == nil {
		c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	result, err := convertFromOpenAI(resp)
	if err != nil {
		return nil, err
	}
	result.TotalDuration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping checks if the OpenAI API is reachable and the key is accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

// convertToOpenAI converts internal messages to Chat Completions params.
func convertToOpenAI(messages []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))

		case RoleUser:
			result = append(result, openai.UserMessage(msg.Content))

		case RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}

			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				argJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("marshal arguments for %s: %w", tc.Name, err)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argJSON),
						},
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

// convertToolsToOpenAI renders tool specs as function tools.
func convertToolsToOpenAI(specs []tools.Spec) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       s.Name,
			Parameters: shared.FunctionParameters(s.Parameters()),
		}
		if s.Description != "" {
			fn.Description = openai.String(s.Description)
		}
		result = append(result, openai.ChatCompletionFunctionTool(fn))
	}
	return result
}

// convertFromOpenAI converts the first choice of a completion to our
// internal format.
func convertFromOpenAI(resp *openai.ChatCompletion) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	msg := resp.Choices[0].Message

	var calls []ToolCall
	for _, tc := range msg.ToolCalls {
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}

	return &ChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Message: Message{
			Role:      RoleAssistant,
			Content:   msg.Content,
			ToolCalls: calls,
		},
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// decodeArguments parses a JSON-encoded argument object. Models
// occasionally emit invalid JSON; the raw text is preserved so the tool
// provider can report a useful error.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
