// Package agent implements the task loop: it alternates between asking
// the model for the next step and running the tools it requests until
// the model gives a final answer.
package agent

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/memory"
	"github.com/nugget/mcpagent/internal/tools"
)

// DefaultMaxRounds bounds the completion requests of one task when no
// limit is configured.
const DefaultMaxRounds = 25

// ToolInvoker runs a tool on the session that owns it.
// *mcp.Client satisfies it.
type ToolInvoker interface {
	CallTool(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Recorder persists task transcripts. *memory.Archive satisfies it.
type Recorder interface {
	StartTask(ctx context.Context, taskID, instruction string) error
	Record(ctx context.Context, taskID string, msg llm.Message) error
	FinishTask(ctx context.Context, taskID, outcome string, taskErr error) error
}

// Config wires a Loop.
type Config struct {
	Provider     llm.Client
	Model        string
	SystemPrompt string
	MaxRounds    int // <= 0 means DefaultMaxRounds

	Registry *tools.Registry
	Clients  map[string]ToolInvoker // keyed by the client id used in Registry
	Memory   *memory.Window         // nil means a new window of default capacity
	Archive  Recorder               // optional

	// ParallelDispatch runs the calls of one round concurrently across
	// distinct clients. Calls to the same client stay sequential.
	ParallelDispatch bool

	Logger *slog.Logger
}

// Loop executes tasks against one conversation memory. It is not safe
// for concurrent ExecuteTask calls.
type Loop struct {
	provider     llm.Client
	model        string
	systemPrompt string
	maxRounds    int
	registry     *tools.Registry
	clients      map[string]ToolInvoker
	memory       *memory.Window
	archive      Recorder
	parallel     bool
	logger       *slog.Logger
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg Config) *Loop {
	l := &Loop{
		provider:     cfg.Provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxRounds:    cfg.MaxRounds,
		registry:     cfg.Registry,
		clients:      cfg.Clients,
		memory:       cfg.Memory,
		archive:      cfg.Archive,
		parallel:     cfg.ParallelDispatch,
		logger:       cfg.Logger,
	}
	if l.maxRounds <= 0 {
		l.maxRounds = DefaultMaxRounds
	}
	if l.registry == nil {
		l.registry = tools.NewRegistry(cfg.Logger)
	}
	if l.memory == nil {
		l.memory = memory.NewWindow(memory.DefaultCapacity)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Memory returns the conversation window shared by all tasks.
func (l *Loop) Memory() *memory.Window {
	return l.memory
}

// ExecuteTask appends instruction as a user message and runs rounds
// until the model answers, returning the answer. Failures are
// [*TaskError] values matching ErrProvider, ErrToolExecutionFailed or
// ErrRoundLimitExceeded.
func (l *Loop) ExecuteTask(ctx context.Context, instruction string) (string, error) {
	taskID := uuid.NewString()
	log := l.logger.With("task_id", taskID)
	start := time.Now()

	log.Info("task started", "model", l.model, "max_rounds", l.maxRounds)
	if l.archive != nil {
		if err := l.archive.StartTask(ctx, taskID, instruction); err != nil {
			log.Warn("archive start failed", "error", err)
		}
	}

	l.append(ctx, log, taskID, llm.Message{Role: llm.RoleUser, Content: instruction})

	for round := 1; round <= l.maxRounds; round++ {
		messages := l.messages()
		specs := l.registry.All()

		log.Debug("requesting completion",
			"round", round,
			"messages", len(messages),
			"tools", len(specs),
		)

		resp, err := l.provider.Chat(ctx, l.model, messages, specs)
		if err != nil {
			return "", l.fail(ctx, log, taskID, ErrProvider, round, err)
		}

		if !resp.WantsTools() {
			l.append(ctx, log, taskID, llm.Message{
				Role:    llm.RoleAssistant,
				Content: resp.Message.Content,
			})
			l.finish(ctx, log, taskID, memory.OutcomeFinished, nil)
			log.Info("task finished",
				"rounds", round,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return resp.Message.Content, nil
		}

		calls := slices.Clone(resp.Message.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
		}
		l.append(ctx, log, taskID, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		results, err := l.dispatch(ctx, log.With("round", round), calls)
		actx := ctx
		if err != nil {
			actx = context.WithoutCancel(ctx)
		}
		for _, r := range results {
			l.append(actx, log, taskID, llm.Message{
				Role:       llm.RoleTool,
				Content:    r.Content,
				ToolCallID: r.CorrelationID,
				IsError:    r.IsError,
			})
		}
		if err != nil {
			return "", l.fail(ctx, log, taskID, ErrToolExecutionFailed, round, err)
		}
	}

	return "", l.fail(ctx, log, taskID, ErrRoundLimitExceeded, l.maxRounds, nil)
}

// messages builds the request for one round: the system prompt, which
// never lives in memory, followed by the memory snapshot.
func (l *Loop) messages() []llm.Message {
	snap := trimToUserTurn(l.memory.Snapshot())

	out := make([]llm.Message, 0, len(snap)+1)
	if l.systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: l.systemPrompt})
	}
	return append(out, snap...)
}

// trimToUserTurn drops everything before the first user message. After
// eviction the head of the window can be tool results whose call is gone,
// or an assistant turn, and providers reject both as the opening message.
// A window with no user message only loses its leading tool results.
func trimToUserTurn(msgs []llm.Message) []llm.Message {
	for i, m := range msgs {
		if m.Role == llm.RoleUser {
			return msgs[i:]
		}
	}
	i := 0
	for i < len(msgs) && msgs[i].Role == llm.RoleTool {
		i++
	}
	return msgs[i:]
}

func (l *Loop) append(ctx context.Context, log *slog.Logger, taskID string, msg llm.Message) {
	stored := l.memory.Append(msg)
	if l.archive == nil {
		return
	}
	if err := l.archive.Record(ctx, taskID, stored); err != nil {
		log.Warn("archive record failed", "seq", stored.Seq, "error", err)
	}
}

func (l *Loop) finish(ctx context.Context, log *slog.Logger, taskID, outcome string, taskErr error) {
	if l.archive == nil {
		return
	}
	// Record the outcome even when the task failed on cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := l.archive.FinishTask(ctx, taskID, outcome, taskErr); err != nil {
		log.Warn("archive finish failed", "error", err)
	}
}

func (l *Loop) fail(ctx context.Context, log *slog.Logger, taskID string, kind error, round int, cause error) error {
	err := &TaskError{
		TaskID:     taskID,
		Kind:       kind,
		Round:      round,
		Err:        cause,
		Transcript: l.memory.Snapshot(),
	}
	log.Error("task failed",
		"kind", kind,
		"round", round,
		"error", cause,
		"messages", len(err.Transcript),
	)
	l.finish(ctx, log, taskID, memory.OutcomeFailed, err)
	return err
}
