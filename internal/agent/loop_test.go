package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/memory"
	"github.com/nugget/mcpagent/internal/tools"
)

// scriptedProvider replays canned responses. Once the script runs out
// the last response repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	calls     [][]llm.Message
	specs     [][]tools.Spec
}

func (p *scriptedProvider) Chat(_ context.Context, _ string, messages []llm.Message, specs []tools.Spec) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, slices.Clone(messages))
	p.specs = append(p.specs, slices.Clone(specs))
	if p.err != nil {
		return nil, p.err
	}
	i := min(len(p.calls)-1, len(p.responses)-1)
	return p.responses[i], nil
}

func (p *scriptedProvider) Ping(context.Context) error { return nil }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func wantTools(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: calls,
	}}
}

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{
		Role:    llm.RoleAssistant,
		Content: text,
	}}
}

type invokerFunc func(ctx context.Context, call tools.Call) (tools.Result, error)

func (f invokerFunc) CallTool(ctx context.Context, call tools.Call) (tools.Result, error) {
	return f(ctx, call)
}

func textResult(content string) invokerFunc {
	return func(_ context.Context, call tools.Call) (tools.Result, error) {
		return tools.Result{CorrelationID: call.CorrelationID, Content: content}, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testLoop struct {
	*Loop
	provider *scriptedProvider
	registry *tools.Registry
	clients  map[string]ToolInvoker
}

func newTestLoop(t *testing.T, provider *scriptedProvider, mutate func(*Config)) *testLoop {
	t.Helper()
	reg := tools.NewRegistry(quietLogger())
	clients := map[string]ToolInvoker{}
	cfg := Config{
		Provider:     provider,
		Model:        "test-model",
		SystemPrompt: "You are a database assistant.",
		Registry:     reg,
		Clients:      clients,
		Memory:       memory.NewWindow(100),
		Logger:       quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testLoop{Loop: NewLoop(cfg), provider: provider, registry: reg, clients: clients}
}

func (tl *testLoop) addClient(id string, inv ToolInvoker, names ...string) {
	specs := make([]tools.Spec, len(names))
	for i, n := range names {
		specs[i] = tools.Spec{Name: n}
	}
	tl.registry.Register(id, specs)
	tl.clients[id] = inv
}

func roles(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestExecuteTask_ToolRoundThenAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "listTables", Arguments: map[string]any{}}),
		answer("Tables: TABLE_A, TABLE_B"),
	}}
	tl := newTestLoop(t, provider, nil)

	var got []tools.Call
	tl.addClient("db", invokerFunc(func(_ context.Context, call tools.Call) (tools.Result, error) {
		got = append(got, call)
		return tools.Result{CorrelationID: "c1", Content: "TABLE_A, TABLE_B"}, nil
	}), "listTables")

	result, err := tl.ExecuteTask(t.Context(), "list the tables")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result != "Tables: TABLE_A, TABLE_B" {
		t.Errorf("ExecuteTask = %q", result)
	}

	wantCalls := []tools.Call{{ToolName: "listTables", Arguments: map[string]any{}, CorrelationID: "c1"}}
	if diff := cmp.Diff(wantCalls, got); diff != "" {
		t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
	}

	snap := tl.Memory().Snapshot()
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if diff := cmp.Diff(wantRoles, roles(snap)); diff != "" {
		t.Fatalf("memory roles mismatch (-want +got):\n%s", diff)
	}
	if len(snap[1].ToolCalls) != 1 || snap[1].ToolCalls[0].ID != "c1" {
		t.Errorf("tool-call marker = %+v", snap[1])
	}
	if snap[2].ToolCallID != "c1" || snap[2].Content != "TABLE_A, TABLE_B" || snap[2].IsError {
		t.Errorf("tool message = %+v", snap[2])
	}

	// Every round sends the system prompt first, outside memory.
	second := provider.calls[1]
	if second[0].Role != llm.RoleSystem || second[0].Content != "You are a database assistant." {
		t.Errorf("first message of round 2 = %+v, want system prompt", second[0])
	}
	if len(second) != 4 {
		t.Errorf("round 2 sent %d messages, want 4", len(second))
	}
	for _, m := range snap {
		if m.Role == llm.RoleSystem {
			t.Error("system prompt stored in memory")
		}
	}
	if len(provider.specs[0]) != 1 || provider.specs[0][0].Name != "listTables" {
		t.Errorf("specs offered = %+v", provider.specs[0])
	}
}

func TestExecuteTask_UnknownToolFedBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "dropSchema"}),
		answer("I cannot do that."),
	}}
	tl := newTestLoop(t, provider, nil)
	tl.addClient("db", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
		t.Error("invoker called for an unknown tool")
		return tools.Result{}, nil
	}), "listTables")

	result, err := tl.ExecuteTask(t.Context(), "drop the schema")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result != "I cannot do that." {
		t.Errorf("ExecuteTask = %q", result)
	}

	second := provider.calls[1]
	last := second[len(second)-1]
	want := llm.Message{Role: llm.RoleTool, Content: "UnknownTool: dropSchema", ToolCallID: "c1", IsError: true, Seq: 3}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("fed-back result mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteTask_SessionLostFailsTask(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "query"}),
		answer("unreachable"),
	}}
	tl := newTestLoop(t, provider, nil)
	tl.addClient("db", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
		return tools.Result{}, &mcp.ProcessTerminatedError{ExitCode: 3, Stderr: []string{"fatal: boom"}}
	}), "query")

	_, err := tl.ExecuteTask(t.Context(), "run a query")
	if !errors.Is(err, ErrToolExecutionFailed) {
		t.Fatalf("error = %v, want ErrToolExecutionFailed", err)
	}
	if !errors.Is(err, mcp.ErrProcessTerminated) {
		t.Errorf("error = %v, want it to wrap ErrProcessTerminated", err)
	}
	if n := provider.callCount(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error = %T, want *TaskError", err)
	}
	if taskErr.Round != 1 {
		t.Errorf("Round = %d, want 1", taskErr.Round)
	}
	if diff := cmp.Diff([]string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool}, roles(taskErr.Transcript)); diff != "" {
		t.Fatalf("transcript roles mismatch (-want +got):\n%s", diff)
	}
	last := taskErr.Transcript[2]
	if last.ToolCallID != "c1" || !last.IsError || !strings.Contains(last.Content, "process terminated") {
		t.Errorf("aborted result = %+v, want error result for c1", last)
	}
}

// assertCallsAnswered fails unless every assistant tool-call message is
// followed directly by one tool result per call, in request order.
func assertCallsAnswered(t *testing.T, msgs []llm.Message) {
	t.Helper()
	for i, m := range msgs {
		if len(m.ToolCalls) == 0 {
			continue
		}
		for j, tc := range m.ToolCalls {
			k := i + 1 + j
			if k >= len(msgs) || msgs[k].Role != llm.RoleTool || msgs[k].ToolCallID != tc.ID {
				t.Errorf("call %s at message %d has no matching tool result; roles %v", tc.ID, i, roles(msgs))
			}
		}
	}
}

func TestExecuteTask_NextTaskAfterLostSession(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			provider := &scriptedProvider{responses: []*llm.ChatResponse{
				wantTools(llm.ToolCall{ID: "c1", Name: "query"}, llm.ToolCall{ID: "c2", Name: "lookup"}),
				answer("ok"),
			}}
			tl := newTestLoop(t, provider, func(c *Config) { c.ParallelDispatch = parallel })
			tl.addClient("db", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
				return tools.Result{}, mcp.ErrClosed
			}), "query")
			tl.addClient("kv", textResult("v"), "lookup")

			if _, err := tl.ExecuteTask(t.Context(), "first"); !errors.Is(err, ErrToolExecutionFailed) {
				t.Fatalf("first task error = %v, want ErrToolExecutionFailed", err)
			}
			got, err := tl.ExecuteTask(t.Context(), "second")
			if err != nil {
				t.Fatalf("second task: %v", err)
			}
			if got != "ok" {
				t.Errorf("answer = %q, want %q", got, "ok")
			}

			second := provider.calls[len(provider.calls)-1]
			want := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleTool, llm.RoleUser}
			if diff := cmp.Diff(want, roles(second)); diff != "" {
				t.Errorf("second request roles mismatch (-want +got):\n%s", diff)
			}
			assertCallsAnswered(t, second)
			assertCallsAnswered(t, tl.Memory().Snapshot())
		})
	}
}

func TestExecuteTask_ClosedSessionFailsTask(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "query"}),
	}}
	tl := newTestLoop(t, provider, nil)
	tl.addClient("db", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
		return tools.Result{}, mcp.ErrClosed
	}), "query")

	_, err := tl.ExecuteTask(t.Context(), "run a query")
	if !errors.Is(err, ErrToolExecutionFailed) || !errors.Is(err, mcp.ErrClosed) {
		t.Fatalf("error = %v, want ErrToolExecutionFailed wrapping ErrClosed", err)
	}
}

func TestExecuteTask_RecoverableErrorsFedBack(t *testing.T) {
	for _, cause := range []error{
		fmt.Errorf("%w: tools/call after 1s", mcp.ErrTimeout),
		fmt.Errorf("%w: tools/call: bad params", mcp.ErrProtocol),
	} {
		t.Run(cause.Error(), func(t *testing.T) {
			provider := &scriptedProvider{responses: []*llm.ChatResponse{
				wantTools(llm.ToolCall{ID: "c1", Name: "query"}),
				answer("retry later"),
			}}
			tl := newTestLoop(t, provider, nil)
			tl.addClient("db", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
				return tools.Result{}, cause
			}), "query")

			result, err := tl.ExecuteTask(t.Context(), "run a query")
			if err != nil {
				t.Fatalf("ExecuteTask: %v", err)
			}
			if result != "retry later" {
				t.Errorf("ExecuteTask = %q", result)
			}
			tool := tl.Memory().Snapshot()[2]
			if !tool.IsError || tool.Content != cause.Error() {
				t.Errorf("tool message = %+v, want error result %q", tool, cause)
			}
		})
	}
}

// A model that never stops requesting tools ends the task after
// exactly MaxRounds completions, keeping what it appended.
func TestExecuteTask_RoundLimit(t *testing.T) {
	for _, limit := range []int{1, 3, 7} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			provider := &scriptedProvider{responses: []*llm.ChatResponse{
				wantTools(llm.ToolCall{Name: "query"}),
			}}
			tl := newTestLoop(t, provider, func(c *Config) { c.MaxRounds = limit })
			tl.addClient("db", textResult("1 row"), "query")

			_, err := tl.ExecuteTask(t.Context(), "loop forever")
			if !errors.Is(err, ErrRoundLimitExceeded) {
				t.Fatalf("error = %v, want ErrRoundLimitExceeded", err)
			}
			if n := provider.callCount(); n != limit {
				t.Errorf("provider called %d times, want %d", n, limit)
			}
			if got, want := tl.Memory().Len(), 1+2*limit; got != want {
				t.Errorf("memory Len = %d, want %d", got, want)
			}
		})
	}
}

func TestNewLoop_Defaults(t *testing.T) {
	l := NewLoop(Config{Provider: &scriptedProvider{}})
	if l.maxRounds != DefaultMaxRounds {
		t.Errorf("maxRounds = %d, want %d", l.maxRounds, DefaultMaxRounds)
	}
	if l.Memory().Cap() != memory.DefaultCapacity {
		t.Errorf("memory Cap = %d, want %d", l.Memory().Cap(), memory.DefaultCapacity)
	}
}

func TestExecuteTask_ProviderError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("401 unauthorized")}
	tl := newTestLoop(t, provider, nil)

	_, err := tl.ExecuteTask(t.Context(), "hello")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("error = %v, want ErrProvider", err)
	}
	if !strings.Contains(err.Error(), "401 unauthorized") {
		t.Errorf("error = %q, want the cause in the message", err)
	}
	snap := tl.Memory().Snapshot()
	if len(snap) != 1 || snap[0].Content != "hello" {
		t.Errorf("memory = %+v, want only the instruction", snap)
	}
}

func TestExecuteTask_NamespacedToolInvokedByRemoteName(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "mcp_db_query"}),
		answer("ok"),
	}}
	tl := newTestLoop(t, provider, nil)

	var invoked string
	tl.registry.Register("db", []tools.Spec{{Name: "mcp_db_query", RemoteName: "query"}})
	tl.clients["db"] = invokerFunc(func(_ context.Context, call tools.Call) (tools.Result, error) {
		invoked = call.ToolName
		if call.Arguments == nil {
			t.Error("nil arguments passed to invoker")
		}
		return tools.Result{Content: "done"}, nil
	})

	if _, err := tl.ExecuteTask(t.Context(), "query"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if invoked != "query" {
		t.Errorf("invoked %q, want query", invoked)
	}
	// The loop stamps the correlation id even if the invoker omits it.
	if id := tl.Memory().Snapshot()[2].ToolCallID; id != "c1" {
		t.Errorf("ToolCallID = %q, want c1", id)
	}
}

func TestExecuteTask_MissingCallIDsFilled(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{Name: "query"}, llm.ToolCall{Name: "query"}),
		answer("ok"),
	}}
	tl := newTestLoop(t, provider, nil)
	tl.addClient("db", textResult("x"), "query")

	if _, err := tl.ExecuteTask(t.Context(), "q"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	snap := tl.Memory().Snapshot()
	marker := snap[1]
	if len(marker.ToolCalls) != 2 {
		t.Fatalf("marker = %+v", marker)
	}
	a, b := marker.ToolCalls[0].ID, marker.ToolCalls[1].ID
	if !strings.HasPrefix(a, "call_") || a == b {
		t.Errorf("generated ids = %q, %q", a, b)
	}
	if snap[2].ToolCallID != a || snap[3].ToolCallID != b {
		t.Errorf("results not correlated: %q, %q", snap[2].ToolCallID, snap[3].ToolCallID)
	}
	// The scripted response itself is left untouched.
	if provider.responses[0].Message.ToolCalls[0].ID != "" {
		t.Error("provider response mutated")
	}
}

// With parallel dispatch, calls to different clients overlap and the
// results still come back in request order.
func TestExecuteTask_ParallelDispatch(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(
			llm.ToolCall{ID: "1", Name: "slow_a"},
			llm.ToolCall{ID: "2", Name: "slow_b"},
			llm.ToolCall{ID: "3", Name: "fast_a"},
		),
		answer("ok"),
	}}
	tl := newTestLoop(t, provider, func(c *Config) { c.ParallelDispatch = true })

	startedA := make(chan struct{})
	startedB := make(chan struct{})
	rendezvous := func(mine, other chan struct{}, label string) invokerFunc {
		return func(_ context.Context, call tools.Call) (tools.Result, error) {
			if call.ToolName != "slow_a" && call.ToolName != "slow_b" {
				return tools.Result{Content: label + ":" + call.ToolName}, nil
			}
			close(mine)
			select {
			case <-other:
				return tools.Result{Content: label + ":" + call.ToolName}, nil
			case <-time.After(5 * time.Second):
				return tools.Result{Content: "not concurrent"}, nil
			}
		}
	}
	tl.addClient("a", rendezvous(startedA, startedB, "a"), "slow_a", "fast_a")
	tl.addClient("b", rendezvous(startedB, startedA, "b"), "slow_b")

	if _, err := tl.ExecuteTask(t.Context(), "go"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	var got []string
	for _, m := range tl.Memory().Snapshot() {
		if m.Role == llm.RoleTool {
			got = append(got, m.ToolCallID+"="+m.Content)
		}
	}
	want := []string{"1=a:slow_a", "2=b:slow_b", "3=a:fast_a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tool results mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteTask_ParallelSessionLost(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "1", Name: "dies"}, llm.ToolCall{ID: "2", Name: "waits"}),
	}}
	tl := newTestLoop(t, provider, func(c *Config) { c.ParallelDispatch = true })
	tl.addClient("a", invokerFunc(func(context.Context, tools.Call) (tools.Result, error) {
		return tools.Result{}, mcp.ErrProcessTerminated
	}), "dies")
	tl.addClient("b", invokerFunc(func(ctx context.Context, _ tools.Call) (tools.Result, error) {
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	}), "waits")

	_, err := tl.ExecuteTask(t.Context(), "go")
	if !errors.Is(err, ErrToolExecutionFailed) {
		t.Fatalf("error = %v, want ErrToolExecutionFailed", err)
	}

	snap := tl.Memory().Snapshot()
	assertCallsAnswered(t, snap)
	for _, m := range snap[len(snap)-2:] {
		if !m.IsError {
			t.Errorf("result for %s is not an error: %+v", m.ToolCallID, m)
		}
	}
}

type fakeRecorder struct {
	started  []string
	recorded []llm.Message
	outcome  string
	taskErr  error
}

func (r *fakeRecorder) StartTask(_ context.Context, _, instruction string) error {
	r.started = append(r.started, instruction)
	return nil
}

func (r *fakeRecorder) Record(_ context.Context, _ string, msg llm.Message) error {
	r.recorded = append(r.recorded, msg)
	return nil
}

func (r *fakeRecorder) FinishTask(_ context.Context, _, outcome string, taskErr error) error {
	r.outcome, r.taskErr = outcome, taskErr
	return nil
}

func TestExecuteTask_Archive(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "query"}),
		answer("done"),
	}}
	rec := &fakeRecorder{}
	tl := newTestLoop(t, provider, func(c *Config) { c.Archive = rec })
	tl.addClient("db", textResult("1"), "query")

	if _, err := tl.ExecuteTask(t.Context(), "count"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if diff := cmp.Diff([]string{"count"}, rec.started); diff != "" {
		t.Errorf("started mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tl.Memory().Snapshot(), rec.recorded); diff != "" {
		t.Errorf("recorded mismatch (-want +got):\n%s", diff)
	}
	if rec.outcome != memory.OutcomeFinished || rec.taskErr != nil {
		t.Errorf("finish = %q, %v", rec.outcome, rec.taskErr)
	}

	provider.err = errors.New("down")
	if _, err := tl.ExecuteTask(t.Context(), "again"); err == nil {
		t.Fatal("ExecuteTask succeeded with failing provider")
	}
	if rec.outcome != memory.OutcomeFailed || !errors.Is(rec.taskErr, ErrProvider) {
		t.Errorf("finish = %q, %v", rec.outcome, rec.taskErr)
	}
}

func TestTrimToUserTurn(t *testing.T) {
	user := llm.Message{Role: llm.RoleUser, Content: "next"}
	tests := []struct {
		name string
		msgs []llm.Message
		want []llm.Message
	}{
		{
			name: "orphaned results",
			msgs: []llm.Message{
				{Role: llm.RoleTool, ToolCallID: "old"},
				{Role: llm.RoleTool, ToolCallID: "old2"},
				user,
				{Role: llm.RoleTool, ToolCallID: "kept"},
			},
			want: []llm.Message{user, {Role: llm.RoleTool, ToolCallID: "kept"}},
		},
		{
			name: "tool-call marker with its results",
			msgs: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "query"}}},
				{Role: llm.RoleTool, ToolCallID: "c1"},
				user,
			},
			want: []llm.Message{user},
		},
		{
			name: "assistant answer",
			msgs: []llm.Message{
				{Role: llm.RoleAssistant, Content: "done"},
				user,
				{Role: llm.RoleAssistant, Content: "again"},
			},
			want: []llm.Message{user, {Role: llm.RoleAssistant, Content: "again"}},
		},
		{
			name: "already starts with user",
			msgs: []llm.Message{user},
			want: []llm.Message{user},
		},
		{
			name: "no user message",
			msgs: []llm.Message{
				{Role: llm.RoleTool, ToolCallID: "old"},
				{Role: llm.RoleAssistant, Content: "done"},
			},
			want: []llm.Message{{Role: llm.RoleAssistant, Content: "done"}},
		},
		{
			name: "empty",
			msgs: nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trimToUserTurn(tt.msgs)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("trimToUserTurn mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecuteTask_EvictedHeadStartsWithUser(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		wantTools(llm.ToolCall{ID: "c1", Name: "query"}),
		answer("one"),
		answer("two"),
	}}
	tl := newTestLoop(t, provider, func(c *Config) { c.Memory = memory.NewWindow(4) })
	tl.addClient("db", textResult("1"), "query")

	if _, err := tl.ExecuteTask(t.Context(), "first"); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if _, err := tl.ExecuteTask(t.Context(), "second"); err != nil {
		t.Fatalf("second task: %v", err)
	}

	last := provider.calls[len(provider.calls)-1]
	if diff := cmp.Diff([]string{llm.RoleSystem, llm.RoleUser}, roles(last)); diff != "" {
		t.Errorf("request roles mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskError_Error(t *testing.T) {
	err := &TaskError{TaskID: "t1", Kind: ErrRoundLimitExceeded, Round: 25}
	if got := err.Error(); got != "task t1: round limit exceeded in round 25" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrRoundLimitExceeded) || errors.Is(err, ErrProvider) {
		t.Error("errors.Is does not match the kind")
	}
}
