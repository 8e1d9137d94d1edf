package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/tools"
)

// job is one resolved tool call.
type job struct {
	index    int
	clientID string
	invoker  ToolInvoker
	spec     tools.Spec
	call     llm.ToolCall
}

// dispatch runs the calls of one round and returns their results in
// request order. Unknown tools and recoverable call failures become
// error results. The returned error is set only when a session is gone
// or ctx ended; every call still gets a result then, the real one where
// it finished and an abort error otherwise.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, calls []llm.ToolCall) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	done := make([]bool, len(calls))

	var jobs []job
	for i, tc := range calls {
		clientID, spec, err := l.registry.Resolve(tc.Name)
		if err != nil {
			log.Warn("model requested unknown tool", "tool", tc.Name, "call_id", tc.ID)
			results[i] = tools.ErrorResult(tc.ID, err)
			done[i] = true
			continue
		}
		inv, ok := l.clients[clientID]
		if !ok {
			log.Warn("no session for tool", "tool", tc.Name, "client", clientID)
			results[i] = tools.ErrorResult(tc.ID,
				fmt.Errorf("tool %s: provider %s is not connected", tc.Name, clientID))
			done[i] = true
			continue
		}
		jobs = append(jobs, job{index: i, clientID: clientID, invoker: inv, spec: spec, call: tc})
	}

	run := func(ctx context.Context, batch []job) error {
		for _, j := range batch {
			res, err := l.invoke(ctx, log, j)
			if err != nil {
				return err
			}
			results[j.index] = res
			done[j.index] = true
		}
		return nil
	}

	if !l.parallel {
		err := run(ctx, jobs)
		return abortPending(calls, results, done, err), err
	}

	var order []string
	groups := make(map[string][]job)
	for _, j := range jobs {
		if _, ok := groups[j.clientID]; !ok {
			order = append(order, j.clientID)
		}
		groups[j.clientID] = append(groups[j.clientID], j)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		batch := groups[id]
		g.Go(func() error { return run(gctx, batch) })
	}
	err := g.Wait()
	return abortPending(calls, results, done, err), err
}

// abortPending gives every call without a result an error result naming
// cause, so the transcript never holds a tool-call marker without its
// answers.
func abortPending(calls []llm.ToolCall, results []tools.Result, done []bool, cause error) []tools.Result {
	if cause == nil {
		return results
	}
	for i, tc := range calls {
		if !done[i] {
			results[i] = tools.ErrorResult(tc.ID, fmt.Errorf("call aborted: %w", cause))
		}
	}
	return results
}

// invoke runs one call. Errors that leave the session usable are turned
// into error results for the model; the rest are returned.
func (l *Loop) invoke(ctx context.Context, log *slog.Logger, j job) (tools.Result, error) {
	log = log.With("tool", j.call.Name, "client", j.clientID, "call_id", j.call.ID)

	args := j.call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	res, err := j.invoker.CallTool(ctx, tools.Call{
		ToolName:      j.spec.InvokeName(),
		Arguments:     args,
		CorrelationID: j.call.ID,
	})
	elapsed := time.Since(start).Round(time.Millisecond)

	if err == nil {
		res.CorrelationID = j.call.ID
		log.Info("tool call finished", "is_error", res.IsError, "elapsed", elapsed)
		log.Log(ctx, llm.LevelTrace, "tool result", "content", res.Content)
		return res, nil
	}

	if sessionLost(ctx, err) {
		log.Error("tool call failed, session unusable", "error", err, "elapsed", elapsed)
		return tools.Result{}, fmt.Errorf("tool %s via %s: %w", j.call.Name, j.clientID, err)
	}

	log.Warn("tool call failed, reporting to model", "error", err, "elapsed", elapsed)
	return tools.ErrorResult(j.call.ID, err), nil
}

// sessionLost reports whether err means no further calls can succeed in
// this task.
func sessionLost(ctx context.Context, err error) bool {
	return errors.Is(err, mcp.ErrProcessTerminated) ||
		errors.Is(err, mcp.ErrClosed) ||
		ctx.Err() != nil
}
