package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mcpagent/internal/agent"
	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/memory"
	"github.com/nugget/mcpagent/internal/preflight"
)

// providerPingTimeout bounds the provider reachability check.
const providerPingTimeout = 15 * time.Second

// taskOutput is the JSON form of one task's outcome.
type taskOutput struct {
	TaskID      string        `json:"task_id,omitempty"`
	Instruction string        `json:"instruction"`
	Answer      string        `json:"answer,omitempty"`
	Error       string        `json:"error,omitempty"`
	Kind        string        `json:"kind,omitempty"`
	Round       int           `json:"round,omitempty"`
	Transcript  []llm.Message `json:"transcript,omitempty"`
}

// runTasks executes each instruction in order against one shared
// conversation memory. With no instructions on the command line the
// config's task list is used. The first failed task stops the run.
func runTasks(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, instructions []string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	if len(instructions) > 0 {
		instructions = []string{strings.Join(instructions, " ")}
	} else {
		instructions = cfg.Tasks
	}
	if len(instructions) == 0 {
		return fmt.Errorf("nothing to run: pass an instruction or list tasks in the config")
	}

	checks := runPreflight(ctx, cfg, logger)
	if cfg.Preflight.Required && preflight.Failed(checks) {
		return fmt.Errorf("pre-flight checks failed")
	}

	var archive *memory.Archive
	if cfg.Archive.Path != "" {
		archive, err = memory.OpenArchive(cfg.Archive.Path, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	host, err := startSessions(ctx, cfg.MCP.Servers, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	if err := host.waitReady(ctx); err != nil {
		return fmt.Errorf("MCP servers not ready: %w", err)
	}
	logger.Info("tools ready", "count", host.registry.Len(), "servers", len(host.clients))

	loopCfg := agent.Config{
		Provider:         createLLMClient(cfg, logger),
		Model:            cfg.Models.Default,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxRounds:        cfg.Agent.MaxRounds,
		Registry:         host.registry,
		Clients:          host.invokers(),
		Memory:           memory.NewWindow(cfg.Agent.MemoryCapacity),
		ParallelDispatch: cfg.Agent.ParallelDispatch,
		Logger:           logger,
	}
	if archive != nil {
		loopCfg.Archive = archive
	}
	loop := agent.NewLoop(loopCfg)

	for _, instruction := range instructions {
		answer, err := loop.ExecuteTask(ctx, instruction)
		out := taskOutput{Instruction: instruction, Answer: answer}
		if err != nil {
			out.Error = err.Error()
			var taskErr *agent.TaskError
			if errors.As(err, &taskErr) {
				out.TaskID = taskErr.TaskID
				out.Kind = taskErr.Kind.Error()
				out.Round = taskErr.Round
				out.Transcript = taskErr.Transcript
			}
		}

		if outputFmt == "json" {
			if werr := writeJSON(stdout, out); werr != nil {
				return werr
			}
		} else if err == nil {
			fmt.Fprintln(stdout, answer)
		}

		if err != nil {
			return err
		}
	}
	return nil
}

// runTools starts every session, waits for discovery and lists the
// merged registry along with any shadowed names.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	host, err := startSessions(ctx, cfg.MCP.Servers, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	readyErr := host.waitReady(ctx)
	specs := host.registry.All()
	collisions := host.registry.Collisions()

	if outputFmt == "json" {
		type toolEntry struct {
			Name        string `json:"name"`
			Server      string `json:"server"`
			RemoteName  string `json:"remote_name,omitempty"`
			Description string `json:"description,omitempty"`
		}
		entries := make([]toolEntry, 0, len(specs))
		for _, s := range specs {
			server, _, _ := host.registry.Resolve(s.Name)
			entries = append(entries, toolEntry{
				Name:        s.Name,
				Server:      server,
				RemoteName:  s.RemoteName,
				Description: s.Description,
			})
		}
		if err := writeJSON(stdout, map[string]any{
			"tools":      entries,
			"collisions": collisions,
		}); err != nil {
			return err
		}
		return readyErr
	}

	for _, s := range specs {
		server, _, _ := host.registry.Resolve(s.Name)
		fmt.Fprintf(stdout, "%-32s %-16s %s\n", s.Name, server, firstLine(s.Description))
	}
	for _, c := range collisions {
		fmt.Fprintf(stdout, "shadowed: %s from %s (kept %s)\n", c.Name, c.Loser, c.Winner)
	}
	return readyErr
}

// healthReport is the JSON form of the check command.
type healthReport struct {
	Preflight []preflight.Check `json:"preflight"`
	Provider  preflight.Check   `json:"provider"`
	Sessions  []sessionReport   `json:"sessions"`
}

type sessionReport struct {
	Name          string `json:"name"`
	Ready         bool   `json:"ready"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	Tools         int    `json:"tools"`
	Error         string `json:"error,omitempty"`
}

// runCheck runs every configured check and reports all of them. It
// fails if any check failed.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	report := healthReport{Preflight: runPreflight(ctx, cfg, logger)}
	failed := preflight.Failed(report.Preflight)

	pingCtx, cancel := context.WithTimeout(ctx, providerPingTimeout)
	start := time.Now()
	pingErr := createLLMClient(cfg, logger).Ping(pingCtx)
	cancel()
	report.Provider = preflight.Check{
		Name:   "provider",
		OK:     pingErr == nil,
		Detail: fmt.Sprintf("%s via %s", cfg.Models.Default, cfg.ProviderFor(cfg.Models.Default)),
		Took:   time.Since(start),
	}
	if pingErr != nil {
		report.Provider.Error = pingErr.Error()
		failed = true
	}

	host, err := startSessions(ctx, cfg.MCP.Servers, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	if host.waitReady(ctx) != nil {
		failed = true
	}
	counts := make(map[string]int)
	for _, s := range host.registry.All() {
		server, _, _ := host.registry.Resolve(s.Name)
		counts[server]++
	}
	status := host.manager.Status()
	for _, name := range host.order {
		st := status[name]
		info := host.clients[name].ServerInfo()
		report.Sessions = append(report.Sessions, sessionReport{
			Name:          name,
			Ready:         st.Ready,
			ServerName:    info.Name,
			ServerVersion: info.Version,
			Tools:         counts[name],
			Error:         st.LastError,
		})
	}

	if outputFmt == "json" {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else {
		for _, c := range append(report.Preflight, report.Provider) {
			printCheck(stdout, c.Name, c.OK, c.Detail, c.Error)
		}
		for _, s := range report.Sessions {
			detail := fmt.Sprintf("%s %s, %d tools", s.ServerName, s.ServerVersion, s.Tools)
			printCheck(stdout, "mcp "+s.Name, s.Ready, detail, s.Error)
		}
	}

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

// runHistory lists archived tasks.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	archive, err := openConfiguredArchive(configPath, stderr)
	if err != nil {
		return err
	}
	defer archive.Close()

	tasks, err := archive.Tasks(ctx, limit)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, tasks)
	}
	for _, t := range tasks {
		outcome := t.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(stdout, "%s  %s  %-8s  %s\n",
			t.ID, t.StartedAt.Local().Format(time.DateTime), outcome, firstLine(t.Instruction))
	}
	return nil
}

// runTranscript prints one archived task's messages.
func runTranscript(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, taskID string) error {
	archive, err := openConfiguredArchive(configPath, stderr)
	if err != nil {
		return err
	}
	defer archive.Close()

	msgs, err := archive.Transcript(ctx, taskID)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, msgs)
	}
	for _, m := range msgs {
		switch {
		case len(m.ToolCalls) > 0:
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			fmt.Fprintf(stdout, "[%d] %s -> %s\n", m.Seq, m.Role, strings.Join(names, ", "))
		case m.IsError:
			fmt.Fprintf(stdout, "[%d] %s (error): %s\n", m.Seq, m.Role, m.Content)
		default:
			fmt.Fprintf(stdout, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
		}
	}
	return nil
}

func openConfiguredArchive(configPath string, stderr io.Writer) (*memory.Archive, error) {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return nil, err
	}
	if cfg.Archive.Path == "" {
		return nil, fmt.Errorf("archive.path is not configured")
	}
	return memory.OpenArchive(cfg.Archive.Path, logger)
}

// runPreflight runs the configured environment checks.
func runPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) []preflight.Check {
	return preflight.Run(ctx, preflight.Config{
		Database: cfg.Preflight.Database,
		Probe:    cfg.Preflight.Probe,
	}, logger)
}

// createLLMClient builds a multi-provider client. Models listed in the
// config are mapped to their provider; the default model is routed by
// [config.Config.ProviderFor]; anything else falls through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Logger:  logger,
		}))
		logger.Debug("Anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Logger:  logger,
		}))
		logger.Debug("OpenAI provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	provider := cfg.ProviderFor(cfg.Models.Default)
	multi.AddModel(cfg.Models.Default, provider)

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return multi
}

func printCheck(w io.Writer, name string, ok bool, detail, errText string) {
	mark := "ok  "
	if !ok {
		mark = "FAIL"
	}
	line := fmt.Sprintf("%s %-20s %s", mark, name, detail)
	if errText != "" {
		line += ": " + errText
	}
	fmt.Fprintln(w, strings.TrimRight(line, " "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Compile-time check that the archive satisfies the loop's recorder.
var _ agent.Recorder = (*memory.Archive)(nil)
