// Mcpagent drives a language model against tools served by MCP
// subprocesses speaking JSON-RPC over stdio.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpagent run [instruction...]    Run one instruction, or the configured tasks
//	mcpagent tools                   List the tools discovered from every server
//	mcpagent check                   Run pre-flight, provider and session checks
//	mcpagent history [limit]         List archived tasks, newest first
//	mcpagent transcript <task-id>    Print the archived transcript of a task
//	mcpagent init [dir]              Write an example config.yaml
//	mcpagent version                 Print version and build information
//	mcpagent -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nugget/mcpagent/examples"
	"github.com/nugget/mcpagent/internal/buildinfo"
	"github.com/nugget/mcpagent/internal/config"
)

// main only builds the OS environment (context, stdio, argv) and hands
// off to [run], so the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Answers and reports go to stdout;
// structured logs go to stderr so stdout stays machine-readable with
// -o json. Arguments are parsed by hand because the flag package's
// globals get in the way of calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runTasks(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "history":
		limit := 0
		if len(cmdArgs) > 0 {
			if _, err := fmt.Sscanf(cmdArgs[0], "%d", &limit); err != nil || limit <= 0 {
				return fmt.Errorf("usage: mcpagent history [limit]")
			}
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, limit)
	case "transcript":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpagent transcript <task-id>")
		}
		return runTranscript(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpagent - LLM agent for MCP tool providers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run [instruction...]   Run an instruction, or the tasks listed in config")
	fmt.Fprintln(w, "  tools                  List tools discovered from the MCP servers")
	fmt.Fprintln(w, "  check                  Run pre-flight, provider and session checks")
	fmt.Fprintln(w, "  history [limit]        List archived tasks (needs archive.path)")
	fmt.Fprintln(w, "  transcript <task-id>   Print an archived task transcript")
	fmt.Fprintln(w, "  init [dir]             Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runInit writes the bundled example configuration into dir. An
// existing config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(path, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "kept existing %s\n", path)
	}
	fmt.Fprintln(w, "Edit mcp.servers and the model settings before running tasks.")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
// The config can hold API keys and DSNs, hence the caller-chosen mode.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}

// loadConfig locates and parses the YAML configuration and builds the
// logger it asks for. If explicit is non-empty, that exact path is used.
func loadConfig(explicit string, logw io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logger, err := config.NewLogger(logw, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "version", buildinfo.Version)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
