package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/mcpagent/internal/agent"
	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/connwatch"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/tools"
)

// toolHost owns every MCP session of one invocation: the subprocesses,
// their protocol clients, the health watchers and the shared registry.
type toolHost struct {
	registry *tools.Registry
	manager  *connwatch.Manager
	clients  map[string]*mcp.Client
	order    []string
	logger   *slog.Logger
}

// startSessions launches every configured server and starts watching
// it. Discovery runs from each watcher's OnReady, so tools appear in the
// registry once [toolHost.waitReady] returns. A server that cannot be
// spawned at all fails the whole call; sessions started so far are
// closed.
func startSessions(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) (*toolHost, error) {
	h := &toolHost{
		registry: tools.NewRegistry(logger),
		manager:  connwatch.NewManager(logger),
		clients:  make(map[string]*mcp.Client),
		logger:   logger,
	}

	for _, s := range servers {
		proc, err := mcp.StartProcess(mcp.ProcessConfig{
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.EnvList(),
			Dir:         s.Dir,
			GracePeriod: s.GracePeriod,
			Logger:      logger.With("mcp_server", s.Name),
		})
		if err != nil {
			h.Close()
			return nil, err
		}

		client := mcp.NewClient(s.Name, proc, mcp.ClientOptions{
			RequestTimeout: s.RequestTimeout,
			InitTimeout:    s.InitTimeout,
			Logger:         logger,
		})
		h.clients[s.Name] = client
		h.order = append(h.order, s.Name)

		opts := mcp.DiscoverOptions{
			Include:   s.IncludeTools,
			Exclude:   s.ExcludeTools,
			Namespace: s.Namespace,
		}
		h.manager.Watch(ctx, connwatch.WatcherConfig{
			Name:  s.Name,
			Probe: client.HealthCheck,
			OnReady: func(ctx context.Context) error {
				n, err := mcp.Discover(ctx, client, h.registry, opts)
				if err != nil {
					return err
				}
				info := client.ServerInfo()
				logger.Info("MCP tools discovered",
					"mcp_server", s.Name,
					"server_name", info.Name,
					"server_version", info.Version,
					"tools", n,
				)
				return nil
			},
			OnDown: func(err error) {
				h.registry.Unregister(s.Name)
				logger.Warn("MCP tools withdrawn", "mcp_server", s.Name, "error", err)
			},
		})
	}
	return h, nil
}

// waitReady blocks until every session has either completed discovery
// or exhausted its startup retries.
func (h *toolHost) waitReady(ctx context.Context) error {
	return h.manager.WaitReady(ctx)
}

// invokers exposes the clients to the agent loop, keyed by the same
// name the registry uses.
func (h *toolHost) invokers() map[string]agent.ToolInvoker {
	out := make(map[string]agent.ToolInvoker, len(h.clients))
	for name, c := range h.clients {
		out[name] = c
	}
	return out
}

// Close stops the watchers, then closes each client, which terminates
// its subprocess.
func (h *toolHost) Close() error {
	h.manager.Stop()

	var errs []error
	for _, name := range h.order {
		if err := h.clients[name].Close(); err != nil {
			h.logger.Warn("MCP session close failed", "mcp_server", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
