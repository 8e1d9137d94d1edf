package mcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/mcpagent/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// DiscoverOptions controls which of a provider's tools are registered
// and under what names.
//
//   - If Include is non-empty, only tools whose provider names appear in it are registered.
//   - Otherwise tools whose provider names appear in Exclude are skipped.
//   - If Namespace is set, names become "mcp_{server}_{tool}".
type DiscoverOptions struct {
	Include   []string
	Exclude   []string
	Namespace bool
}

// Discover lists the tools of a Ready client and registers them on the
// registry under the client's name, replacing whatever that client
// registered before. It returns the number of tools registered.
func Discover(ctx context.Context, client *Client, registry *tools.Registry, opts DiscoverOptions) (int, error) {
	specs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	specs = filterTools(client.Name(), specs, opts)
	registry.Register(client.Name(), specs)

	for _, s := range specs {
		client.logger.Debug("registered MCP tool",
			"mcp_name", s.InvokeName(),
			"name", s.Name,
		)
	}
	return len(specs), nil
}

// filterTools applies the include/exclude sets and optional namespacing.
func filterTools(serverName string, specs []tools.Spec, opts DiscoverOptions) []tools.Spec {
	includeSet := toSet(opts.Include)
	excludeSet := toSet(opts.Exclude)

	out := make([]tools.Spec, 0, len(specs))
	for _, s := range specs {
		if len(includeSet) > 0 {
			if !includeSet[s.Name] {
				continue
			}
		} else if excludeSet[s.Name] {
			continue
		}

		if opts.Namespace {
			s.RemoteName = s.Name
			s.Name = ToolName(serverName, s.Name)
		}
		out = append(out, s)
	}
	return out
}

// ToolName generates a namespaced tool name from a server name and a
// provider tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
