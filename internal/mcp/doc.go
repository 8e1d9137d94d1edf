// Package mcp implements the client side of the Model Context Protocol
// over a subprocess's standard streams.
//
// A [Process] owns the tool-provider subprocess and frames its stdin and
// stdout as lines. A [Client] speaks JSON-RPC 2.0 on those lines:
// initialize and ping during [Client.HealthCheck], tools/list and
// tools/call afterwards. Responses are matched to requests by id, so any
// number of goroutines may share one session. [Discover] lists a
// session's tools into a [tools.Registry].
//
// The agent never acts as an MCP server; requests the provider sends
// (other than ping) are answered with "method not found".
package mcp
