package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpagent/internal/buildinfo"
	"github.com/nugget/mcpagent/internal/tools"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

const (
	// DefaultRequestTimeout bounds a single request/response exchange.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultInitTimeout bounds the whole handshake.
	DefaultInitTimeout = 30 * time.Second

	// maxListPages stops a provider that never stops returning a cursor.
	maxListPages = 64

	// levelTrace mirrors config.LevelTrace for wire-level payloads.
	levelTrace = slog.Level(-8)
)

// SessionState is the lifecycle state of a [Client].
type SessionState int32

// Session states. Closed and Failed are terminal.
const (
	StateUninitialized SessionState = iota
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

// String returns the lowercase name of the state.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is one page of a tools/list response.
type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ServerInfo identifies the tool provider, as reported by initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    struct {
		Tools *struct{} `json:"tools,omitempty"`
	} `json:"capabilities"`
}

// ClientOptions tunes a [Client].
type ClientOptions struct {
	// RequestTimeout bounds each request. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// InitTimeout bounds the handshake. Zero means DefaultInitTimeout.
	InitTimeout time.Duration

	// Logger is scoped with the server name by NewClient.
	Logger *slog.Logger
}

// Client speaks MCP to a single tool provider over a [LineConn].
// Requests from any number of goroutines are multiplexed on the one
// connection; a background reader routes each response to its caller by
// request id.
type Client struct {
	name   string
	conn   LineConn
	opts   ClientOptions
	logger *slog.Logger
	nextID atomic.Int64

	writeMu sync.Mutex // one line on the wire at a time
	hsMu    sync.Mutex // one handshake at a time

	mu      sync.Mutex
	state   SessionState
	pending map[int64]chan *Response
	failErr error // set once the session can no longer carry requests
	server  ServerInfo

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewClient wraps conn and starts reading from it. The session starts
// Uninitialized; call HealthCheck to perform the handshake. The caller
// must Close the client, which also closes conn.
func NewClient(name string, conn LineConn, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		name:       name,
		conn:       conn,
		opts:       opts,
		logger:     logger.With("mcp_server", name),
		pending:    make(map[int64]chan *Response),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns what the provider reported during the handshake.
// It is zero until the session is Ready.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// HealthCheck brings the session to Ready. An Uninitialized session
// performs the initialize handshake followed by a ping; a Ready session
// only pings. Every failure wraps [ErrUnreachable]. A handshake that
// failed without losing the connection leaves the session Uninitialized
// so it can be retried.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.hsMu.Lock()
	defer c.hsMu.Unlock()

	c.mu.Lock()
	state, failErr := c.state, c.failErr
	if state == StateUninitialized {
		c.state = StateHandshaking
	}
	c.mu.Unlock()

	switch state {
	case StateReady:
		if _, err := c.roundTrip(ctx, "ping", nil, c.opts.RequestTimeout); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnreachable, c.name, err)
		}
		return nil
	case StateClosed, StateFailed:
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, c.name, failErr)
	}

	if err := c.handshake(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateHandshaking {
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, c.name, err)
	}
	return nil
}

// handshake sends initialize, the initialized notification and a ping.
func (c *Client) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      buildinfo.ClientInfo(),
	}

	raw, err := c.roundTrip(ctx, "initialize", params, c.opts.InitTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: unmarshal initialize result: %w", ErrProtocol, err)
	}

	// Send the initialized notification to complete the handshake.
	if err := c.write(NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	if _, err := c.roundTrip(ctx, "ping", nil, c.opts.InitTimeout); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	info := result.ServerInfo
	info.ProtocolVersion = result.ProtocolVersion

	c.mu.Lock()
	if c.state != StateHandshaking {
		// Closed or failed underneath us.
		err := c.failErr
		c.mu.Unlock()
		return err
	}
	c.state = StateReady
	c.server = info
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list, following pagination, and returns the
// tools in the order the provider declared them.
func (c *Client) ListTools(ctx context.Context) ([]tools.Spec, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	var (
		specs  []tools.Spec
		cursor string
	)
	for page := 0; ; page++ {
		if page == maxListPages {
			return nil, fmt.Errorf("%w: tools/list: gave up after %d pages", ErrProtocol, maxListPages)
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.roundTrip(ctx, "tools/list", params, c.opts.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("%w: unmarshal tools/list result: %w", ErrProtocol, err)
		}
		for _, t := range result.Tools {
			if t.Name == "" {
				c.logger.Warn("skipping unnamed tool in tools/list")
				continue
			}
			specs = append(specs, tools.Spec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.logger.Info("discovered MCP tools", "count", len(specs))
	return specs, nil
}

// CallTool invokes call.ToolName with call.Arguments. A result the
// provider flags with isError is returned as a [tools.Result] with
// IsError set, not as an error; errors are reserved for the session
// (timeouts, protocol violations, process exit). Non-text content
// blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, call tools.Call) (tools.Result, error) {
	if err := c.requireReady(); err != nil {
		return tools.Result{}, err
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      call.ToolName,
		"arguments": args,
	}

	raw, err := c.roundTrip(ctx, "tools/call", params, c.opts.RequestTimeout)
	if err != nil {
		return tools.Result{}, fmt.Errorf("tools/call %s: %w", call.ToolName, err)
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return tools.Result{}, fmt.Errorf("%w: unmarshal tools/call result: %w", ErrProtocol, err)
	}

	return tools.Result{
		CorrelationID: call.CorrelationID,
		Content:       extractText(result.Content),
		IsError:       result.IsError,
	}, nil
}

// Close fails every pending request with [ErrClosed], closes the
// connection and waits for the reader to stop. Only the first call does
// any work.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing MCP client")

		c.mu.Lock()
		c.state = StateClosed
		c.failErr = ErrClosed
		c.failPendingLocked()
		c.mu.Unlock()

		c.closeErr = c.conn.Close()
		<-c.readerDone
	})
	return c.closeErr
}

// requireReady returns nil for a Ready session and the reason it cannot
// carry requests otherwise.
func (c *Client) requireReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateClosed, StateFailed:
		return c.failErr
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, c.name, c.state)
	}
}

// roundTrip issues a request and waits for its response. The pending
// slot is registered before the request is written, so a fast response
// can never race its waiter.
func (c *Client) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	slot := make(chan *Response, 1)

	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = slot
	c.mu.Unlock()

	if err := c.write(NewRequest(id, method, params)); err != nil {
		c.abandon(id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-slot:
		if !ok {
			return nil, c.sessionErr()
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, method, resp.Error)
		}
		if len(resp.Result) == 0 {
			return nil, fmt.Errorf("%w: %s: response has neither result nor error", ErrProtocol, method)
		}
		return resp.Result, nil

	case <-ctx.Done():
		c.abandon(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (id %d) after %s", ErrTimeout, method, id, timeout)
		}
		return nil, ctx.Err()
	}
}

// abandon forgets a request id. A response that arrives later is
// dropped by the reader.
func (c *Client) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// sessionErr returns the error that ended the session.
func (c *Client) sessionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr == nil {
		return ErrClosed
	}
	return c.failErr
}

// write marshals v and sends it as one line.
func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.logger.Log(context.Background(), levelTrace, "MCP send", "line", string(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Send(data)
}

// readLoop is the only reader of the connection. It exits when the
// connection fails or is closed.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		line, err := c.conn.ReceiveLine()
		if err != nil {
			c.fail(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
}

// dispatch routes one inbound line.
func (c *Client) dispatch(line []byte) {
	c.logger.Log(context.Background(), levelTrace, "MCP recv", "line", string(line))

	msg, kind, err := decodeInbound(line)
	if err != nil {
		c.logger.Warn("discarding malformed line from MCP server",
			"error", err,
			"line", truncate(string(line), 200),
		)
		return
	}

	switch kind {
	case kindResponse:
		id, ok := msg.responseID()
		if !ok {
			c.logger.Warn("discarding response with non-integer id", "id", string(msg.ID))
			return
		}

		c.mu.Lock()
		slot := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()

		if slot == nil {
			c.logger.Debug("dropping response for abandoned request", "id", id)
			return
		}
		slot <- &Response{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result, Error: msg.Error}

	case kindNotification:
		if msg.Method == "notifications/message" {
			c.logger.Info("MCP server message", "params", string(msg.Params))
			return
		}
		c.logger.Debug("MCP notification", "method", msg.Method)

	case kindServerRequest:
		c.answer(msg)
	}
}

// answer responds to a request the server sent us. Only ping is
// supported; the client exposes no other capabilities.
func (c *Client) answer(msg inbound) {
	resp := serverResponse{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = map[string]any{}
	} else {
		c.logger.Debug("rejecting server request", "method", msg.Method)
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	if err := c.write(resp); err != nil {
		c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

// fail records the reader's terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}

	switch {
	case errors.Is(err, ErrProcessTerminated), errors.Is(err, ErrClosed):
	case errors.Is(err, io.EOF):
		err = fmt.Errorf("%w: stdout closed", ErrProcessTerminated)
	default:
		err = fmt.Errorf("%w: %w", ErrProcessTerminated, err)
	}

	c.logger.Error("MCP session failed", "state", c.state, "error", err)
	c.state = StateFailed
	c.failErr = err
	c.failPendingLocked()
}

// failPendingLocked closes every pending slot; waiters then read
// failErr. Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for id, slot := range c.pending {
		close(slot)
		delete(c.pending, id)
	}
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
