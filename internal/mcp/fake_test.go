package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pipeConn is an in-memory LineConn. Whatever the client sends arrives
// at the paired fakeServer and vice versa.
type pipeConn struct {
	toServer   *io.PipeWriter
	fromServer *io.PipeReader
	reader     *bufio.Reader

	mu     sync.Mutex
	closed bool
}

func (p *pipeConn) Send(line []byte) error {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'
	if _, err := p.toServer.Write(buf); err != nil {
		if p.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (p *pipeConn) ReceiveLine() ([]byte, error) {
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		if p.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.toServer.Close()
	p.fromServer.Close()
	return nil
}

func (p *pipeConn) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// silence is returned by a handler that must not answer a request.
type silence struct{}

// handlerFunc answers one client request. Each request is handled on
// its own goroutine so responses may be written out of order.
type handlerFunc func(method string, params json.RawMessage) (any, *RPCError)

// fakeServer is a scripted MCP tool provider on the far side of a
// pipeConn.
type fakeServer struct {
	t       *testing.T
	in      *bufio.Reader
	out     *io.PipeWriter
	handler handlerFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	methods   []string          // requests and notifications, in arrival order
	responses map[string]inbound // answers to server-initiated requests, by id
}

// newFakeSession wires a Client to a fakeServer. The client is closed
// when the test ends.
func newFakeSession(t *testing.T, handler handlerFunc, opts ClientOptions) (*Client, *fakeServer) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	srv := &fakeServer{
		t:         t,
		in:        bufio.NewReader(c2sR),
		out:       s2cW,
		handler:   handler,
		responses: make(map[string]inbound),
	}
	go srv.serve()

	conn := &pipeConn{toServer: c2sW, fromServer: s2cR, reader: bufio.NewReader(s2cR)}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := NewClient("fake", conn, opts)
	t.Cleanup(func() {
		client.Close()
		c2sR.Close()
	})
	return client, srv
}

func (s *fakeServer) serve() {
	for {
		line, err := s.in.ReadBytes('\n')
		if err != nil {
			return
		}
		msg, kind, err := decodeInbound(line)
		if err != nil {
			continue
		}

		switch kind {
		case kindNotification:
			s.record(msg.Method)
		case kindResponse:
			s.mu.Lock()
			s.responses[string(msg.ID)] = msg
			s.mu.Unlock()
		case kindServerRequest:
			s.record(msg.Method)
			go s.respond(msg)
		}
	}
}

func (s *fakeServer) respond(req inbound) {
	result, rpcErr := s.handler(req.Method, req.Params)
	if _, ok := result.(silence); ok {
		return
	}
	s.send(serverResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result, Error: rpcErr})
}

func (s *fakeServer) record(method string) {
	s.mu.Lock()
	s.methods = append(s.methods, method)
	s.mu.Unlock()
}

// send writes v as one line to the client.
func (s *fakeServer) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Errorf("fake server marshal: %v", err)
		return
	}
	s.sendRaw(string(data))
}

func (s *fakeServer) sendRaw(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = io.WriteString(s.out, line+"\n")
}

// hangUp closes the server's output, as a crashed provider would.
func (s *fakeServer) hangUp() {
	s.out.Close()
}

func (s *fakeServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// awaitResponse waits for the client to answer the server request id.
func (s *fakeServer) awaitResponse(id string) (inbound, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		msg, ok := s.responses[id]
		s.mu.Unlock()
		if ok {
			return msg, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return inbound{}, false
}

// toolServer builds a handler for a provider exposing defs whose
// tools/call requests are answered by call.
func toolServer(defs []ToolDefinition, call func(name string, args map[string]any) (any, *RPCError)) handlerFunc {
	return func(method string, params json.RawMessage) (any, *RPCError) {
		switch method {
		case "initialize":
			return initializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      ServerInfo{Name: "fake-server", Version: "1.0.0"},
			}, nil
		case "ping":
			return map[string]any{}, nil
		case "tools/list":
			return toolsListResult{Tools: defs}, nil
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &RPCError{Code: -32602, Message: err.Error()}
			}
			if call == nil {
				return nil, &RPCError{Code: codeMethodNotFound, Message: "no tools"}
			}
			return call(p.Name, p.Arguments)
		default:
			return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
		}
	}
}

// textResult builds a tools/call result with a single text block.
func textResult(text string, isError bool) callToolResult {
	return callToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// mustReady performs the handshake or fails the test.
func mustReady(t *testing.T, c *Client) {
	t.Helper()
	if err := c.HealthCheck(t.Context()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

// errAs is errors.As for tests that only need the bool.
func errAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
