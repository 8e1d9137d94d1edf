package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for MCP session failures. Callers match them with
// [errors.Is]; the concrete error usually carries more detail.
var (
	// ErrProcessTerminated means the tool-provider subprocess exited. The
	// whole session is invalid; a new transport must be started.
	ErrProcessTerminated = errors.New("mcp: process terminated")

	// ErrClosed is returned for calls on a transport or client that was
	// closed by its owner.
	ErrClosed = errors.New("mcp: closed")

	// ErrTimeout means no response arrived within the request budget. The
	// request id is abandoned; the session stays usable.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrProtocol means a malformed or unexpected payload. The failing call
	// returns it; the session stays usable.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrNotReady is returned by ListTools and CallTool before a successful
	// HealthCheck.
	ErrNotReady = errors.New("mcp: session not ready")

	// ErrUnreachable wraps any HealthCheck failure.
	ErrUnreachable = errors.New("mcp: server unreachable")
)

// SpawnError is returned when the subprocess could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("start subprocess %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying exec or pipe error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProcessTerminatedError carries the observed exit of the subprocess.
// It matches [ErrProcessTerminated] under [errors.Is].
type ProcessTerminatedError struct {
	// ExitCode is the process exit code, or -1 when it was killed by a
	// signal.
	ExitCode int

	// Stderr holds the last lines the subprocess wrote to its error
	// stream, for diagnostics only.
	Stderr []string
}

// Error implements the error interface.
func (e *ProcessTerminatedError) Error() string {
	msg := fmt.Sprintf("mcp: process terminated (exit code %d)", e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, " | ")
	}
	return msg
}

// Is reports whether target is [ErrProcessTerminated].
func (e *ProcessTerminatedError) Is(target error) bool {
	return target == ErrProcessTerminated
}
