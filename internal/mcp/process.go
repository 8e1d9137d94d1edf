package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultGracePeriod is how long Close waits for the subprocess to
	// exit after its stdin is closed before killing it.
	DefaultGracePeriod = 5 * time.Second

	// exitObserveWindow bounds how long a failed read or write waits for
	// the exit status, so a broken pipe can be reported as the process
	// termination it usually is.
	exitObserveWindow = 250 * time.Millisecond

	// stderrTailLines is how many trailing stderr lines are kept for
	// ProcessTerminatedError diagnostics.
	stderrTailLines = 10
)

// ProcessConfig configures a tool-provider subprocess whose stdin and
// stdout carry newline-delimited JSON-RPC.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable, e.g. the
	// flag that puts it in tool-server mode.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// GracePeriod overrides DefaultGracePeriod.
	GracePeriod time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Process owns a running tool-provider subprocess and its three standard
// streams. It is the only holder of the OS process handle; Close releases
// it exactly once.
type Process struct {
	config ProcessConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	reader *bufio.Reader

	writeMu sync.Mutex
	readMu  sync.Mutex

	exited   chan struct{}
	exitCode int
	waitErr  error

	stderrDone chan struct{}
	tailMu     sync.Mutex
	tail       []string

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches the subprocess and starts draining its stderr.
// The returned Process must be closed by the caller.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// Own the read ends of stdout and stderr instead of using
	// StdoutPipe/StderrPipe: exec.Cmd.Wait closes those as soon as the
	// process exits, which would drop output still sitting in the pipe.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	// The child holds its own copies of the write ends; ours must go so
	// the read ends see EOF when it exits.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		config:     cfg,
		logger:     logger.With("pid", cmd.Process.Pid),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		stderr:     stderrR,
		reader:     bufio.NewReaderSize(stdoutR, 1<<20), // 1 MiB buffer for large responses
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go p.drainStderr()
	go p.wait()

	p.logger.Info("MCP subprocess started")
	return p, nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the subprocess has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code, or -1 while the process is running or
// when it was killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

// Send writes line followed by a newline to the subprocess stdin.
func (p *Process) Send(line []byte) error {
	if p.closing.Load() {
		return ErrClosed
	}
	if p.hasExited() {
		return p.terminated()
	}

	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	p.writeMu.Lock()
	_, err := p.stdin.Write(buf)
	p.writeMu.Unlock()
	if err == nil {
		return nil
	}

	if p.closing.Load() {
		return ErrClosed
	}
	if p.awaitExit() {
		return p.terminated()
	}
	return fmt.Errorf("write to subprocess stdin: %w", err)
}

// ReceiveLine returns the next line from the subprocess stdout without
// its trailing newline. Lines the subprocess wrote before exiting are
// still delivered; after that every call fails with a
// [*ProcessTerminatedError].
func (p *Process) ReceiveLine() ([]byte, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.closing.Load() {
		return nil, ErrClosed
	}

	line, err := p.reader.ReadBytes('\n')
	if err == nil || (errors.Is(err, io.EOF) && len(line) > 0) {
		return bytes.TrimRight(line, "\r\n"), nil
	}

	if p.closing.Load() {
		return nil, ErrClosed
	}
	if p.awaitExit() {
		return nil, p.terminated()
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read from subprocess stdout: %w", err)
}

// Close terminates the subprocess and releases its streams. It closes
// stdin, waits up to the grace period for a voluntary exit, then kills
// the process. The stderr drain goroutine is always joined before Close
// returns. Only the first call does any work.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}

// shutdown performs the one-time termination sequence for Close.
func (p *Process) shutdown() error {
	p.closing.Store(true)
	p.logger.Info("stopping MCP subprocess")

	// Close stdin to signal the subprocess to exit.
	p.stdin.Close()

	killed := false
	select {
	case <-p.exited:
	case <-time.After(p.config.GracePeriod):
		p.logger.Warn("MCP subprocess did not exit gracefully, killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
		killed = true
	}

	// A grandchild may still hold the stderr write end open; closing our
	// read end forces the drain goroutine out.
	select {
	case <-p.stderrDone:
	case <-time.After(p.config.GracePeriod):
		p.stderr.Close()
		<-p.stderrDone
	}
	p.stderr.Close()
	p.stdout.Close()

	if killed {
		return nil
	}
	return p.waitErr
}

// wait reaps the subprocess and records its exit status.
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.waitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()
	close(p.exited)

	if p.closing.Load() {
		p.logger.Info("MCP subprocess exited", "exit_code", p.exitCode)
		return
	}
	p.logger.Warn("MCP subprocess exited unexpectedly",
		"exit_code", p.exitCode,
		"error", err,
	)
}

// drainStderr reads stderr lines and logs them at debug level. Overlong
// lines are logged in chunks so a chatty subprocess can never fill the
// pipe and stall its stdout.
func (p *Process) drainStderr() {
	defer close(p.stderrDone)

	r := bufio.NewReaderSize(p.stderr, 64*1024)
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			line := string(bytes.TrimRight(chunk, "\r\n"))
			p.logger.Debug("MCP subprocess stderr", "line", line)
			p.recordStderr(line)
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// recordStderr keeps the last stderrTailLines lines for diagnostics.
func (p *Process) recordStderr(line string) {
	if line == "" {
		return
	}
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
}

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// awaitExit waits briefly for the exit status after an I/O failure.
func (p *Process) awaitExit() bool {
	timer := time.NewTimer(exitObserveWindow)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

// terminated builds the error reported once the process has exited.
// Caller must have observed p.exited.
func (p *Process) terminated() error {
	// Give the drain a moment to collect the last lines the process wrote.
	select {
	case <-p.stderrDone:
	case <-time.After(exitObserveWindow):
	}

	p.tailMu.Lock()
	tail := append([]string(nil), p.tail...)
	p.tailMu.Unlock()
	return &ProcessTerminatedError{ExitCode: p.exitCode, Stderr: tail}
}
