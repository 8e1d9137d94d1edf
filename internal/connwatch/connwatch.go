// Package connwatch keeps MCP tool provider sessions healthy.
//
// Each Watcher drives one session in two phases:
//  1. Startup: probe with exponential backoff (1s, 2s, 4s, ... capped
//     at 30s) until the session is ready or retries run out. The
//     session's handshake happens inside the probe.
//  2. Background: periodic pings with state-transition callbacks.
//
// Callers block on [Watcher.WaitReady] to learn the startup outcome.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStartupFailed is returned by WaitReady when every startup attempt
// failed.
var ErrStartupFailed = errors.New("connwatch: startup retries exhausted")

// ProbeFunc checks whether a session is usable. Return nil if healthy.
// *mcp.Client.HealthCheck fits.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 5).
	MaxRetries int

	// PollInterval is the background ping interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call. It must cover the MCP
	// handshake (default: 30s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, 8s, 16s startup backoff with
// 30-second background pings.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 30 * time.Second,
	}
}

// WatcherConfig configures a single session watcher.
type WatcherConfig struct {
	// Name identifies the session in logs (the MCP server name).
	Name string

	// Probe checks session health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady runs on each not-ready to ready transition, on the watcher
	// goroutine, before the transition is published. A non-nil error
	// counts as a failed probe. Typically performs tool discovery.
	// Optional.
	OnReady func(ctx context.Context) error

	// OnDown runs in a separate goroutine when a ready session stops
	// answering. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// SessionStatus is the health of a watched session.
type SessionStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single session.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	settled    chan struct{} // closed when the startup phase ends
	startupErr error         // written before settled is closed

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the session is currently usable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() SessionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := SessionStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// WaitReady blocks until the startup phase ends. It returns nil when
// the session became ready (and OnReady succeeded), an error wrapping
// ErrStartupFailed and the last probe error when retries ran out, or
// ctx's error.
func (w *Watcher) WaitReady(ctx context.Context) error {
	select {
	case <-w.settled:
		return w.startupErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// startup probes with backoff until ready or out of retries. It returns
// false if ctx ended.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	settle := func(err error) {
		w.startupErr = err
		close(w.settled)
	}

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.attempt(ctx)
		if err == nil {
			w.ready.Store(true)
			logger.Info("mcp server ready",
				"mcp_server", w.config.Name,
				"after_attempts", attempt,
			)
			settle(nil)
			return true
		}

		if ctx.Err() != nil {
			settle(ctx.Err())
			return false
		}

		if attempt == cfg.MaxRetries {
			logger.Warn("mcp server startup failed, entering background polling",
				"mcp_server", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			settle(fmt.Errorf("%w: %s after %d attempts: %w", ErrStartupFailed, w.config.Name, attempt, err))
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"mcp_server", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			settle(ctx.Err())
			return false
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	// MaxRetries is at least 1 after defaults.
	settle(ErrStartupFailed)
	return true
}

// poll runs one background check and reports transitions.
func (w *Watcher) poll(ctx context.Context) {
	logger := w.config.Logger
	wasReady := w.ready.Load()

	if wasReady {
		err := w.probe(ctx)
		w.recordResult(err)
		if err == nil {
			return
		}
		w.ready.Store(false)
		logger.Warn("mcp server became unreachable",
			"mcp_server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
		return
	}

	if err := w.attempt(ctx); err != nil {
		logger.Debug("mcp server still unreachable",
			"mcp_server", w.config.Name,
			"error", err,
		)
		return
	}
	w.ready.Store(true)
	logger.Info("mcp server recovered", "mcp_server", w.config.Name)
}

// attempt probes and, on success, runs OnReady. The recorded result
// covers both.
func (w *Watcher) attempt(ctx context.Context) error {
	err := w.probe(ctx)
	if err == nil && w.config.OnReady != nil {
		if err = w.config.OnReady(ctx); err != nil {
			err = fmt.Errorf("on ready: %w", err)
		}
	}
	w.recordResult(err)
	return err
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers of all configured sessions.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	order    []string
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = withDefaults(cfg.Backoff)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config:  cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.watchers[cfg.Name]; !ok {
		m.order = append(m.order, cfg.Name)
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

func withDefaults(b BackoffConfig) BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WaitReady waits for the startup phase of every watcher and returns
// the failures joined, in registration order.
func (m *Manager) WaitReady(ctx context.Context) error {
	var errs []error
	for _, w := range m.list() {
		if err := w.WaitReady(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the health of all watched sessions.
func (m *Manager) Status() map[string]SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]SessionStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	for _, w := range m.list() {
		w.Stop()
	}
}

func (m *Manager) list() []*Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Watcher, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.watchers[name])
	}
	return out
}
