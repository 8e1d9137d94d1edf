// Package memory holds the conversation state of the agent: a bounded
// in-process window that is sent to the model each round, and an
// optional SQLite archive that keeps every message of every task.
package memory

import (
	"sync"

	"github.com/nugget/mcpagent/internal/llm"
)

// DefaultCapacity is the window size used when none is configured.
const DefaultCapacity = 1000

// Window is a fixed-capacity ring of conversation messages. When full,
// each append evicts the oldest message; the message just appended is
// never the one evicted. Append and eviction are O(1).
type Window struct {
	mu      sync.Mutex
	buf     []llm.Message
	head    int // index of the oldest message
	size    int
	seq     uint64
	onEvict func(llm.Message)
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithEvictHook registers fn to receive each evicted message. It runs
// on the appending goroutine after the window lock is released.
func WithEvictHook(fn func(llm.Message)) WindowOption {
	return func(w *Window) { w.onEvict = fn }
}

// NewWindow creates a window holding at most capacity messages. A
// capacity below 1 means DefaultCapacity.
func NewWindow(capacity int, opts ...WindowOption) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	w := &Window{buf: make([]llm.Message, capacity)}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Append stores msg and returns the stored copy with its Seq assigned.
// Seq starts at 1 and increases by one per append for the life of the
// window, across evictions and resets.
func (w *Window) Append(msg llm.Message) llm.Message {
	var evicted llm.Message
	var didEvict bool

	w.mu.Lock()
	w.seq++
	msg.Seq = w.seq

	if w.size == len(w.buf) {
		evicted = w.buf[w.head]
		didEvict = true
		w.buf[w.head] = msg
		w.head = (w.head + 1) % len(w.buf)
	} else {
		w.buf[(w.head+w.size)%len(w.buf)] = msg
		w.size++
	}
	hook := w.onEvict
	w.mu.Unlock()

	if didEvict && hook != nil {
		hook(evicted)
	}
	return msg
}

// Snapshot returns the retained messages, oldest first. The slice is a
// copy; the messages' ToolCalls and Arguments are shared and must not
// be modified.
func (w *Window) Snapshot() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]llm.Message, w.size)
	for i := range w.size {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of retained messages.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Cap returns the capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Reset drops every retained message without calling the evict hook.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.buf)
	w.head = 0
	w.size = 0
}
