package tools

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Collision records a tool name offered by more than one client. The
// winner is the client that registered first; the loser's tool is not
// reachable under that name.
type Collision struct {
	Name   string `json:"name"`
	Winner string `json:"winner"`
	Loser  string `json:"loser"`
}

// entry is the uniform record stored per resolvable tool.
type entry struct {
	clientID string
	spec     Spec
}

// snapshot is an immutable view of the registry. Writers build a new
// one and swap it in; readers load the pointer and never lock.
type snapshot struct {
	clients    []string          // first-registration order
	byClient   map[string][]Spec // declared order per client
	ordered    []entry
	byName     map[string]entry
	collisions []Collision
}

// Registry holds the tools discovered from one or more clients and
// resolves a tool name to the client that owns it.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(&snapshot{
		byClient: map[string][]Spec{},
		byName:   map[string]entry{},
	})
	return r
}

// Register replaces the tool set of clientID with specs. A concurrent
// Resolve sees either the complete old set or the complete new set.
// Name collisions with other clients are recorded, never fatal.
func (r *Registry) Register(clientID string, specs []Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	clients := old.clients
	if _, ok := old.byClient[clientID]; !ok {
		clients = append(slices.Clone(old.clients), clientID)
	}

	byClient := make(map[string][]Spec, len(old.byClient)+1)
	for id, s := range old.byClient {
		byClient[id] = s
	}
	byClient[clientID] = slices.Clone(specs)

	next := r.build(old, clients, byClient)
	r.current.Store(next)

	r.logger.Debug("registered tools",
		"client", clientID,
		"count", len(specs),
		"total", len(next.ordered),
	)
}

// Unregister drops every tool owned by clientID. Tools of other clients
// that were shadowed by it become resolvable.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, ok := old.byClient[clientID]; !ok {
		return
	}

	clients := make([]string, 0, len(old.clients))
	byClient := make(map[string][]Spec, len(old.byClient))
	for _, id := range old.clients {
		if id == clientID {
			continue
		}
		clients = append(clients, id)
		byClient[id] = old.byClient[id]
	}

	r.current.Store(r.build(old, clients, byClient))
	r.logger.Debug("unregistered tools", "client", clientID)
}

// build assembles a snapshot. Order is client registration order, then
// declared order within a client; the first owner of a name wins. Only
// collisions absent from old are logged.
func (r *Registry) build(old *snapshot, clients []string, byClient map[string][]Spec) *snapshot {
	s := &snapshot{
		clients:  clients,
		byClient: byClient,
		byName:   make(map[string]entry),
	}

	for _, id := range clients {
		for _, spec := range byClient[id] {
			if prev, ok := s.byName[spec.Name]; ok {
				c := Collision{Name: spec.Name, Winner: prev.clientID, Loser: id}
				s.collisions = append(s.collisions, c)
				if slices.Contains(old.collisions, c) {
					continue
				}
				r.logger.Warn("tool name collision, keeping first registration",
					"tool", c.Name,
					"winner", c.Winner,
					"loser", c.Loser,
				)
				continue
			}
			e := entry{clientID: id, spec: spec}
			s.byName[spec.Name] = e
			s.ordered = append(s.ordered, e)
		}
	}
	return s
}

// Resolve returns the owning client id and spec for name. It fails with
// an [*UnknownToolError] when no client provides the tool.
func (r *Registry) Resolve(name string) (string, Spec, error) {
	e, ok := r.current.Load().byName[name]
	if !ok {
		return "", Spec{}, &UnknownToolError{ToolName: name}
	}
	return e.clientID, e.spec, nil
}

// All returns every resolvable tool in stable discovery order.
func (r *Registry) All() []Spec {
	s := r.current.Load()
	out := make([]Spec, len(s.ordered))
	for i, e := range s.ordered {
		out[i] = e.spec
	}
	return out
}

// Len returns the number of resolvable tools.
func (r *Registry) Len() int {
	return len(r.current.Load().ordered)
}

// Clients returns the registered client ids in registration order.
func (r *Registry) Clients() []string {
	return slices.Clone(r.current.Load().clients)
}

// Collisions returns the name collisions detected by the latest
// registration.
func (r *Registry) Collisions() []Collision {
	return slices.Clone(r.current.Load().collisions)
}

// Definitions returns all tools in the OpenAI function-calling shape
// used by Ollama-compatible chat APIs.
func (r *Registry) Definitions() []map[string]any {
	return Definitions(r.All())
}

// Definitions renders specs in the OpenAI function-calling shape.
func Definitions(specs []Spec) []map[string]any {
	result := make([]map[string]any, 0, len(specs))
	for _, t := range specs {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters(),
			},
		})
	}
	return result
}
