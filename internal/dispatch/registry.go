package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cmdbox/internal/broker"
)

// Request is what a handler sees of an inbound command
type Request struct {
	Service    string // service name without node suffix
	Node       string // scoped node name, equal to Service outside a cluster
	Command    string
	ResKey     string
	Params     []string
	Redirected bool // true for copies forwarded by a peer node
	Broker     *broker.Broker
}

// HandlerFunc executes one command. The returned value becomes the success
// payload; a *Reply is passed through unchanged; a *Warning error becomes a
// warn envelope and any other error an error envelope.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Command describes a registered command
type Command struct {
	Name            string
	Description     string
	ClusterRedirect bool
	Handler         HandlerFunc
}

// Warning is an error that is reported as a warn envelope
type Warning struct {
	Message string
}

func (w *Warning) Error() string {
	return w.Message
}

// Warnf builds a Warning
func Warnf(format string, args ...any) error {
	return &Warning{Message: fmt.Sprintf(format, args...)}
}

// Registry maps command names to handlers
type Registry struct {
	commands map[string]Command
	mutex    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// DefaultRegistry is filled by packages registering commands in init
var DefaultRegistry = NewRegistry()

// Register adds cmd. Names must be unique and free of whitespace.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || ContainsWhitespace(cmd.Name) {
		return fmt.Errorf("invalid command name %q", cmd.Name)
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s has no handler", cmd.Name)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %s already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Lookup returns the command registered under name
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered command names, sorted
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands returns every registered command, sorted by name
func (r *Registry) Commands() []Command {
	names := r.Names()
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	cmds := make([]Command, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, r.commands[name])
	}
	return cmds
}

// Register adds cmd to DefaultRegistry and panics on conflicts
func Register(cmd Command) {
	if err := DefaultRegistry.Register(cmd); err != nil {
		panic(err)
	}
}

// toReply converts a handler outcome into an envelope
func toReply(value any, err error) *Reply {
	if err != nil {
		var warning *Warning
		if errors.As(err, &warning) {
			return &Reply{Warn: warning.Message}
		}
		return &Reply{Error: err.Error()}
	}
	if reply, ok := value.(*Reply); ok && reply.Kind() != "" {
		return reply
	}
	if value == nil {
		value = map[string]any{}
	}
	return SuccessReply(value)
}
