package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tool is one runnable experiment action. Implementations must honor
// ctx cancellation.
type Tool func(ctx context.Context, params map[string]any) (any, error)

// ErrTransient marks a tool failure worth retrying. Tools wrap
// retryable errors with it: fmt.Errorf("%w: connect refused", ErrTransient).
var ErrTransient = errors.New("transient tool failure")

// ToolStateReader gates tools on their lifecycle state in the store.
type ToolStateReader interface {
	ToolState(ctx context.Context, name string) (string, error)
}

// Registry maps tool names to implementations, gated by the store's
// per-tool state: only tools marked active may run.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	states ToolStateReader
}

// NewRegistry builds a registry. states may be nil, in which case every
// registered tool is runnable.
func NewRegistry(states ToolStateReader) *Registry {
	return &Registry{tools: make(map[string]Tool), states: states}
}

// Register adds or replaces a tool implementation.
func (r *Registry) Register(name string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	log.Debug().Str("tool", name).Msg("tool registered")
}

// Names lists registered tools in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Resolve returns the tool if it is registered and active.
func (r *Registry) Resolve(ctx context.Context, name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolNotFoundError{Tool: name}
	}
	if r.states != nil {
		state, err := r.states.ToolState(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("checking tool state: %w", err)
		}
		if state != "" && state != "active" {
			return nil, &ToolNotFoundError{Tool: name}
		}
	}
	return t, nil
}
