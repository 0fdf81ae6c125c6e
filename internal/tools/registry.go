// Package tools holds the registry and executor for dispatchable tools:
// local handlers, MCP server tools, and provider-handled capabilities.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/michaelbrown/relay/internal/llm"
)

// Handler executes one tool call. Handlers must be safe to invoke
// concurrently with distinct arguments; the context carries cancellation
// and the caller identity (see WithCaller).
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema for the arguments
	Handler     Handler
	// ProviderHandled marks a capability the provider resolves server-side.
	// It is advertised to the model but never dispatched locally.
	ProviderHandled bool
	// MaxConcurrent caps in-flight invocations of this tool across the
	// process. Zero means unlimited.
	MaxConcurrent int
	// Timeout bounds one invocation. Zero applies the registry default.
	Timeout time.Duration
}

type entry struct {
	def Definition
	sem chan struct{} // nil when unbounded
}

// Registry maps tool names to definitions. It is read-mostly and safe for
// concurrent lookups; the per-tool semaphores are the only mutable state
// touched during execution.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*entry
	defaultTimeout time.Duration
}

const defaultTimeout = 60 * time.Second

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:          make(map[string]*entry),
		defaultTimeout: defaultTimeout,
	}
}

// SetDefaultTimeout changes the timeout applied to tools that don't set
// their own.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.mu.Lock()
		r.defaultTimeout = d
		r.mu.Unlock()
	}
}

// Register adds a definition. Duplicate names, empty names, missing
// handlers on dispatchable tools, and malformed schemas are rejected at
// registration time, not at first call.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if !def.ProviderHandled && def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if err := checkSchema(def.Schema); err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	e := &entry{def: def}
	if def.MaxConcurrent > 0 {
		e.sem = make(chan struct{}, def.MaxConcurrent)
	}
	r.tools[def.Name] = e
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Defs returns the declarations advertised to the model, provider-handled
// entries included.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolDef, 0, len(r.tools))
	for _, e := range r.tools {
		schema := e.def.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, llm.ToolDef{
			Name:            e.def.Name,
			Description:     e.def.Description,
			Parameters:      schema,
			ProviderHandled: e.def.ProviderHandled,
		})
	}
	return out
}

// Retain drops every tool not in names. A nil or empty filter keeps all,
// so profiles without a tool list leave the registry untouched.
func (r *Registry) Retain(names []string) {
	if len(names) == 0 {
		return
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if !keep[name] {
			delete(r.tools, name)
		}
	}
}

// HasTools reports whether any tools are registered.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools) > 0
}

// ProviderHandled reports whether a name refers to a provider-handled
// capability.
func (r *Registry) ProviderHandled(name string) bool {
	def, ok := r.Get(name)
	return ok && def.ProviderHandled
}

// checkSchema verifies the declared parameter schema is a well-formed
// object schema. nil means "no arguments" and is allowed.
func checkSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if t, ok := schema["type"]; ok {
		if s, isStr := t.(string); !isStr || s != "object" {
			return fmt.Errorf("schema type must be \"object\", got %v", t)
		}
	}
	if props, ok := schema["properties"]; ok {
		if _, isMap := props.(map[string]any); !isMap {
			return fmt.Errorf("schema properties must be an object")
		}
	}
	if req, ok := schema["required"]; ok {
		switch v := req.(type) {
		case []string:
		case []any:
			for _, f := range v {
				if _, isStr := f.(string); !isStr {
					return fmt.Errorf("schema required entries must be strings")
				}
			}
		default:
			return fmt.Errorf("schema required must be an array")
		}
	}
	return nil
}
