package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	ErrDuplicateTool = errors.New("tools: tool already claimed")
	ErrUnknownTool   = errors.New("tools: unknown tool")
)

// HandlerFunc executes one invocation with raw arguments
type HandlerFunc func(ctx context.Context, call *Call) (Outcome, error)

// ToolDef defines a claimed tool
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Registry stores the tools this runtime claims. At most one handler
// per tool name; claiming a name twice is a startup error. Arguments
// are validated against the tool's schema before its handler runs.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]HandlerFunc
	resolved map[string]*jsonschema.Resolved
	order    []string
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]HandlerFunc),
		resolved: make(map[string]*jsonschema.Resolved),
	}
}

// Register adds a tool whose schema is generated from P unless the def
// carries one already
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, call *Call, params P) (Outcome, error)) error {
	if def.InputSchema == nil {
		schema, err := jsonschema.For[P](nil)
		if err != nil {
			return fmt.Errorf("generating schema for %s: %w", def.Name, err)
		}
		def.InputSchema = schema
	}

	wrapped := func(ctx context.Context, call *Call) (Outcome, error) {
		var params P
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &params); err != nil {
				return Outcome{}, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		return handler(ctx, call, params)
	}

	return r.RegisterRaw(def, wrapped)
}

// RegisterRaw adds a tool with an untyped handler. Used by the MCP
// bridge, which gets both schema and handler from the remote server.
func (r *Registry) RegisterRaw(def ToolDef, handler HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}

	if def.InputSchema != nil {
		resolved, err := def.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolving schema for %s: %w", def.Name, err)
		}
		r.resolved[def.Name] = resolved
	}

	r.tools[def.Name] = &def
	r.handlers[def.Name] = handler
	r.order = append(r.order, def.Name)
	return nil
}

// Claimed reports whether a handler claims the tool name
func (r *Registry) Claimed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// AllTools returns definitions in registration order
func (r *Registry) AllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if def, ok := r.tools[name]; ok {
			tools = append(tools, def)
		}
	}
	return tools
}

// call validates arguments and runs the handler
func (r *Registry) call(ctx context.Context, call *Call) (Outcome, error) {
	r.mu.RLock()
	handler, ok := r.handlers[call.Tool]
	resolved := r.resolved[call.Tool]
	r.mu.RUnlock()

	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
	}

	if resolved != nil && len(call.Arguments) > 0 {
		var instance any
		if err := json.Unmarshal(call.Arguments, &instance); err != nil {
			return Outcome{}, fmt.Errorf("invalid arguments: %w", err)
		}
		if err := resolved.Validate(instance); err != nil {
			return Outcome{}, fmt.Errorf("arguments rejected by schema: %w", err)
		}
	}

	return handler(ctx, call)
}
