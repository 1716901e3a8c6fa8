package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Registry manages registered tools. Thread-safe for concurrent access;
// in practice all registration happens at startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Duplicate names
// and invalid schemas are startup errors.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.ParamSchema()))
	if err != nil {
		return fmt.Errorf("compiling param schema for %s: %w", name, err)
	}

	r.tools[name] = tool
	r.schemas[name] = schema
	return nil
}

// MustRegister registers each tool and panics on error. For startup
// wiring where a bad tool definition should abort the process.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(fmt.Sprintf("tools.Register: %v", err))
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredScopes returns the deduplicated scopes the named tools need.
// Unknown tool names are an error.
func (r *Registry) RequiredScopes(names []string) ([]Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Scope]bool)
	var scopes []Scope
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		if s := tool.Scope(); !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes, nil
}

// ValidateParams checks params against the tool's compiled schema.
// Returns ErrInvalidParams with the validator's messages on failure.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("validating params for %s: %w", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidParams, name, strings.Join(msgs, "; "))
	}
	return nil
}
