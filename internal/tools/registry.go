// Package tools exposes the server's callable surface: a static registry of
// named tools, argument validation against per-tool schemas, token-based
// group resolution and the uniform response envelope.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Caller is the resolved identity of one invocation. Anonymous callers have
// no groups.
type Caller struct {
	Subject string
	Groups  []string
}

// Primary returns the group that owns sessions the caller creates.
func (c Caller) Primary() string {
	if len(c.Groups) == 0 {
		return ""
	}
	return c.Groups[0]
}

// Handler executes one tool invocation. args has already passed schema
// validation. The returned value is JSON-marshalled into the envelope.
type Handler func(ctx context.Context, caller Caller, args map[string]any) (any, error)

// Tool is one registered entry: stable name, argument schema, handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Registry holds tools keyed by name. The set is fixed at startup.
type Registry struct {
	byName map[string]Tool
}

var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool; names must be lowercase snake_case and unique.
func (r *Registry) Register(t Tool) error {
	if !toolNameRe.MatchString(t.Name) {
		return fmt.Errorf("tool name %q must be lowercase snake_case", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.byName[t.Name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
