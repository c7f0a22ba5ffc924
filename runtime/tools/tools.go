// Package tools implements the process-global tool registry shared by agent
// workflows, the MCP manager, and the activity layer. The registry stores
// tool descriptors under their canonical names (which may contain colons,
// e.g. "server:tool" or "agent:billing"), builds provider-native schemas
// under sanitized names, and validates arguments against each descriptor's
// compiled JSON schema before dispatch.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ensembleworks/ensemble/runtime/model"
)

type (
	// Handler executes a tool call with decoded arguments and returns the
	// raw output. Errors become failed tool results, never workflow
	// failures.
	Handler func(ctx context.Context, args map[string]any) (any, error)

	// Parameter describes a single tool argument with a JSON-schema-like
	// shape. Parameters are ordered; the order is preserved in the
	// generated "required" list.
	Parameter struct {
		// Name is the argument name as seen by the model.
		Name string
		// Type is the JSON schema type. Empty defaults to "string".
		Type string
		// Description explains the argument to the model.
		Description string
		// Required marks the argument as mandatory.
		Required bool
		// Default is the value applied when the argument is omitted.
		Default any
		// Enum restricts the value to a fixed set when non-empty.
		Enum []any
		// Items is the element schema for array-typed parameters. Arrays
		// without an explicit item schema default to {"type": "string"}.
		Items map[string]any
	}

	// Provenance identifies where a tool implementation comes from. MCP
	// and unknown-provenance results are sanitized before re-entering the
	// conversation; builtin results are trusted.
	Provenance string

	// Descriptor declares a callable tool.
	Descriptor struct {
		// Name is the canonical tool identifier. It may contain colons;
		// provider schemas use the sanitized form (colons become "__").
		Name string
		// Description provides context for the model and tooling.
		Description string
		// Parameters are the ordered tool arguments.
		Parameters []Parameter
		// Handler executes the tool. Required.
		Handler Handler
		// Source records the tool provenance. Empty means builtin.
		Source Provenance
		// Tags carries optional metadata labels.
		Tags []string
	}

	// Result is the outcome of one tool execution. Failed executions set
	// Success false and carry the failure reason in Error; they are fed
	// back to the model rather than aborting the run.
	Result struct {
		// Name is the canonical name of the executed tool.
		Name string `json:"name"`
		// Success reports whether the handler completed without error.
		Success bool `json:"success"`
		// Output is the handler return value on success.
		Output any `json:"output,omitempty"`
		// Error holds the failure reason when Success is false.
		Error string `json:"error,omitempty"`
	}

	// Registry is a concurrency-safe name to descriptor map. Reads
	// dominate; registration happens at startup and when MCP servers
	// connect or disconnect.
	Registry struct {
		mu      sync.RWMutex
		tools   map[string]*Descriptor
		schemas map[string]*jsonschema.Schema
	}
)

// Tool provenances.
const (
	// SourceBuiltin marks tools registered by the host process.
	SourceBuiltin Provenance = "builtin"
	// SourceMCP marks tools registered by the MCP manager.
	SourceMCP Provenance = "mcp"
	// SourceAgent marks child agents exposed as tools.
	SourceAgent Provenance = "agent"
)

// Registry name prefixes recognized by the activity layer.
const (
	// AgentPrefix routes a tool call to child-agent execution.
	AgentPrefix = "agent:"
	// MCPPrefix marks template-qualified MCP tool references of the form
	// "mcp:<template>:<tool>". The manager resolves the template to the
	// single connected server running it before dispatch.
	MCPPrefix = "mcp:"
)

// ErrUnknownTool reports that a tool name resolved to no registered
// descriptor.
var ErrUnknownTool = errors.New("unknown tool")

// Canonical names allow colons; sanitized names never contain them.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Descriptor),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Default is the process-wide registry used when no explicit registry is
// supplied. MCP-registered tools live here for the lifetime of their server
// connection.
var Default = NewRegistry()

// Register validates the descriptor, compiles its argument schema, and adds
// it to the registry. It replaces any prior descriptor with the same
// canonical name and rejects descriptors whose sanitized name collides with
// a different canonical name already present.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if !nameRE.MatchString(d.Name) {
		return fmt.Errorf("tool name %q contains invalid characters", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", d.Name)
	}
	if d.Source == "" {
		d.Source = SourceBuiltin
	}
	schema, err := compileArgumentSchema(&d)
	if err != nil {
		return fmt.Errorf("tool %q: compile argument schema: %w", d.Name, err)
	}

	sanitized := Sanitize(d.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if name != d.Name && Sanitize(name) == sanitized {
			return fmt.Errorf("tool %q collides with %q after sanitization", d.Name, name)
		}
	}
	cp := d
	r.tools[d.Name] = &cp
	r.schemas[d.Name] = schema
	return nil
}

// Unregister removes the named tool. It reports whether a descriptor was
// present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	return true
}

// Lookup returns the descriptor registered under the exact canonical name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Resolve maps a tool name as produced by a model back to its canonical
// descriptor. Exact matches win; otherwise sanitized forms are compared so
// that "server__tool" resolves to "server:tool".
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.tools[name]; ok {
		return d, true
	}
	if !strings.Contains(name, "__") {
		return nil, false
	}
	if d, ok := r.tools[Unsanitize(name)]; ok {
		return d, true
	}
	// Canonical names containing literal double underscores sanitize to
	// themselves; the scan covers those.
	for canonical, d := range r.tools {
		if Sanitize(canonical) == name {
			return d, true
		}
	}
	return nil, false
}

// Names returns the canonical names of all registered tools in sorted order.
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

// Definitions builds provider-native tool schemas for the named tools using
// sanitized names. Unknown names are skipped. With no names, definitions for
// every registered tool are returned in sorted canonical order.
func (r *Registry) Definitions(names ...string) []model.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        Sanitize(d.Name),
			Description: d.Description,
			InputSchema: buildInputSchema(d),
		})
	}
	return defs
}

// Execute resolves the named tool, validates the arguments against its
// schema, applies parameter defaults, and runs the handler. Validation and
// handler failures produce a failed Result; only an unresolvable name
// returns an error (wrapping ErrUnknownTool).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	d, ok := r.Resolve(name)
	if !ok {
		return Result{Name: name}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	r.mu.RLock()
	schema := r.schemas[d.Name]
	r.mu.RUnlock()

	if args == nil {
		args = make(map[string]any)
	}
	for _, p := range d.Parameters {
		if p.Default == nil {
			continue
		}
		if _, present := args[p.Name]; !present {
			args[p.Name] = p.Default
		}
	}
	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return Result{Name: d.Name, Error: fmt.Sprintf("invalid arguments: %s", err)}, nil
		}
	}
	out, err := d.Handler(ctx, args)
	if err != nil {
		return Result{Name: d.Name, Error: err.Error()}, nil
	}
	return Result{Name: d.Name, Success: true, Output: out}, nil
}

// Sanitize converts a canonical tool name to the provider-safe form by
// replacing colons with double underscores.
func Sanitize(name string) string {
	return strings.ReplaceAll(name, ":", "__")
}

// Unsanitize restores the canonical form of a provider-safe tool name. The
// round trip is exact for canonical names that do not themselves contain a
// double underscore; Register rejects ambiguous registrations.
func Unsanitize(name string) string {
	return strings.ReplaceAll(name, "__", ":")
}

// AgentTool returns the registry name that invokes the given agent as a
// tool.
func AgentTool(agentID string) string {
	return AgentPrefix + agentID
}

// AgentID extracts the agent identifier from an "agent:<id>" tool name.
func AgentID(name string) (string, bool) {
	if !strings.HasPrefix(name, AgentPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, AgentPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// IsAgentTool reports whether the name routes to child-agent execution.
func IsAgentTool(name string) bool {
	_, ok := AgentID(name)
	return ok
}

// ServerTool returns the canonical registry name for a tool exposed by an
// MCP server.
func ServerTool(serverID, tool string) string {
	return serverID + ":" + tool
}

// SplitServerTool splits a "<server_id>:<tool>" registry name into its
// components.
func SplitServerTool(name string) (serverID, tool string, ok bool) {
	i := strings.Index(name, ":")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// SplitMCPTemplate splits an "mcp:<template>:<tool>" reference into template
// and tool names.
func SplitMCPTemplate(name string) (template, tool string, ok bool) {
	if !strings.HasPrefix(name, MCPPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, MCPPrefix)
	i := strings.Index(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// buildInputSchema renders the provider-facing JSON schema for a descriptor.
// The shape is always {type: object, properties, required?}; array-typed
// properties carry an item schema.
func buildInputSchema(d *Descriptor) map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if typ == "array" {
			items := p.Items
			if len(items) == 0 {
				items = map[string]any{"type": "string"}
			}
			prop["items"] = items
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// compileArgumentSchema compiles the descriptor's generated input schema for
// argument validation at dispatch time.
func compileArgumentSchema(d *Descriptor) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(buildInputSchema(d))
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// validateArgs runs the compiled schema over the arguments. Arguments are
// round-tripped through JSON so typed values (ints, structs) validate the
// same way provider-decoded payloads do.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return schema.Validate(decoded)
}
