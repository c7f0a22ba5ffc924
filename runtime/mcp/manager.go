package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ensembleworks/ensemble/runtime/telemetry"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

type (
	// ManagerOptions configures the client pool.
	ManagerOptions struct {
		// Registry receives the tools of connected servers. Defaults to
		// tools.Default.
		Registry *tools.Registry
		// Logger receives pool lifecycle events. Defaults to a no-op
		// logger.
		Logger telemetry.Logger
		// Client is applied to every client the manager creates.
		Client Options
	}

	// ServerStatus is one entry of a health check report.
	ServerStatus struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Template  string `json:"template,omitempty"`
		State     State  `json:"state"`
		ToolCount int    `json:"tool_count"`
		Error     string `json:"error,omitempty"`
	}

	// Manager owns the MCP clients of a process. It is the sole writer of
	// MCP-sourced registry entries: tools appear when a server connects and
	// disappear when it is removed.
	Manager struct {
		registry   *tools.Registry
		logger     telemetry.Logger
		clientOpts Options

		// addMu serializes add, remove and shutdown so replacement of an
		// existing server never interleaves.
		addMu sync.Mutex

		mu      sync.RWMutex
		entries map[string]*serverEntry
	}

	serverEntry struct {
		cfg    Config
		client *Client
		err    string
		tools  []string
	}
)

// NewManager returns an empty client pool.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Registry == nil {
		opts.Registry = tools.Default
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		registry:   opts.Registry,
		logger:     opts.Logger,
		clientOpts: opts.Client,
		entries:    make(map[string]*serverEntry),
	}
}

// AddServer creates a client for the config, connects it, and when
// registerTools is set registers every advertised tool as
// "<server_id>:<tool>". A failure leaves the server tracked with its error
// message so health checks surface it; re-adding an id replaces the previous
// client.
func (m *Manager) AddServer(ctx context.Context, cfg Config, registerTools bool) error {
	m.addMu.Lock()
	defer m.addMu.Unlock()

	m.dropLocked(cfg.ID)

	entry := &serverEntry{cfg: cfg}
	m.mu.Lock()
	m.entries[cfg.ID] = entry
	m.mu.Unlock()

	client, err := NewClient(cfg, m.clientOpts)
	if err != nil {
		m.setError(cfg.ID, err)
		return err
	}
	m.mu.Lock()
	entry.client = client
	m.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		m.setError(cfg.ID, err)
		return err
	}
	if !registerTools {
		return nil
	}

	var registered []string
	for _, t := range client.Tools() {
		name := tools.ServerTool(cfg.ID, t.Name)
		handler := m.toolHandler(client, t.Name)
		d := tools.Descriptor{
			Name:        name,
			Description: t.Description,
			Parameters:  parametersFromSchema(t.InputSchema),
			Handler:     handler,
			Source:      tools.SourceMCP,
		}
		if err := m.registry.Register(d); err != nil {
			m.logger.Warn(ctx, "skipping mcp tool registration",
				"server_id", cfg.ID, "tool", t.Name, "error", err.Error())
			continue
		}
		registered = append(registered, name)
	}
	m.mu.Lock()
	entry.tools = registered
	m.mu.Unlock()
	m.logger.Info(ctx, "mcp server added",
		"server_id", cfg.ID, "server_name", cfg.Name, "tools_registered", len(registered))
	return nil
}

// RemoveServer unregisters the server's tools, disconnects its client, and
// drops it from the pool.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.addMu.Lock()
	defer m.addMu.Unlock()
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp server %s not found", id)
	}
	m.dropLocked(id)
	m.logger.Info(ctx, "mcp server removed", "server_id", id)
	return nil
}

// HealthCheck reports per-server status sorted by server id. A server whose
// last operation failed reports StateError with the message even though its
// client sits disconnected.
func (m *Manager) HealthCheck(ctx context.Context) []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.entries))
	for id, entry := range m.entries {
		status := ServerStatus{
			ID:        id,
			Name:      entry.cfg.Name,
			Template:  entry.cfg.Template,
			ToolCount: len(entry.tools),
			Error:     entry.err,
		}
		switch {
		case entry.client == nil:
			status.State = StateError
		case entry.client.State() == StateActive:
			status.State = StateActive
		case entry.err != "":
			status.State = StateError
		default:
			status.State = entry.client.State()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReconnectSweep attempts AddServer for every persisted server config,
// typically at worker startup. Failures are logged and skipped; the return
// value is the number of servers that connected.
func (m *Manager) ReconnectSweep(ctx context.Context, cfgs []Config) int {
	connected := 0
	for _, cfg := range cfgs {
		if err := m.AddServer(ctx, cfg, true); err != nil {
			m.logger.Warn(ctx, "mcp reconnect failed",
				"server_id", cfg.ID, "server_name", cfg.Name, "error", err.Error())
			continue
		}
		connected++
	}
	return connected
}

// ResolveTemplate maps a template name to the registry name
// "<server_id>:<tool>" of the single active server created from that
// template. Zero or multiple matching servers leave the reference
// unresolved.
func (m *Manager) ResolveTemplate(template, tool string) (string, bool) {
	if template == "" || tool == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match string
	for id, entry := range m.entries {
		if entry.cfg.Template != template || entry.client == nil {
			continue
		}
		if entry.client.State() != StateActive {
			continue
		}
		if match != "" {
			return "", false
		}
		match = id
	}
	if match == "" {
		return "", false
	}
	return tools.ServerTool(match, tool), true
}

// ResolveToolName rewrites an "mcp:<template>:<tool>" reference to its
// registry name. Non-template references and unresolved templates report
// false.
func (m *Manager) ResolveToolName(name string) (string, bool) {
	template, tool, ok := tools.SplitMCPTemplate(name)
	if !ok {
		return "", false
	}
	return m.ResolveTemplate(template, tool)
}

// Client returns the client for a server id.
func (m *Manager) Client(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok || entry.client == nil {
		return nil, false
	}
	return entry.client, true
}

// Shutdown removes every server, unregistering tools and closing clients.
func (m *Manager) Shutdown(ctx context.Context) {
	m.addMu.Lock()
	defer m.addMu.Unlock()
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.dropLocked(id)
	}
	m.logger.Info(ctx, "mcp manager shut down", "servers", len(ids))
}

// dropLocked removes one server entry and its registry tools. Callers hold
// addMu.
func (m *Manager) dropLocked(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, name := range entry.tools {
		m.registry.Unregister(name)
	}
	if entry.client != nil {
		entry.client.Close()
	}
}

func (m *Manager) setError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[id]; ok {
		entry.err = err.Error()
	}
}

func (m *Manager) toolHandler(client *Client, tool string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return client.CallTool(ctx, tool, args)
	}
}

// parametersFromSchema converts an MCP input schema to registry parameters.
// Integer and number types collapse to "number"; string, boolean, array and
// object pass through; anything else defaults to "string". Enums, defaults
// and array item schemas are preserved.
func parametersFromSchema(schema map[string]any) []tools.Parameter {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool)
	if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.Parameter, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		p := tools.Parameter{Name: name, Required: required[name]}
		typ, _ := prop["type"].(string)
		switch typ {
		case "integer", "number":
			p.Type = "number"
		case "string", "boolean", "array", "object":
			p.Type = typ
		default:
			p.Type = "string"
		}
		if desc, ok := prop["description"].(string); ok {
			p.Description = desc
		}
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			p.Enum = enum
		}
		if def, ok := prop["default"]; ok && def != nil {
			p.Default = def
		}
		if p.Type == "array" {
			if items, ok := prop["items"].(map[string]any); ok && len(items) > 0 {
				p.Items = items
			} else {
				p.Items = map[string]any{"type": "string"}
			}
		}
		params = append(params, p)
	}
	return params
}
