// Package mcp implements the Model Context Protocol subsystem: a
// streamable-HTTP JSON-RPC client per remote server and a manager that pools
// clients, registers their tools with the tool registry under
// "<server_id>:<tool>" names, and health-checks the pool.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	// State tracks the client connection lifecycle.
	State string

	// Config identifies a remote MCP server. Headers carry static and
	// credential headers; credentials are resolved from the secret store
	// before the config reaches the client and are never persisted here.
	Config struct {
		// ID is the server instance identifier, used as the tool name
		// prefix.
		ID string
		// Name is the user-visible server name.
		Name string
		// Template names the server template this instance was created
		// from, when any. Template-qualified tool references resolve
		// through it.
		Template string
		// URL is the streamable-HTTP endpoint.
		URL string
		// Headers are sent on every request.
		Headers map[string]string
	}

	// Options configures a client beyond its server config.
	Options struct {
		// Logger receives connection lifecycle events. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
		// HTTPClient overrides the transport. Defaults to a fresh
		// http.Client.
		HTTPClient *http.Client
		// ConnectTimeout bounds the full initialize handshake. Defaults
		// to DefaultConnectTimeout.
		ConnectTimeout time.Duration
		// RequestTimeout bounds a single tool call. Defaults to
		// DefaultRequestTimeout.
		RequestTimeout time.Duration
		// ClientName and ClientVersion identify this client in the
		// initialize handshake.
		ClientName    string
		ClientVersion string
	}

	// Tool is a tool advertised by a connected server.
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	// Client speaks JSON-RPC 2.0 over streamable HTTP to one MCP server.
	// Requests are serialized; the session id assigned at initialization is
	// echoed on every subsequent request.
	Client struct {
		cfg            Config
		httpc          *http.Client
		logger         telemetry.Logger
		connectTimeout time.Duration
		requestTimeout time.Duration
		clientName     string
		clientVersion  string

		id uint64

		mu      sync.Mutex
		state   State
		session string
		tools   []Tool
	}
)

// Client connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateError        State = "error"
)

// ProtocolVersion is the MCP revision spoken by this client.
const ProtocolVersion = "2025-06-18"

// Default client timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

const (
	sessionHeader  = "Mcp-Session-Id"
	protocolHeader = "MCP-Protocol-Version"
)

// ErrNotConnected reports a tool call against a client that is not active.
var ErrNotConnected = errors.New("mcp server not connected")

// NewClient validates the config and returns a disconnected client.
func NewClient(cfg Config, opts Options) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("mcp client: server id is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp client %s: url is required", cfg.ID)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("mcp client %s: invalid url: %w", cfg.ID, err)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "ensemble"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	return &Client{
		cfg:            cfg,
		httpc:          opts.HTTPClient,
		logger:         opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		requestTimeout: opts.RequestTimeout,
		clientName:     opts.ClientName,
		clientVersion:  opts.ClientVersion,
		state:          StateDisconnected,
	}, nil
}

// Connect performs the initialize handshake, sends the initialized
// notification, and loads the server's tool list. On any failure the client
// closes its transport, clears session and tools, and remains disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		return nil
	}
	c.state = StateConnecting
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.handshake(ctx); err != nil {
		c.reset()
		return fmt.Errorf("connect %s: %w", c.cfg.ID, err)
	}
	c.state = StateActive
	c.logger.Info(ctx, "mcp server connected",
		"server_id", c.cfg.ID, "server_name", c.cfg.Name, "tools", len(c.tools))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	})
	if err != nil {
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	if c.session == "" && init.SessionID != "" {
		c.session = init.SessionID
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return err
	}
	listed, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list toolsListResult
	if err := json.Unmarshal(listed, &list); err != nil {
		return fmt.Errorf("tools/list: decode result: %w", err)
	}
	c.tools = list.Tools
	return nil
}

// CallTool invokes a tool by its unqualified name. Server-reported tool
// failures are returned as errors without affecting the connection state;
// transport failures move the client to StateError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil, fmt.Errorf("%w: server %s is %s", ErrNotConnected, c.cfg.ID, c.state)
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		var rpcErr *rpcError
		if !errors.As(err, &rpcErr) {
			c.state = StateError
			c.logger.Warn(ctx, "mcp transport failure",
				"server_id", c.cfg.ID, "tool", name, "error", err.Error())
		}
		return nil, err
	}
	return decodeToolOutput(result)
}

// Close disconnects the client and releases its transport.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// reset clears connection state. Callers hold c.mu.
func (c *Client) reset() {
	c.httpc.CloseIdleConnections()
	c.session = ""
	c.tools = nil
	c.state = StateDisconnected
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session assigned at initialization, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Tools returns the tool list captured at connect time.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Config returns the server config the client was created with.
func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// call posts one JSON-RPC request and decodes the response, following the
// SSE branch when the server answers with an event stream. A session id on
// the response header is captured for subsequent requests.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.session = sid
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var decoded *rpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		decoded, err = decodeSSEResponse(resp.Body)
	} else {
		decoded = &rpcResponse{}
		err = json.NewDecoder(resp.Body).Decode(decoded)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, decoded.Error)
	}
	return decoded.Result, nil
}

// notify posts a JSON-RPC notification. Servers acknowledge with 200 or 202.
func (c *Client) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return fmt.Errorf("%s: encode notification: %w", method, err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.session = sid
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(protocolHeader, ProtocolVersion)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}
	return c.httpc.Do(req)
}
