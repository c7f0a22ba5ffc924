// Package stream delivers real-time execution updates to clients while an
// agent invocation runs. Events are client-facing narrative: retrieval
// progress, tool activity, content chunks, and exactly one terminal
// complete or error per invocation. All event types implement the Event
// interface and can be sent concurrently through a Sink implementation;
// sinks are responsible for marshaling events into their wire format.
package stream

import "context"

type (
	// Sink delivers streaming updates to clients over a transport (SSE,
	// channel, Pulse). Implementations must be safe for concurrent Send
	// calls: activities and the projector may emit from different
	// goroutines.
	Sink interface {
		// Send publishes an event. Implementations marshal the event into
		// their wire format and handle delivery semantics. A Send error
		// means the client is unreachable; emitters stop yielding but the
		// underlying workflow keeps running.
		Send(ctx context.Context, event Event) error

		// Close releases transport resources. Close is idempotent; Send
		// calls after Close return errors.
		Close(ctx context.Context) error
	}

	// Event is a streaming update delivered to clients through a Sink.
	// Concrete event types embed Base for the standard metadata accessors;
	// consumers type-assert when they need structured field access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the workflow run that produced this event.
		RunID() string
		// SessionID returns the conversation session for the run.
		SessionID() string
		// Payload returns the event-specific data in a JSON-serializable
		// form.
		Payload() any
	}

	// Base provides a default implementation of Event. Embed it in
	// concrete event types; fields are unexported since consumers go
	// through the interface methods.
	Base struct {
		t EventType
		r string
		s string
		p any
	}

	// Thinking signals that the agent is working before any visible
	// output.
	Thinking struct {
		Base
		Data ThinkingPayload
	}

	// Retrieving signals the start of a knowledge-base search.
	Retrieving struct {
		Base
		Data RetrievingPayload
	}

	// Retrieved reports the outcome of a knowledge-base search.
	Retrieved struct {
		Base
		Data RetrievedPayload
	}

	// ToolStart signals that a builtin tool execution began.
	ToolStart struct {
		Base
		Data ToolStartPayload
	}

	// ToolEnd reports a completed builtin tool execution.
	ToolEnd struct {
		Base
		Data ToolEndPayload
	}

	// MCPStart signals that an MCP server tool call began.
	MCPStart struct {
		Base
		Data MCPStartPayload
	}

	// MCPEnd reports a completed MCP server tool call.
	MCPEnd struct {
		Base
		Data MCPEndPayload
	}

	// SkillStart signals that a child-agent (skill) invocation began.
	SkillStart struct {
		Base
		Data SkillStartPayload
	}

	// SkillEnd reports a completed child-agent invocation.
	SkillEnd struct {
		Base
		Data SkillEndPayload
	}

	// Generating signals that the model is producing the final response.
	Generating struct {
		Base
		Data GeneratingPayload
	}

	// Chunk carries a fragment of the final response content.
	Chunk struct {
		Base
		Data ChunkPayload
	}

	// Complete terminates a successful invocation stream.
	Complete struct {
		Base
		Data CompletePayload
	}

	// Error terminates a failed invocation stream.
	Error struct {
		Base
		Data ErrorPayload
	}

	// MessageSaved reports that a conversation message was persisted.
	MessageSaved struct {
		Base
		Data MessageSavedPayload
	}

	// ThinkingPayload optionally names the current processing step.
	ThinkingPayload struct {
		Step string `json:"step,omitempty"`
	}

	// RetrievingPayload identifies the knowledge base being searched.
	RetrievingPayload struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		// QueryPreview is the search query clamped to 100 characters.
		QueryPreview string `json:"query_preview,omitempty"`
	}

	// RetrievedPayload reports search result counts.
	RetrievedPayload struct {
		DocumentCount int `json:"document_count"`
		ChunksUsed    int `json:"chunks_used"`
	}

	// ToolStartPayload describes an in-flight tool call.
	ToolStartPayload struct {
		ToolName string `json:"tool_name"`
		ToolID   string `json:"tool_id,omitempty"`
		// ArgsPreview is the rendered arguments clamped to 200 characters.
		ArgsPreview string `json:"args_preview,omitempty"`
	}

	// ToolEndPayload describes a finished tool call.
	ToolEndPayload struct {
		ToolName string `json:"tool_name"`
		Success  bool   `json:"success"`
		// ResultPreview is the rendered result clamped to 200 characters.
		ResultPreview string `json:"result_preview,omitempty"`
	}

	// MCPStartPayload describes an in-flight MCP tool call.
	MCPStartPayload struct {
		ServerName string `json:"server_name"`
		ToolName   string `json:"tool_name"`
	}

	// MCPEndPayload describes a finished MCP tool call.
	MCPEndPayload struct {
		ServerName string `json:"server_name"`
		ToolName   string `json:"tool_name"`
		Success    bool   `json:"success"`
	}

	// SkillStartPayload describes an in-flight child-agent invocation.
	SkillStartPayload struct {
		SkillName string `json:"skill_name"`
		SkillID   string `json:"skill_id"`
	}

	// SkillEndPayload describes a finished child-agent invocation.
	SkillEndPayload struct {
		SkillName string `json:"skill_name"`
		SkillID   string `json:"skill_id"`
	}

	// GeneratingPayload is intentionally empty; the event itself is the
	// signal.
	GeneratingPayload struct{}

	// ChunkPayload carries one fragment of final content.
	ChunkPayload struct {
		Content    string `json:"content"`
		TokenCount int    `json:"token_count,omitempty"`
	}

	// CompletePayload carries the terminal success metadata.
	CompletePayload struct {
		MessageID   string `json:"message_id"`
		ExecutionID string `json:"execution_id,omitempty"`
		TotalTokens int    `json:"total_tokens,omitempty"`
	}

	// ErrorPayload carries the terminal failure metadata.
	ErrorPayload struct {
		Error     string `json:"error"`
		ErrorType string `json:"error_type,omitempty"`
		// Recoverable hints whether the caller may retry the invocation.
		Recoverable bool `json:"recoverable"`
	}

	// MessageSavedPayload reports a persisted conversation message.
	MessageSavedPayload struct {
		Role      string `json:"role"`
		MessageID string `json:"message_id,omitempty"`
	}
)

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventThinking signals pre-output processing.
	EventThinking EventType = "thinking"

	// EventRetrieving signals the start of a knowledge search.
	EventRetrieving EventType = "retrieving"

	// EventRetrieved reports knowledge search results.
	EventRetrieved EventType = "retrieved"

	// EventToolStart signals the start of a builtin tool call.
	EventToolStart EventType = "tool_start"

	// EventToolEnd reports a finished builtin tool call.
	EventToolEnd EventType = "tool_end"

	// EventMCPStart signals the start of an MCP tool call.
	EventMCPStart EventType = "mcp_start"

	// EventMCPEnd reports a finished MCP tool call.
	EventMCPEnd EventType = "mcp_end"

	// EventSkillStart signals the start of a child-agent invocation.
	EventSkillStart EventType = "skill_start"

	// EventSkillEnd reports a finished child-agent invocation.
	EventSkillEnd EventType = "skill_end"

	// EventGenerating signals that the model is producing final content.
	EventGenerating EventType = "generating"

	// EventChunk carries a fragment of final content.
	EventChunk EventType = "chunk"

	// EventComplete terminates a successful stream.
	EventComplete EventType = "complete"

	// EventError terminates a failed stream.
	EventError EventType = "error"

	// EventMessageSaved reports a persisted conversation message.
	EventMessageSaved EventType = "message_saved"
)

// NewBase constructs a Base event with the given type, run ID, optional
// session ID, and payload.
func NewBase(t EventType, runID, sessionID string, payload any) Base {
	return Base{t: t, r: runID, s: sessionID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// RunID implements Event.RunID.
func (e Base) RunID() string { return e.r }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.s }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }

// Terminal reports whether the event type ends a stream.
func Terminal(t EventType) bool {
	return t == EventComplete || t == EventError
}
