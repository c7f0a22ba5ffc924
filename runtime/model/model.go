// Package model defines the provider-neutral chat-completion contract used by
// the platform. Provider adapters (features/model/...) translate these types
// into their native dialects: OpenAI-style APIs carry tool results as "tool"
// messages addressed by tool-call id, Anthropic-style APIs carry them as
// tool_result blocks inside user messages. The workflow layer only ever sees
// the types in this package.
package model

import "context"

type (
	// Role identifies the author of a conversation message.
	Role string

	// FinishReason reports why the provider stopped generating.
	FinishReason string

	// ToolChoice controls whether and how the provider may call tools. The
	// three well-known values map onto provider semantics; any other value
	// forces the named tool.
	ToolChoice string
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// FinishStop indicates a natural end of turn.
	FinishStop FinishReason = "stop"
	// FinishLength indicates the completion was truncated at the token limit.
	FinishLength FinishReason = "length"
	// FinishToolCalls indicates the assistant requested tool invocations.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishContentFilter indicates the provider suppressed the completion.
	// It is a terminal outcome, not an error.
	FinishContentFilter FinishReason = "content_filter"
)

const (
	// ToolChoiceAuto lets the provider decide whether to call a tool.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceRequired forces the provider to call some tool. Providers
	// without a multi-tool "required" mode map this to their "any" mode.
	ToolChoiceRequired ToolChoice = "required"
	// ToolChoiceNone disables tool calling for the request.
	ToolChoiceNone ToolChoice = "none"
)

// ToolChoiceTool returns a ToolChoice that forces the named tool.
func ToolChoiceTool(name string) ToolChoice {
	return ToolChoice(name)
}

// ForcedTool reports the specific tool name this choice forces, if any.
func (c ToolChoice) ForcedTool() (string, bool) {
	switch c {
	case "", ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNone:
		return "", false
	}
	return string(c), true
}

type (
	// Message is one entry in a conversation transcript.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
		// ToolCallID addresses the tool call this message answers. Set only
		// when Role is RoleTool.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// ToolCalls lists the tool invocations requested by the assistant.
		// Set only when Role is RoleAssistant.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// ToolCall is a single tool invocation requested by the model. Name is
	// the sanitized, provider-facing form; callers map it back to the
	// canonical registry name before dispatch.
	ToolCall struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	// ToolDefinition describes a callable tool in provider-native schema
	// form. InputSchema is a JSON-schema object with type "object".
	ToolDefinition struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema"`
	}

	// Request is a single chat-completion request.
	Request struct {
		Model       string           `json:"model,omitempty"`
		Messages    []Message        `json:"messages"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   int              `json:"max_tokens,omitempty"`
		Stop        []string         `json:"stop,omitempty"`
		// FrequencyPenalty and PresencePenalty are ignored by providers that
		// do not support them.
		FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
		Tools            []ToolDefinition `json:"tools,omitempty"`
		ToolChoice       ToolChoice       `json:"tool_choice,omitempty"`
	}

	// Usage reports token accounting for a completion.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Response is a normalized chat completion.
	Response struct {
		Content      string       `json:"content"`
		Model        string       `json:"model,omitempty"`
		Usage        Usage        `json:"usage"`
		FinishReason FinishReason `json:"finish_reason"`
		ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	}

	// Chunk is one increment of a streamed completion.
	Chunk struct {
		Content      string       `json:"content,omitempty"`
		FinishReason FinishReason `json:"finish_reason,omitempty"`
	}

	// Streamer yields completion chunks. Recv returns io.EOF after the final
	// chunk has been delivered.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Client is the uniform surface provider adapters implement.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}
)

// Temperature returns a pointer suitable for Request.Temperature.
func Temperature(v float64) *float64 { return &v }
