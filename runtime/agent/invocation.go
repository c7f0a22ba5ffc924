package agent

import (
	"github.com/ensembleworks/ensemble/runtime/model"
)

type (
	// Invocation is one request to run an agent. It carries everything the
	// workflow needs; workflows never reach outside it for request state.
	Invocation struct {
		// AgentID names the agent definition to run.
		AgentID string `json:"agent_id"`

		// UserInput is the raw user message for this turn.
		UserInput string `json:"user_input"`

		// SessionID groups turns into a conversation. Optional.
		SessionID string `json:"session_id,omitempty"`

		// UserID identifies the end user for audit and rate limiting.
		UserID string `json:"user_id,omitempty"`

		// History is the prior conversation in chronological order. The
		// current UserInput is not part of it.
		History []model.Message `json:"history,omitempty"`

		// RequestID correlates events, logs and traces for this turn.
		RequestID string `json:"request_id,omitempty"`

		// Metadata carries caller annotations. Workflow templates expand
		// them as ${context.<key>} and events record them.
		Metadata map[string]string `json:"metadata,omitempty"`

		// Depth counts orchestrator nesting. Zero for top-level runs;
		// incremented for each child invocation.
		Depth int `json:"depth,omitempty"`

		// ParentAgentID names the orchestrator that spawned this run. Empty
		// for top-level runs.
		ParentAgentID string `json:"parent_agent_id,omitempty"`
	}

	// Source is one retrieved document that informed the response.
	Source struct {
		// Content is the document text, possibly truncated for transport.
		Content string `json:"content"`

		// Score is the retrieval similarity in [0,1].
		Score float64 `json:"score"`

		// Metadata carries collection-specific fields such as title or URI.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// ToolCallRecord is one tool execution from the run, in execution order.
	ToolCallRecord struct {
		// ID is the provider-assigned tool call identifier.
		ID string `json:"id"`

		// Name is the canonical tool name.
		Name string `json:"name"`

		// Arguments are the parsed call arguments.
		Arguments map[string]any `json:"arguments,omitempty"`

		// Success reports whether the execution produced a usable result.
		Success bool `json:"success"`

		// Error holds the failure message when Success is false.
		Error string `json:"error,omitempty"`
	}

	// Response is the terminal result of a successful run.
	Response struct {
		// Content is the final answer text.
		Content string `json:"content"`

		// Confidence scores the response in [0,1].
		Confidence float64 `json:"confidence"`

		// Sources lists the retrieved documents behind the answer.
		Sources []Source `json:"sources,omitempty"`

		// ToolCalls lists every tool execution in order.
		ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

		// NeedsConfirmation reports that the run paused awaiting approval
		// of a pending tool call.
		NeedsConfirmation bool `json:"needs_confirmation,omitempty"`

		// RerouteTo is set by router agents: the ID of the agent selected to
		// handle the input. Callers configured to follow reroutes invoke
		// that agent next.
		RerouteTo string `json:"reroute_to,omitempty"`

		// Metadata carries run diagnostics such as iteration counts and
		// model identifiers.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// RunInput is the serialized workflow argument: the resolved agent
	// configuration plus the invocation.
	RunInput struct {
		Config     Config     `json:"config"`
		Invocation Invocation `json:"invocation"`
	}

	// RunOutput is the serialized workflow result.
	RunOutput struct {
		Response Response `json:"response"`
	}
)
