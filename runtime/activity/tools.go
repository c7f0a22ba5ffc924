package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

type (
	// ToolInput is one tool execution. Name may be the canonical registry
	// name or the sanitized form a model produced; both resolve.
	ToolInput struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
		// AgentID and RunID identify the caller for logging.
		AgentID string `json:"agent_id,omitempty"`
		RunID   string `json:"run_id,omitempty"`
	}

	// ToolOutput carries the execution result. Unknown tools and handler
	// failures are failed results, never activity errors: the control loop
	// feeds them back to the model.
	ToolOutput struct {
		Result tools.Result `json:"result"`
		// MCPServer is set when the call was dispatched to an MCP server,
		// so the workflow can emit mcp_* events with the right name.
		MCPServer string `json:"mcp_server,omitempty"`
		// External marks results from outside the process (MCP servers).
		// External output is sanitized before re-entering the conversation.
		External bool `json:"external,omitempty"`
	}

	// ToolDefinitionsInput selects the schemas for one model call.
	ToolDefinitionsInput struct {
		// Tools are canonical registry names, including
		// "mcp:<template>:<tool>" references, which resolve to the connected
		// server before schema lookup.
		Tools []string `json:"tools,omitempty"`
		// ChildAgents are agent IDs to expose as "agent:<id>" tools.
		ChildAgents []string `json:"child_agents,omitempty"`
	}

	// ToolDefinitionsOutput carries provider-ready schemas under sanitized
	// names, in input order. Unknown tool names are skipped and reported.
	ToolDefinitionsOutput struct {
		Definitions []model.ToolDefinition `json:"definitions,omitempty"`
		Missing     []string               `json:"missing,omitempty"`
	}
)

// ExecuteTool resolves the name, dispatches the call, and returns the result.
// MCP template references are rewritten to their connected server first; the
// failure of an unknown or broken tool is recorded in the result so the
// model can route around it.
func (s *Service) ExecuteTool(ctx context.Context, in ToolInput) (ToolOutput, error) {
	canonical := in.Name
	if !s.registered(canonical) {
		canonical = tools.Unsanitize(canonical)
	}

	out := ToolOutput{}
	if resolved, server, ok := s.resolveMCP(canonical); ok {
		canonical = resolved
		out.MCPServer = server
		out.External = true
	} else if d, ok := s.tools.Lookup(canonical); ok && d.Source == tools.SourceMCP {
		if serverID, _, ok := tools.SplitServerTool(canonical); ok {
			out.MCPServer = serverID
		}
		out.External = true
	}

	started := time.Now()
	result, err := s.tools.Execute(ctx, canonical, in.Arguments)
	if err != nil {
		// Unknown tool: fed back to the model, not fatal.
		s.logger.Warn(ctx, "tool not found", "tool", in.Name, "agent", in.AgentID, "run", in.RunID)
		out.Result = tools.Result{Name: canonical, Error: fmt.Sprintf("unknown tool %q", in.Name)}
		return out, nil
	}
	s.metrics.RecordTimer("tool_execution_duration", time.Since(started), "tool", result.Name)
	if !result.Success {
		s.logger.Warn(ctx, "tool execution failed",
			"tool", result.Name, "agent", in.AgentID, "run", in.RunID, "err", result.Error)
	}
	out.Result = result
	return out, nil
}

// GetToolDefinitions builds the schema set for one model call: registry
// schemas for bound tools and synthesized delegation schemas for child
// agents. Child schemas carry the child's description so the model can
// choose between specialists.
func (s *Service) GetToolDefinitions(ctx context.Context, in ToolDefinitionsInput) (ToolDefinitionsOutput, error) {
	var out ToolDefinitionsOutput
	for _, name := range in.Tools {
		canonical := name
		if resolved, _, ok := s.resolveMCP(name); ok {
			canonical = resolved
		}
		defs := s.tools.Definitions(canonical)
		if len(defs) == 0 {
			out.Missing = append(out.Missing, name)
			continue
		}
		out.Definitions = append(out.Definitions, defs...)
	}
	for _, childID := range in.ChildAgents {
		def, err := s.childDefinition(ctx, childID)
		if err != nil {
			out.Missing = append(out.Missing, tools.AgentTool(childID))
			continue
		}
		out.Definitions = append(out.Definitions, def)
	}
	return out, nil
}

// childDefinition synthesizes the delegation schema for one child agent.
func (s *Service) childDefinition(ctx context.Context, childID string) (model.ToolDefinition, error) {
	description := fmt.Sprintf("Delegate a task to the %s agent.", childID)
	if s.agents != nil {
		if rec, err := s.agents.Get(ctx, childID); err == nil {
			if rec.Config.Description != "" {
				description = fmt.Sprintf("Delegate a task to %s: %s", rec.Config.Name, rec.Config.Description)
			} else if rec.Config.Persona.Goal != "" {
				description = fmt.Sprintf("Delegate a task to %s. Goal: %s", rec.Config.Name, rec.Config.Persona.Goal)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return model.ToolDefinition{}, err
		}
	}
	return model.ToolDefinition{
		Name:        tools.Sanitize(tools.AgentTool(childID)),
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The task or question for the agent.",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Relevant context from the conversation so far.",
				},
			},
			"required": []string{"query"},
		},
	}, nil
}

// resolveMCP rewrites an "mcp:<template>:<tool>" reference to the registry
// name of the connected server running that template.
func (s *Service) resolveMCP(name string) (resolved, serverID string, ok bool) {
	if s.mcp == nil {
		return "", "", false
	}
	resolved, ok = s.mcp.ResolveToolName(name)
	if !ok {
		return "", "", false
	}
	serverID, _, _ = tools.SplitServerTool(resolved)
	return resolved, serverID, true
}

// registered reports whether the exact canonical name is in the registry.
func (s *Service) registered(name string) bool {
	_, ok := s.tools.Lookup(name)
	return ok
}
