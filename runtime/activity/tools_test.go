package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/store"
	"github.com/ensembleworks/ensemble/runtime/store/inmem"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

func newToolService(t *testing.T, registry *tools.Registry) *Service {
	t.Helper()
	svc, err := New(Deps{
		Models: &stubResolver{},
		Tools:  registry,
		Agents: inmem.NewAgentStore(),
	})
	require.NoError(t, err)
	return svc
}

func TestExecuteToolRunsRegisteredTool(t *testing.T) {
	t.Parallel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name:        "get_weather",
		Description: "Current weather for a city.",
		Parameters: []tools.Parameter{
			{Name: "city", Required: true, Description: "City name."},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"city": args["city"], "temp_c": 21}, nil
		},
	}))
	svc := newToolService(t, registry)

	out, err := svc.ExecuteTool(context.Background(), ToolInput{
		Name:      "get_weather",
		Arguments: map[string]any{"city": "Lisbon"},
	})
	require.NoError(t, err)
	require.True(t, out.Result.Success)
	require.Equal(t, "get_weather", out.Result.Name)
	require.False(t, out.External)
	require.Empty(t, out.MCPServer)
}

func TestExecuteToolResolvesSanitizedName(t *testing.T) {
	t.Parallel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name:   "srv_abc:list_events",
		Source: tools.SourceMCP,
		Handler: func(context.Context, map[string]any) (any, error) {
			return "three events", nil
		},
	}))
	svc := newToolService(t, registry)

	out, err := svc.ExecuteTool(context.Background(), ToolInput{Name: "srv_abc__list_events"})
	require.NoError(t, err)
	require.True(t, out.Result.Success)
	require.Equal(t, "srv_abc:list_events", out.Result.Name)
	require.True(t, out.External)
	require.Equal(t, "srv_abc", out.MCPServer)
}

func TestExecuteToolUnknownToolFailsSoftly(t *testing.T) {
	t.Parallel()
	svc := newToolService(t, tools.NewRegistry())

	out, err := svc.ExecuteTool(context.Background(), ToolInput{Name: "nope"})
	require.NoError(t, err)
	require.False(t, out.Result.Success)
	require.Contains(t, out.Result.Error, "unknown tool")
}

func TestExecuteToolHandlerErrorFailsSoftly(t *testing.T) {
	t.Parallel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))
	svc := newToolService(t, registry)

	out, err := svc.ExecuteTool(context.Background(), ToolInput{Name: "broken"})
	require.NoError(t, err)
	require.False(t, out.Result.Success)
	require.Equal(t, "backend unavailable", out.Result.Error)
}

func TestGetToolDefinitionsBuildsSchemas(t *testing.T) {
	t.Parallel()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Descriptor{
		Name: "get_weather",
		Parameters: []tools.Parameter{
			{Name: "city", Required: true},
		},
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}))

	agents := inmem.NewAgentStore()
	require.NoError(t, agents.Save(context.Background(), store.NewAgentRecord("u1", agent.Config{
		ID:          "billing",
		Name:        "Billing",
		Description: "Handles invoices and refunds.",
		Kind:        agent.KindLLM,
		LLM:         &agent.LLMBinding{Provider: "openai", Model: "gpt-4o-mini"},
	})))

	svc, err := New(Deps{Models: &stubResolver{}, Tools: registry, Agents: agents})
	require.NoError(t, err)

	out, err := svc.GetToolDefinitions(context.Background(), ToolDefinitionsInput{
		Tools:       []string{"get_weather", "missing_tool"},
		ChildAgents: []string{"billing"},
	})
	require.NoError(t, err)
	require.Len(t, out.Definitions, 2)
	require.Equal(t, []string{"missing_tool"}, out.Missing)

	require.Equal(t, "get_weather", out.Definitions[0].Name)

	child := out.Definitions[1]
	require.Equal(t, "agent__billing", child.Name)
	require.Contains(t, child.Description, "Billing")
	require.Contains(t, child.Description, "invoices")
	props, ok := child.InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, props, "query")
	require.Contains(t, props, "context")
	require.Equal(t, []string{"query"}, child.InputSchema["required"])
}

func TestGetToolDefinitionsUnknownChildGetsGenericSchema(t *testing.T) {
	t.Parallel()
	svc := newToolService(t, tools.NewRegistry())

	// The call itself will fail softly at execution time; the schema is
	// still offered so the failure is visible to the model.
	out, err := svc.GetToolDefinitions(context.Background(), ToolDefinitionsInput{
		ChildAgents: []string{"ghost"},
	})
	require.NoError(t, err)
	require.Len(t, out.Definitions, 1)
	require.Equal(t, "agent__ghost", out.Definitions[0].Name)
	require.Empty(t, out.Missing)
}
