package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validLLM() *LLMBinding {
	return &LLMBinding{Provider: "openai", Model: "gpt-4o"}
}

func TestValidateKindBindings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "simple_needs_nothing",
			cfg:  Config{ID: "echo", Name: "Echo", Kind: KindSimple},
		},
		{
			name:    "llm_requires_binding",
			cfg:     Config{ID: "chat", Name: "Chat", Kind: KindLLM},
			wantErr: "requires an llm binding",
		},
		{
			name: "llm_ok",
			cfg:  Config{ID: "chat", Name: "Chat", Kind: KindLLM, LLM: validLLM()},
		},
		{
			name:    "llm_requires_provider_and_model",
			cfg:     Config{ID: "chat", Name: "Chat", Kind: KindLLM, LLM: &LLMBinding{Provider: "openai"}},
			wantErr: "provider and model",
		},
		{
			name:    "rag_requires_knowledge",
			cfg:     Config{ID: "docs", Name: "Docs", Kind: KindRAG, LLM: validLLM()},
			wantErr: "requires a knowledge binding",
		},
		{
			name: "rag_ok",
			cfg: Config{ID: "docs", Name: "Docs", Kind: KindRAG, LLM: validLLM(),
				Knowledge: &KnowledgeBinding{Collection: "faq"}},
		},
		{
			name:    "tool_requires_tools",
			cfg:     Config{ID: "helper", Name: "Helper", Kind: KindTool, LLM: validLLM()},
			wantErr: "at least one tool binding",
		},
		{
			name: "tool_ok",
			cfg: Config{ID: "helper", Name: "Helper", Kind: KindTool, LLM: validLLM(),
				Tools: []ToolBinding{{ID: "calculator"}}},
		},
		{
			name: "full_requires_knowledge_and_tools",
			cfg: Config{ID: "everything", Name: "Everything", Kind: KindFull, LLM: validLLM(),
				Tools: []ToolBinding{{ID: "calculator"}}},
			wantErr: "requires a knowledge binding",
		},
		{
			name:    "router_requires_routes",
			cfg:     Config{ID: "front", Name: "Front", Kind: KindRouter, LLM: validLLM()},
			wantErr: "non-empty routing table",
		},
		{
			name: "router_ok",
			cfg: Config{ID: "front", Name: "Front", Kind: KindRouter, LLM: validLLM(),
				Routes: map[string]string{"billing": "billing-agent"}},
		},
		{
			name:    "orchestrator_requires_binding",
			cfg:     Config{ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM()},
			wantErr: "requires an orchestrator binding",
		},
		{
			name: "orchestrator_requires_children",
			cfg: Config{ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM(),
				Orchestrator: &OrchestratorBinding{}},
			wantErr: "at least one child agent",
		},
		{
			name: "orchestrator_ok",
			cfg: Config{ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM(),
				Orchestrator: &OrchestratorBinding{Agents: []string{"researcher"}}},
		},
		{
			name:    "unknown_kind",
			cfg:     Config{ID: "x", Name: "X", Kind: Kind("psychic")},
			wantErr: `unknown kind "psychic"`,
		},
		{
			name:    "id_required",
			cfg:     Config{Name: "X", Kind: KindSimple},
			wantErr: "id is required",
		},
		{
			name:    "id_charset",
			cfg:     Config{ID: "Bad ID!", Name: "X", Kind: KindSimple},
			wantErr: "must match",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
			require.Equal(t, KindConfigInvalid, KindOf(err))
		})
	}
}

func TestValidateHybridMode(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM(),
			Orchestrator: &OrchestratorBinding{
				Mode: ModeHybrid,
				RoutingRules: []RoutingRule{
					{Condition: MatchContains, Value: "invoice", Agent: "billing", Priority: 10},
				},
				DefaultAgent: "general",
			}}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Orchestrator.DefaultAgent = ""
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "fallback_to_llm or a default agent")

	cfg = base()
	cfg.Orchestrator.DefaultAgent = ""
	cfg.Orchestrator.FallbackToLLM = true
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "fallback requires child agents")

	cfg = base()
	cfg.Orchestrator.RoutingRules[0].Condition = MatchRegex
	cfg.Orchestrator.RoutingRules[0].Value = "([unclosed"
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid pattern")

	cfg = base()
	cfg.Orchestrator.RoutingRules[0].Condition = RuleCondition("sounds_like")
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown condition")
}

func TestValidateWorkflowGraph(t *testing.T) {
	t.Parallel()

	mk := func(g *WorkflowGraph) Config {
		return Config{ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM(),
			Orchestrator: &OrchestratorBinding{Mode: ModeWorkflow, Workflow: g}}
	}

	cfg := mk(&WorkflowGraph{Steps: []WorkflowStep{
		{ID: "research", Agent: "researcher", Input: "${user_input}", Next: "write"},
		{ID: "write", Agent: "writer", Input: "${steps.research.output}"},
	}})
	require.NoError(t, cfg.Validate())

	cfg = mk(&WorkflowGraph{Steps: []WorkflowStep{
		{ID: "a", Agent: "x"}, {ID: "a", Agent: "y"},
	}})
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate workflow step id")

	cfg = mk(&WorkflowGraph{Steps: []WorkflowStep{
		{ID: "a", Agent: "x", Next: "nowhere"},
	}})
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown next step")

	cfg = mk(&WorkflowGraph{Steps: []WorkflowStep{
		{ID: "a", Agent: "x", Parallel: []ParallelBranch{{Agent: "y"}}},
	}})
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one of")

	cfg = mk(&WorkflowGraph{Steps: []WorkflowStep{
		{ID: "a", Loop: &LoopStep{Body: "missing"}},
	}})
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "loop body")

	cfg = mk(&WorkflowGraph{Start: "ghost", Steps: []WorkflowStep{{ID: "a", Agent: "x"}}})
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "start step")
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		ID: "boss", Name: "Boss", Kind: KindOrchestrator, LLM: validLLM(),
		Tools: []ToolBinding{{ID: "calculator"}},
		Orchestrator: &OrchestratorBinding{
			Agents: []string{"researcher"},
			Workflow: &WorkflowGraph{Steps: []WorkflowStep{
				{ID: "l", Loop: &LoopStep{Body: "l"}},
			}},
		},
	}
	cfg.Normalize()

	require.Equal(t, SafetyMedium, cfg.Safety.Level)
	require.Equal(t, DefaultTimeoutSeconds, cfg.Safety.TimeoutSeconds)
	require.NotNil(t, cfg.Tools[0].Enabled)
	require.True(t, *cfg.Tools[0].Enabled)
	require.Equal(t, DefaultToolTimeoutSeconds, cfg.Tools[0].TimeoutSeconds)

	o := cfg.Orchestrator
	require.Equal(t, ModeLLMDriven, o.Mode)
	require.Equal(t, AggregateAll, o.DefaultAggregation)
	require.Equal(t, MergeLast, o.MergePolicy)
	require.Equal(t, DefaultMaxParallel, o.MaxParallel)
	require.Equal(t, DefaultMaxOrchestratorIterations, o.MaxIterations)
	require.Equal(t, DefaultMaxSameAgentCalls, o.MaxSameAgentCalls)
	require.Equal(t, DefaultMaxDepth, o.MaxDepth)
	require.Equal(t, DefaultMaxToolIterations, o.Workflow.Steps[0].Loop.MaxIterations)

	// Idempotent and non-destructive.
	temp := 0.2
	cfg.LLM.Temperature = &temp
	o.MaxParallel = 2
	cfg.Normalize()
	require.Equal(t, 2, o.MaxParallel)
	require.Equal(t, 0.2, *cfg.LLM.Temperature)
}

func TestNormalizeKeepsDisabledTool(t *testing.T) {
	t.Parallel()

	disabled := false
	cfg := Config{ID: "a", Name: "A", Kind: KindSimple,
		Tools: []ToolBinding{{ID: "t1", Enabled: &disabled}, {ID: "t2"}}}
	cfg.Normalize()

	require.False(t, *cfg.Tools[0].Enabled)
	enabled := cfg.EnabledTools()
	require.Len(t, enabled, 1)
	require.Equal(t, "t2", enabled[0].ID)
}

func TestPersonaSystemPrompt(t *testing.T) {
	t.Parallel()

	p := Persona{
		Role:      "a meticulous research assistant",
		Expertise: []string{"biology", "chemistry"},
		Goal:      "answer with citations.",
		Rules:     []string{"Never speculate.", "Cite sources."},
		Examples:  []Example{{Input: "hi", Output: "hello"}},
	}
	got := p.SystemPrompt()

	require.Contains(t, got, "You are a meticulous research assistant.")
	require.Contains(t, got, "Areas of expertise: biology, chemistry.")
	require.Contains(t, got, "Your goal: answer with citations.")
	require.Contains(t, got, "1. Never speculate.")
	require.Contains(t, got, "2. Cite sources.")
	require.Contains(t, got, "Input: hi\nOutput: hello")

	empty := Persona{}
	require.Empty(t, empty.SystemPrompt())
}

func TestWorkflowGraphLookup(t *testing.T) {
	t.Parallel()

	g := &WorkflowGraph{Steps: []WorkflowStep{
		{ID: "first", Agent: "a"},
		{ID: "second", Agent: "b"},
	}}
	require.Equal(t, "first", g.StartStep())
	require.NotNil(t, g.Step("second"))
	require.Nil(t, g.Step("third"))

	g.Start = "second"
	require.Equal(t, "second", g.StartStep())
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := NewError(KindTimeout, "tool %s timed out", "calculator")
	require.Equal(t, KindTimeout, KindOf(err))
	require.True(t, Retryable(err))
	require.Contains(t, err.Error(), "timeout: tool calculator timed out")

	cause := errors.New("dial tcp: connection refused")
	wrapped := WrapError(KindTransport, cause, "calling provider")
	require.True(t, errors.Is(wrapped, cause))
	require.True(t, Retryable(wrapped))

	require.False(t, Retryable(NewError(KindInputUnsafe, "blocked")))
	require.False(t, Retryable(NewError(KindConfigInvalid, "bad")))
	require.Equal(t, KindFatal, KindOf(errors.New("anonymous")))
}
