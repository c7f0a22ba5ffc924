package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	temp := 0.2
	enabled := true
	orig := Config{
		ID:   "research",
		Name: "Research",
		Kind: KindOrchestrator,
		Persona: Persona{
			Role:      "analyst",
			Expertise: []string{"markets"},
			Rules:     []string{"cite sources"},
			Examples:  []Example{{Input: "hi", Output: "hello"}},
		},
		LLM: &LLMBinding{Provider: "anthropic", Model: "claude", Temperature: &temp},
		Knowledge: &KnowledgeBinding{Collection: "papers", TopK: 3},
		Tools: []ToolBinding{{ID: "search", Enabled: &enabled}},
		Routes: map[string]string{"billing": "agent-b"},
		Orchestrator: &OrchestratorBinding{
			Mode:         ModeWorkflow,
			Agents:       []string{"a", "b"},
			RoutingRules: []RoutingRule{{Condition: MatchContains, Value: "x", Agent: "a"}},
			Workflow: &WorkflowGraph{Steps: []WorkflowStep{
				{ID: "fan", Parallel: []ParallelBranch{{Agent: "a"}, {Agent: "b"}}},
				{ID: "pick", Conditional: &ConditionalStep{Source: "${steps.fan.output}", Cases: map[string]string{"yes": "fan"}}},
				{ID: "again", Loop: &LoopStep{Body: "fan", ExitWhen: &LoopExit{Source: "${steps.fan.output}", Equals: "done"}}},
			}},
		},
		Safety:     &SafetyBinding{Level: SafetyHigh, BlockedTopics: []string{"weapons"}},
		Governance: &GovernanceBinding{AuditEnabled: true},
		Validators: &ValidatorBinding{DetectLoops: true},
		Metadata:   map[string]string{"team": "ops"},
	}

	cp := orig.Clone()
	require.Equal(t, orig, cp)

	// Mutating the clone must never reach the original.
	*cp.LLM.Temperature = 0.9
	cp.Persona.Expertise[0] = "weather"
	cp.Persona.Examples[0].Output = "changed"
	*cp.Tools[0].Enabled = false
	cp.Routes["billing"] = "other"
	cp.Orchestrator.Agents[0] = "z"
	cp.Orchestrator.Workflow.Steps[0].Parallel[0].Agent = "z"
	cp.Orchestrator.Workflow.Steps[1].Conditional.Cases["yes"] = "pick"
	cp.Orchestrator.Workflow.Steps[2].Loop.ExitWhen.Equals = "never"
	cp.Safety.BlockedTopics[0] = "nothing"
	cp.Metadata["team"] = "other"

	require.Equal(t, 0.2, *orig.LLM.Temperature)
	require.Equal(t, "markets", orig.Persona.Expertise[0])
	require.Equal(t, "hello", orig.Persona.Examples[0].Output)
	require.True(t, *orig.Tools[0].Enabled)
	require.Equal(t, "agent-b", orig.Routes["billing"])
	require.Equal(t, "a", orig.Orchestrator.Agents[0])
	require.Equal(t, "a", orig.Orchestrator.Workflow.Steps[0].Parallel[0].Agent)
	require.Equal(t, "fan", orig.Orchestrator.Workflow.Steps[1].Conditional.Cases["yes"])
	require.Equal(t, "done", orig.Orchestrator.Workflow.Steps[2].Loop.ExitWhen.Equals)
	require.Equal(t, "weapons", orig.Safety.BlockedTopics[0])
	require.Equal(t, "ops", orig.Metadata["team"])
}

func TestCloneNilBindings(t *testing.T) {
	t.Parallel()

	orig := Config{ID: "echo", Name: "Echo", Kind: KindSimple}
	cp := orig.Clone()
	require.Equal(t, orig, cp)
	require.Nil(t, cp.LLM)
	require.Nil(t, cp.Tools)
	require.Nil(t, cp.Routes)
	require.Nil(t, cp.Orchestrator)
}
