// Package agent defines the declarative agent model: kinds, capability
// bindings, validation, and the invocation contract shared by the workflow
// layer, the activity layer, and persistence.
//
// An agent is pure configuration. All behavior lives in the runtime; the
// configuration selects which capabilities the runtime wires together for a
// run. Kind names the behavioral contract and the bindings supply the
// capabilities that contract requires. Validate enforces the kind/binding
// pairing so invalid definitions fail before any run starts.
package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind names an agent behavioral contract.
type Kind string

const (
	// KindSimple responds from persona instructions alone, without an LLM.
	KindSimple Kind = "simple"

	// KindLLM generates responses with a single LLM call per turn.
	KindLLM Kind = "llm"

	// KindRAG retrieves knowledge before generating.
	KindRAG Kind = "rag"

	// KindTool runs the LLM tool-calling loop.
	KindTool Kind = "tool"

	// KindFull combines retrieval and the tool-calling loop.
	KindFull Kind = "full"

	// KindRouter classifies the input and delegates to another agent.
	KindRouter Kind = "router"

	// KindOrchestrator coordinates child agents.
	KindOrchestrator Kind = "orchestrator"
)

// OrchestrationMode selects how an orchestrator decides which children to
// call.
type OrchestrationMode string

const (
	// ModeLLMDriven exposes children as tools and lets the LLM plan.
	ModeLLMDriven OrchestrationMode = "llm-driven"

	// ModeWorkflow executes a declared step graph without LLM planning.
	ModeWorkflow OrchestrationMode = "workflow"

	// ModeHybrid tries declarative routing rules first, then optionally
	// falls back to LLM planning.
	ModeHybrid OrchestrationMode = "hybrid"
)

// Aggregation names a strategy for combining child agent results.
type Aggregation string

const (
	// AggregateFirst keeps the first successful result.
	AggregateFirst Aggregation = "first"

	// AggregateAll concatenates every result with attribution headers.
	AggregateAll Aggregation = "all"

	// AggregateVote tallies normalized results and keeps the most common.
	AggregateVote Aggregation = "vote"

	// AggregateMerge merges JSON object results key by key.
	AggregateMerge Aggregation = "merge"

	// AggregateBest asks the LLM to pick the best result.
	AggregateBest Aggregation = "best"
)

// MergePolicy resolves key collisions for AggregateMerge.
type MergePolicy string

const (
	// MergeLast keeps the value from the last result holding the key.
	MergeLast MergePolicy = "last"

	// MergeFirst keeps the value from the first result holding the key.
	MergeFirst MergePolicy = "first"

	// MergeList collects every value for the key into a list.
	MergeList MergePolicy = "list"
)

// SafetyLevel tunes how aggressively the safety filter screens content.
type SafetyLevel string

const (
	// SafetyLow applies only explicit blocked topics and patterns.
	SafetyLow SafetyLevel = "low"

	// SafetyMedium is the default screening level.
	SafetyMedium SafetyLevel = "medium"

	// SafetyHigh adds built-in input and output pattern sets.
	SafetyHigh SafetyLevel = "high"

	// SafetyMaximum is SafetyHigh with the strictest thresholds.
	SafetyMaximum SafetyLevel = "maximum"
)

// RuleCondition names a routing rule match operator.
type RuleCondition string

const (
	// MatchContains matches when the input contains the value.
	MatchContains RuleCondition = "contains"

	// MatchStartsWith matches when the input starts with the value.
	MatchStartsWith RuleCondition = "starts_with"

	// MatchEndsWith matches when the input ends with the value.
	MatchEndsWith RuleCondition = "ends_with"

	// MatchRegex matches when the value compiles and matches as a regular
	// expression.
	MatchRegex RuleCondition = "regex"

	// MatchExact matches on full-string equality.
	MatchExact RuleCondition = "exact"
)

// Default bounds applied by Normalize. Runs never exceed these unless the
// configuration raises them explicitly.
const (
	// DefaultMaxToolIterations bounds the LLM tool-calling loop.
	DefaultMaxToolIterations = 10

	// DefaultMaxOrchestratorIterations bounds LLM-driven orchestration.
	DefaultMaxOrchestratorIterations = 15

	// DefaultMaxParallel bounds concurrent child agent calls.
	DefaultMaxParallel = 5

	// DefaultMaxSameAgentCalls bounds repeated calls to one child within a
	// single orchestration.
	DefaultMaxSameAgentCalls = 3

	// DefaultMaxDepth bounds nested orchestration.
	DefaultMaxDepth = 3

	// DefaultTimeoutSeconds bounds a whole invocation.
	DefaultTimeoutSeconds = 300

	// DefaultToolTimeoutSeconds bounds a single tool execution.
	DefaultToolTimeoutSeconds = 30

	// DefaultTopK is the knowledge retrieval depth.
	DefaultTopK = 5
)

type (
	// Config is the full declarative definition of an agent. Only ID, Name
	// and Kind are universally required; Validate enforces the bindings each
	// Kind needs.
	Config struct {
		// ID uniquely identifies the agent. Lowercase alphanumerics,
		// hyphens and underscores.
		ID string `json:"id" yaml:"id"`

		// Name is the human-readable display name.
		Name string `json:"name" yaml:"name"`

		// Description explains what the agent does. Exposed to parent
		// orchestrators as the agent-tool description.
		Description string `json:"description,omitempty" yaml:"description,omitempty"`

		// Kind selects the behavioral contract.
		Kind Kind `json:"kind" yaml:"kind"`

		// Persona shapes the system prompt.
		Persona Persona `json:"persona,omitempty" yaml:"persona,omitempty"`

		// LLM binds a model provider. Required for every kind except simple.
		LLM *LLMBinding `json:"llm,omitempty" yaml:"llm,omitempty"`

		// Knowledge binds a retrieval collection. Required for rag and full.
		Knowledge *KnowledgeBinding `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`

		// Tools binds executable tools. Required non-empty for tool and full.
		Tools []ToolBinding `json:"tools,omitempty" yaml:"tools,omitempty"`

		// Routes maps intent labels to target agent IDs. Required non-empty
		// for router.
		Routes map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`

		// Orchestrator configures child coordination. Required for
		// orchestrator.
		Orchestrator *OrchestratorBinding `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`

		// Safety configures content screening. Optional; Normalize installs
		// a medium-level default.
		Safety *SafetyBinding `json:"safety,omitempty" yaml:"safety,omitempty"`

		// Governance configures per-agent operational controls.
		Governance *GovernanceBinding `json:"governance,omitempty" yaml:"governance,omitempty"`

		// Validators enables LLM-backed auxiliary checks.
		Validators *ValidatorBinding `json:"validators,omitempty" yaml:"validators,omitempty"`

		// Metadata carries free-form operator annotations. Never interpreted
		// by the runtime.
		Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	}

	// Persona shapes the system prompt assembled for LLM-backed kinds.
	Persona struct {
		// Role is the identity sentence, for example "senior support
		// engineer".
		Role string `json:"role,omitempty" yaml:"role,omitempty"`

		// Expertise lists domains the agent claims competence in.
		Expertise []string `json:"expertise,omitempty" yaml:"expertise,omitempty"`

		// Goal states what the agent optimizes for.
		Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`

		// Instructions is free-form prompt text appended after the
		// structured sections.
		Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

		// Rules are hard constraints rendered as a numbered list.
		Rules []string `json:"rules,omitempty" yaml:"rules,omitempty"`

		// Examples are few-shot input/output pairs.
		Examples []Example `json:"examples,omitempty" yaml:"examples,omitempty"`
	}

	// Example is a single few-shot demonstration.
	Example struct {
		Input  string `json:"input" yaml:"input"`
		Output string `json:"output" yaml:"output"`
	}

	// LLMBinding selects a model provider and generation parameters.
	LLMBinding struct {
		// Provider names the adapter: "openai", "anthropic" or "bedrock".
		Provider string `json:"provider" yaml:"provider"`

		// Model is the provider-specific model identifier.
		Model string `json:"model" yaml:"model"`

		// Temperature overrides the provider default when non-nil.
		Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

		// MaxTokens caps the completion length. Zero means provider default.
		MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

		// FrequencyPenalty and PresencePenalty pass through to providers
		// that support them.
		FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
		PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`

		// SecretRef names the credential in the secret store. Credentials
		// themselves are never part of the configuration.
		SecretRef string `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`
	}

	// KnowledgeBinding selects a retrieval collection.
	KnowledgeBinding struct {
		// Collection names the document collection to search.
		Collection string `json:"collection" yaml:"collection"`

		// EmbeddingModel overrides the collection's default embedder.
		EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`

		// TopK is the number of documents to retrieve. Zero means
		// DefaultTopK.
		TopK int `json:"top_k,omitempty" yaml:"top_k,omitempty"`

		// ScoreThreshold drops documents scoring below it. Zero keeps all.
		ScoreThreshold float64 `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
	}

	// ToolBinding attaches one registered tool to the agent.
	ToolBinding struct {
		// ID is the canonical tool name, possibly namespaced with ':'.
		ID string `json:"id" yaml:"id"`

		// Enabled gates the tool without removing the binding. Normalize
		// defaults it to true.
		Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

		// RequiresConfirmation pauses the run for user approval before
		// executing.
		RequiresConfirmation bool `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`

		// TimeoutSeconds bounds one execution. Zero means
		// DefaultToolTimeoutSeconds.
		TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

		// MaxRetries bounds automatic retries on retryable failures.
		MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	}

	// OrchestratorBinding configures child agent coordination.
	OrchestratorBinding struct {
		// Mode selects the coordination strategy. Normalize defaults to
		// ModeLLMDriven.
		Mode OrchestrationMode `json:"mode,omitempty" yaml:"mode,omitempty"`

		// Agents lists callable child agent IDs. Required for llm-driven
		// and hybrid modes.
		Agents []string `json:"agents,omitempty" yaml:"agents,omitempty"`

		// DefaultAggregation combines parallel child results. Normalize
		// defaults to AggregateAll.
		DefaultAggregation Aggregation `json:"default_aggregation,omitempty" yaml:"default_aggregation,omitempty"`

		// MergePolicy resolves key collisions for AggregateMerge. Normalize
		// defaults to MergeLast.
		MergePolicy MergePolicy `json:"merge_policy,omitempty" yaml:"merge_policy,omitempty"`

		// MaxParallel bounds concurrent child calls. Zero means
		// DefaultMaxParallel.
		MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

		// MaxIterations bounds LLM-driven planning turns. Zero means
		// DefaultMaxOrchestratorIterations.
		MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

		// MaxSameAgentCalls bounds calls to one child per orchestration.
		// Zero means DefaultMaxSameAgentCalls.
		MaxSameAgentCalls int `json:"max_same_agent_calls,omitempty" yaml:"max_same_agent_calls,omitempty"`

		// MaxDepth bounds orchestrator nesting. Zero means DefaultMaxDepth.
		MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`

		// AllowSelfReference permits an orchestrator to call itself.
		AllowSelfReference bool `json:"allow_self_reference,omitempty" yaml:"allow_self_reference,omitempty"`

		// RoutingRules drive hybrid mode. Evaluated by descending Priority.
		RoutingRules []RoutingRule `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`

		// FallbackToLLM lets hybrid mode fall back to LLM planning when no
		// rule matches.
		FallbackToLLM bool `json:"fallback_to_llm,omitempty" yaml:"fallback_to_llm,omitempty"`

		// DefaultAgent receives the input when no rule matches and
		// FallbackToLLM is false.
		DefaultAgent string `json:"default_agent,omitempty" yaml:"default_agent,omitempty"`

		// Workflow is the declared step graph for workflow mode.
		Workflow *WorkflowGraph `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	}

	// RoutingRule matches input text to a child agent in hybrid mode.
	RoutingRule struct {
		// Condition is the match operator.
		Condition RuleCondition `json:"condition" yaml:"condition"`

		// Value is the operand: substring, prefix, suffix, pattern or the
		// exact string, depending on Condition.
		Value string `json:"value" yaml:"value"`

		// Agent is the child to call on match.
		Agent string `json:"agent" yaml:"agent"`

		// Priority orders evaluation, higher first. Ties keep declaration
		// order.
		Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

		// Disabled skips the rule without removing it.
		Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	}

	// WorkflowGraph declares the steps of a workflow-mode orchestration.
	WorkflowGraph struct {
		// Start is the ID of the first step. Empty means the first declared
		// step.
		Start string `json:"start,omitempty" yaml:"start,omitempty"`

		// Steps are the graph nodes keyed by Step.ID.
		Steps []WorkflowStep `json:"steps" yaml:"steps"`
	}

	// WorkflowStep is one node of a workflow graph. Exactly one of Agent,
	// Parallel, Conditional or Loop is set.
	WorkflowStep struct {
		// ID names the step for templates and transitions.
		ID string `json:"id" yaml:"id"`

		// Agent runs a single child with a templated input.
		Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`

		// Input is a template. ${user_input}, ${steps.<id>.output} and
		// ${context.<key>} expand; unknown references expand to empty.
		Input string `json:"input,omitempty" yaml:"input,omitempty"`

		// Parallel runs several children concurrently and aggregates.
		Parallel []ParallelBranch `json:"parallel,omitempty" yaml:"parallel,omitempty"`

		// Aggregation combines Parallel branch results. Empty inherits the
		// orchestrator default.
		Aggregation Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`

		// Conditional branches on a templated value.
		Conditional *ConditionalStep `json:"conditional,omitempty" yaml:"conditional,omitempty"`

		// Loop repeats a body step until an exit condition or a bound.
		Loop *LoopStep `json:"loop,omitempty" yaml:"loop,omitempty"`

		// Next is the following step ID. Empty ends the workflow.
		Next string `json:"next,omitempty" yaml:"next,omitempty"`
	}

	// ParallelBranch is one concurrent child invocation inside a parallel
	// step.
	ParallelBranch struct {
		Agent string `json:"agent" yaml:"agent"`
		Input string `json:"input,omitempty" yaml:"input,omitempty"`
	}

	// ConditionalStep routes to different steps based on a templated value.
	ConditionalStep struct {
		// Source is the template whose expansion is compared against Cases.
		Source string `json:"source" yaml:"source"`

		// Cases maps expanded values to next step IDs.
		Cases map[string]string `json:"cases" yaml:"cases"`

		// Default is the step when no case matches. Empty ends the workflow.
		Default string `json:"default,omitempty" yaml:"default,omitempty"`
	}

	// LoopStep repeats a body step.
	LoopStep struct {
		// Body is the ID of the step to repeat.
		Body string `json:"body" yaml:"body"`

		// MaxIterations bounds the loop. Zero means
		// DefaultMaxToolIterations.
		MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

		// ExitWhen stops the loop early when the expanded Source equals
		// Equals.
		ExitWhen *LoopExit `json:"exit_when,omitempty" yaml:"exit_when,omitempty"`
	}

	// LoopExit is the early termination condition of a loop step.
	LoopExit struct {
		Source string `json:"source" yaml:"source"`
		Equals string `json:"equals" yaml:"equals"`
	}

	// SafetyBinding configures the content safety filter.
	SafetyBinding struct {
		// Level selects the screening aggressiveness. Normalize defaults to
		// SafetyMedium.
		Level SafetyLevel `json:"level,omitempty" yaml:"level,omitempty"`

		// BlockedTopics rejects input mentioning any listed topic.
		BlockedTopics []string `json:"blocked_topics,omitempty" yaml:"blocked_topics,omitempty"`

		// BlockedPatterns rejects content matching any listed regular
		// expression.
		BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`

		// TimeoutSeconds bounds the whole invocation. Zero means
		// DefaultTimeoutSeconds.
		TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

		// MaxCostPerRequest aborts runs whose accumulated provider cost
		// exceeds it. Zero disables the check.
		MaxCostPerRequest float64 `json:"max_cost_per_request,omitempty" yaml:"max_cost_per_request,omitempty"`
	}

	// GovernanceBinding configures per-agent operational controls.
	GovernanceBinding struct {
		// AuditEnabled records every invocation to the audit log.
		AuditEnabled bool `json:"audit_enabled,omitempty" yaml:"audit_enabled,omitempty"`

		// RateLimitPerMinute bounds invocations per agent per minute. Zero
		// disables rate limiting.
		RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`

		// ConfirmationRequired pauses every tool execution for approval.
		ConfirmationRequired bool `json:"confirmation_required,omitempty" yaml:"confirmation_required,omitempty"`
	}

	// ValidatorBinding enables auxiliary LLM-backed checks.
	ValidatorBinding struct {
		// SanitizeInput rewrites suspected prompt injection out of input.
		SanitizeInput bool `json:"sanitize_input,omitempty" yaml:"sanitize_input,omitempty"`

		// ValidateActions reviews LLM responses that skipped obvious tools.
		ValidateActions bool `json:"validate_actions,omitempty" yaml:"validate_actions,omitempty"`

		// DetectLoops watches for repeated question/answer cycles.
		DetectLoops bool `json:"detect_loops,omitempty" yaml:"detect_loops,omitempty"`

		// CheckHallucination verifies answers against retrieved context.
		CheckHallucination bool `json:"check_hallucination,omitempty" yaml:"check_hallucination,omitempty"`

		// Model overrides the validator model. Empty uses the agent's LLM
		// binding.
		Model string `json:"model,omitempty" yaml:"model,omitempty"`
	}
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks structural integrity and the kind/binding pairing. It
// returns a KindConfigInvalid error describing the first violation found.
func (c *Config) Validate() error {
	if c.ID == "" {
		return NewError(KindConfigInvalid, "agent id is required")
	}
	if !idPattern.MatchString(c.ID) {
		return NewError(KindConfigInvalid, "agent id %q must match %s", c.ID, idPattern.String())
	}
	if c.Name == "" {
		return NewError(KindConfigInvalid, "agent %q: name is required", c.ID)
	}
	switch c.Kind {
	case KindSimple:
		// No bindings required.
	case KindLLM:
		if err := c.requireLLM(); err != nil {
			return err
		}
	case KindRAG:
		if err := c.requireLLM(); err != nil {
			return err
		}
		if c.Knowledge == nil || c.Knowledge.Collection == "" {
			return NewError(KindConfigInvalid, "agent %q: kind rag requires a knowledge binding", c.ID)
		}
	case KindTool:
		if err := c.requireLLM(); err != nil {
			return err
		}
		if err := c.requireTools(); err != nil {
			return err
		}
	case KindFull:
		if err := c.requireLLM(); err != nil {
			return err
		}
		if c.Knowledge == nil || c.Knowledge.Collection == "" {
			return NewError(KindConfigInvalid, "agent %q: kind full requires a knowledge binding", c.ID)
		}
		if err := c.requireTools(); err != nil {
			return err
		}
	case KindRouter:
		if err := c.requireLLM(); err != nil {
			return err
		}
		if len(c.Routes) == 0 {
			return NewError(KindConfigInvalid, "agent %q: kind router requires a non-empty routing table", c.ID)
		}
		for label, target := range c.Routes {
			if target == "" {
				return NewError(KindConfigInvalid, "agent %q: route %q has no target agent", c.ID, label)
			}
		}
	case KindOrchestrator:
		if err := c.requireLLM(); err != nil {
			return err
		}
		if err := c.validateOrchestrator(); err != nil {
			return err
		}
	default:
		return NewError(KindConfigInvalid, "agent %q: unknown kind %q", c.ID, c.Kind)
	}
	if err := c.validateSafety(); err != nil {
		return err
	}
	for i, t := range c.Tools {
		if t.ID == "" {
			return NewError(KindConfigInvalid, "agent %q: tool binding %d has no id", c.ID, i)
		}
	}
	return nil
}

func (c *Config) requireLLM() error {
	if c.LLM == nil {
		return NewError(KindConfigInvalid, "agent %q: kind %s requires an llm binding", c.ID, c.Kind)
	}
	if c.LLM.Provider == "" || c.LLM.Model == "" {
		return NewError(KindConfigInvalid, "agent %q: llm binding requires provider and model", c.ID)
	}
	return nil
}

func (c *Config) requireTools() error {
	if len(c.Tools) == 0 {
		return NewError(KindConfigInvalid, "agent %q: kind %s requires at least one tool binding", c.ID, c.Kind)
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	o := c.Orchestrator
	if o == nil {
		return NewError(KindConfigInvalid, "agent %q: kind orchestrator requires an orchestrator binding", c.ID)
	}
	mode := o.Mode
	if mode == "" {
		mode = ModeLLMDriven
	}
	switch mode {
	case ModeLLMDriven:
		if len(o.Agents) == 0 {
			return NewError(KindConfigInvalid, "agent %q: llm-driven orchestration requires at least one child agent", c.ID)
		}
	case ModeWorkflow:
		if o.Workflow == nil || len(o.Workflow.Steps) == 0 {
			return NewError(KindConfigInvalid, "agent %q: workflow orchestration requires a step graph", c.ID)
		}
		if err := validateWorkflow(c.ID, o.Workflow); err != nil {
			return err
		}
	case ModeHybrid:
		if len(o.RoutingRules) == 0 {
			return NewError(KindConfigInvalid, "agent %q: hybrid orchestration requires routing rules", c.ID)
		}
		if !o.FallbackToLLM && o.DefaultAgent == "" {
			return NewError(KindConfigInvalid, "agent %q: hybrid orchestration requires fallback_to_llm or a default agent", c.ID)
		}
		if o.FallbackToLLM && len(o.Agents) == 0 {
			return NewError(KindConfigInvalid, "agent %q: hybrid fallback requires child agents", c.ID)
		}
	default:
		return NewError(KindConfigInvalid, "agent %q: unknown orchestration mode %q", c.ID, o.Mode)
	}
	for i, r := range o.RoutingRules {
		switch r.Condition {
		case MatchContains, MatchStartsWith, MatchEndsWith, MatchExact:
		case MatchRegex:
			if _, err := regexp.Compile(r.Value); err != nil {
				return WrapError(KindConfigInvalid, err, "agent %q: routing rule %d has an invalid pattern", c.ID, i)
			}
		default:
			return NewError(KindConfigInvalid, "agent %q: routing rule %d has unknown condition %q", c.ID, i, r.Condition)
		}
		if r.Agent == "" {
			return NewError(KindConfigInvalid, "agent %q: routing rule %d has no target agent", c.ID, i)
		}
	}
	switch o.DefaultAggregation {
	case "", AggregateFirst, AggregateAll, AggregateVote, AggregateMerge, AggregateBest:
	default:
		return NewError(KindConfigInvalid, "agent %q: unknown aggregation %q", c.ID, o.DefaultAggregation)
	}
	switch o.MergePolicy {
	case "", MergeLast, MergeFirst, MergeList:
	default:
		return NewError(KindConfigInvalid, "agent %q: unknown merge policy %q", c.ID, o.MergePolicy)
	}
	return nil
}

func validateWorkflow(agentID string, g *WorkflowGraph) error {
	ids := make(map[string]bool, len(g.Steps))
	for i, s := range g.Steps {
		if s.ID == "" {
			return NewError(KindConfigInvalid, "agent %q: workflow step %d has no id", agentID, i)
		}
		if ids[s.ID] {
			return NewError(KindConfigInvalid, "agent %q: duplicate workflow step id %q", agentID, s.ID)
		}
		ids[s.ID] = true
		n := 0
		if s.Agent != "" {
			n++
		}
		if len(s.Parallel) > 0 {
			n++
		}
		if s.Conditional != nil {
			n++
		}
		if s.Loop != nil {
			n++
		}
		if n != 1 {
			return NewError(KindConfigInvalid, "agent %q: workflow step %q must set exactly one of agent, parallel, conditional or loop", agentID, s.ID)
		}
	}
	if g.Start != "" && !ids[g.Start] {
		return NewError(KindConfigInvalid, "agent %q: workflow start step %q is not declared", agentID, g.Start)
	}
	for _, s := range g.Steps {
		if s.Next != "" && !ids[s.Next] {
			return NewError(KindConfigInvalid, "agent %q: workflow step %q references unknown next step %q", agentID, s.ID, s.Next)
		}
		if s.Conditional != nil {
			for v, next := range s.Conditional.Cases {
				if next != "" && !ids[next] {
					return NewError(KindConfigInvalid, "agent %q: workflow step %q case %q references unknown step %q", agentID, s.ID, v, next)
				}
			}
			if d := s.Conditional.Default; d != "" && !ids[d] {
				return NewError(KindConfigInvalid, "agent %q: workflow step %q default references unknown step %q", agentID, s.ID, d)
			}
		}
		if s.Loop != nil && !ids[s.Loop.Body] {
			return NewError(KindConfigInvalid, "agent %q: workflow step %q loop body %q is not declared", agentID, s.ID, s.Loop.Body)
		}
	}
	return nil
}

func (c *Config) validateSafety() error {
	if c.Safety == nil {
		return nil
	}
	switch c.Safety.Level {
	case "", SafetyLow, SafetyMedium, SafetyHigh, SafetyMaximum:
	default:
		return NewError(KindConfigInvalid, "agent %q: unknown safety level %q", c.ID, c.Safety.Level)
	}
	for i, p := range c.Safety.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return WrapError(KindConfigInvalid, err, "agent %q: blocked pattern %d is invalid", c.ID, i)
		}
	}
	return nil
}

// Normalize fills defaults in place. It never overwrites explicit values and
// is idempotent. Callers run Validate first; Normalize assumes a valid
// configuration.
func (c *Config) Normalize() {
	if c.Safety == nil {
		c.Safety = &SafetyBinding{}
	}
	if c.Safety.Level == "" {
		c.Safety.Level = SafetyMedium
	}
	if c.Safety.TimeoutSeconds == 0 {
		c.Safety.TimeoutSeconds = DefaultTimeoutSeconds
	}
	for i := range c.Tools {
		t := &c.Tools[i]
		if t.Enabled == nil {
			enabled := true
			t.Enabled = &enabled
		}
		if t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = DefaultToolTimeoutSeconds
		}
	}
	if c.Knowledge != nil && c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = DefaultTopK
	}
	if o := c.Orchestrator; o != nil {
		if o.Mode == "" {
			o.Mode = ModeLLMDriven
		}
		if o.DefaultAggregation == "" {
			o.DefaultAggregation = AggregateAll
		}
		if o.MergePolicy == "" {
			o.MergePolicy = MergeLast
		}
		if o.MaxParallel == 0 {
			o.MaxParallel = DefaultMaxParallel
		}
		if o.MaxIterations == 0 {
			o.MaxIterations = DefaultMaxOrchestratorIterations
		}
		if o.MaxSameAgentCalls == 0 {
			o.MaxSameAgentCalls = DefaultMaxSameAgentCalls
		}
		if o.MaxDepth == 0 {
			o.MaxDepth = DefaultMaxDepth
		}
		if o.Workflow != nil {
			for i := range o.Workflow.Steps {
				if l := o.Workflow.Steps[i].Loop; l != nil && l.MaxIterations == 0 {
					l.MaxIterations = DefaultMaxToolIterations
				}
			}
		}
	}
}

// EnabledTools returns the bindings whose Enabled flag is true, preserving
// declaration order.
func (c *Config) EnabledTools() []ToolBinding {
	out := make([]ToolBinding, 0, len(c.Tools))
	for _, t := range c.Tools {
		if t.Enabled == nil || *t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// StartStep resolves the entry step of a workflow graph.
func (g *WorkflowGraph) StartStep() string {
	if g.Start != "" {
		return g.Start
	}
	if len(g.Steps) > 0 {
		return g.Steps[0].ID
	}
	return ""
}

// Step returns the step with the given ID, or nil.
func (g *WorkflowGraph) Step(id string) *WorkflowStep {
	for i := range g.Steps {
		if g.Steps[i].ID == id {
			return &g.Steps[i]
		}
	}
	return nil
}

// SystemPrompt renders the persona into prompt text. Sections appear in a
// fixed order so prompts are stable across runs.
func (p *Persona) SystemPrompt() string {
	var b strings.Builder
	if p.Role != "" {
		fmt.Fprintf(&b, "You are %s.", p.Role)
	}
	if len(p.Expertise) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Areas of expertise: %s.", strings.Join(p.Expertise, ", "))
	}
	if p.Goal != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Your goal: %s", p.Goal)
	}
	if len(p.Rules) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Rules you must follow:")
		for i, r := range p.Rules {
			fmt.Fprintf(&b, "\n%d. %s", i+1, r)
		}
	}
	if len(p.Examples) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Examples:")
		for _, ex := range p.Examples {
			fmt.Fprintf(&b, "\n\nInput: %s\nOutput: %s", ex.Input, ex.Output)
		}
	}
	if p.Instructions != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Instructions)
	}
	return b.String()
}
