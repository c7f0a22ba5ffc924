// Package activity implements the recorded side effects of agent workflows.
// Every model call, safety screen, retrieval, tool execution, and child-agent
// invocation runs here, on the worker pool, so the deterministic workflow
// body only ever replays recorded outcomes. Handlers are methods on a Service
// wired with process-level dependencies; Definitions binds them to their
// engine-registered names and per-activity timeout/retry tables.
//
// Handlers distinguish two failure planes. Domain failures that the control
// loop feeds back to the model (an unknown tool, a failed tool run, an
// unavailable child) are returned inside the output payload. Activity errors
// are reserved for infrastructure faults the engine should retry, and carry
// typed kinds so retry policies can refuse the unretryable ones.
package activity

import (
	"context"
	"time"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/knowledge"
	"github.com/ensembleworks/ensemble/runtime/mcp"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/safety"
	"github.com/ensembleworks/ensemble/runtime/store"
	"github.com/ensembleworks/ensemble/runtime/stream"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
	"github.com/ensembleworks/ensemble/runtime/tools"
	"github.com/ensembleworks/ensemble/runtime/validators"
)

// Registered activity names. Workflow code schedules activities by these
// constants; renaming one breaks replay of in-flight runs.
const (
	NameLLMCompletion      = "llm_completion"
	NameCheckInputSafety   = "check_input_safety"
	NameCheckOutputSafety  = "check_output_safety"
	NameRetrieveKnowledge  = "retrieve_knowledge"
	NameExecuteTool        = "execute_tool"
	NameGetToolDefinitions = "get_tool_definitions"
	NameExecuteAgentAsTool = "execute_agent_as_tool"
	NameExecuteSimpleAgent = "execute_simple_agent"
	NameValidateAction     = "validate_action"
	NameDetectLoop         = "detect_loop"
	NameCheckHallucination = "check_hallucination"
	NameSanitizeInput      = "sanitize_input"
	NameSanitizeToolResult = "sanitize_tool_result"
	NamePublishEvent       = "publish_event"
)

// Default activity deadlines. The exported ones are defaults only: the
// workflow overrides them per call from the agent's bindings and from the
// run's remaining time budget.
const (
	LLMTimeout       = 120 * time.Second
	KnowledgeTimeout = 30 * time.Second
	ToolTimeout      = 30 * time.Second
	ChildTimeout     = 300 * time.Second

	validatorTimeout = 60 * time.Second
	safetyTimeout    = 10 * time.Second
	lookupTimeout    = 10 * time.Second
	publishTimeout   = 5 * time.Second
)

type (
	// ModelResolver returns the chat client serving one LLM binding.
	// Resolution covers provider lookup and credential handling;
	// implementations cache clients so activities can call Resolve on every
	// invocation.
	ModelResolver interface {
		Resolve(ctx context.Context, binding agent.LLMBinding) (model.Client, error)
	}

	// AgentRunner starts one agent run and waits for its response. The
	// process runner implements it on top of the engine; the caller supplies
	// the workflow ID, so a retried activity attaches to the execution its
	// previous attempt started instead of launching a second one.
	AgentRunner interface {
		Run(ctx context.Context, workflowID string, in agent.RunInput) (agent.RunOutput, error)
	}

	// Deps wires the Service to process-level state. Models is required.
	// Optional dependencies degrade per activity: a missing knowledge opener
	// fails retrieval with a configuration error, a missing sink makes
	// publishing a no-op, and a missing checker passes validator activities
	// through conservatively.
	Deps struct {
		// Models resolves LLM bindings to provider clients. Required.
		Models ModelResolver
		// Tools is the registry tools execute against. Defaults to
		// tools.Default.
		Tools *tools.Registry
		// MCP resolves "mcp:<template>:<tool>" bindings. Optional.
		MCP *mcp.Manager
		// Knowledge opens named collections for retrieval. Optional.
		Knowledge knowledge.Opener
		// Safety screens input and output. Defaults to the built-in filter.
		Safety *safety.Filter
		// Validators runs the LLM-backed quality checks. Optional.
		Validators *validators.Checker
		// Agents loads child-agent definitions. Optional.
		Agents store.AgentRepository
		// Runner starts child-agent runs. Optional.
		Runner AgentRunner
		// Sink receives published stream events. Optional.
		Sink stream.Sink
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Service hosts the activity handlers.
	Service struct {
		models     ModelResolver
		tools      *tools.Registry
		mcp        *mcp.Manager
		knowledge  knowledge.Opener
		safety     *safety.Filter
		validators *validators.Checker
		agents     store.AgentRepository
		runner     AgentRunner
		sink       stream.Sink
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}
)

// New validates the dependencies and returns the activity service.
func New(deps Deps) (*Service, error) {
	if deps.Models == nil {
		return nil, agent.NewError(agent.KindConfigInvalid, "activity service requires a model resolver")
	}
	if deps.Tools == nil {
		deps.Tools = tools.Default
	}
	if deps.Safety == nil {
		deps.Safety = safety.New(safety.Options{Logger: deps.Logger})
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		models:     deps.Models,
		tools:      deps.Tools,
		mcp:        deps.MCP,
		knowledge:  deps.Knowledge,
		safety:     deps.Safety,
		validators: deps.Validators,
		agents:     deps.Agents,
		runner:     deps.Runner,
		sink:       deps.Sink,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}, nil
}

// Definitions returns every activity this service implements, bound to its
// registered name and default options. Register the full set on each worker;
// the workflow assumes all of them are present.
func (s *Service) Definitions() []engine.ActivityDefinition {
	return []engine.ActivityDefinition{
		{Name: NameLLMCompletion, Options: options(LLMTimeout), Handler: engine.Activity(s.LLMCompletion)},
		{Name: NameCheckInputSafety, Options: options(safetyTimeout), Handler: engine.Activity(s.CheckInputSafety)},
		{Name: NameCheckOutputSafety, Options: options(safetyTimeout), Handler: engine.Activity(s.CheckOutputSafety)},
		{Name: NameRetrieveKnowledge, Options: options(KnowledgeTimeout), Handler: engine.Activity(s.RetrieveKnowledge)},
		{Name: NameExecuteTool, Options: options(ToolTimeout), Handler: engine.Activity(s.ExecuteTool)},
		{Name: NameGetToolDefinitions, Options: options(lookupTimeout), Handler: engine.Activity(s.GetToolDefinitions)},
		{Name: NameExecuteAgentAsTool, Options: options(ChildTimeout), Handler: engine.Activity(s.ExecuteAgentAsTool)},
		{Name: NameExecuteSimpleAgent, Options: options(lookupTimeout), Handler: engine.Activity(s.ExecuteSimpleAgent)},
		{Name: NameValidateAction, Options: options(validatorTimeout), Handler: engine.Activity(s.ValidateAction)},
		{Name: NameDetectLoop, Options: options(validatorTimeout), Handler: engine.Activity(s.DetectLoop)},
		{Name: NameCheckHallucination, Options: options(validatorTimeout), Handler: engine.Activity(s.CheckHallucination)},
		{Name: NameSanitizeInput, Options: options(validatorTimeout), Handler: engine.Activity(s.SanitizeInput)},
		{Name: NameSanitizeToolResult, Options: options(validatorTimeout), Handler: engine.Activity(s.SanitizeToolResult)},
		{Name: NamePublishEvent, Options: publishOptions(), Handler: engine.Activity(s.PublishEvent)},
	}
}

// nonRetryableKinds lists the error kinds no retry can fix: bad
// configuration, safety rejections, and malformed structured output.
func nonRetryableKinds() []string {
	return []string{
		string(agent.KindConfigInvalid),
		string(agent.KindInputUnsafe),
		string(agent.KindOutputUnsafe),
		string(agent.KindSchemaParse),
		string(agent.KindChildUnavailable),
	}
}

// options builds the standard per-activity options: the given deadline and
// the platform retry curve (3 attempts, 1s doubling to 60s) minus the kinds
// that never heal.
func options(timeout time.Duration) engine.ActivityOptions {
	retry := engine.DefaultRetryPolicy()
	retry.NonRetryable = nonRetryableKinds()
	return engine.ActivityOptions{Timeout: timeout, Retry: &retry}
}

// publishOptions bounds event publication tightly: streaming is advisory, so
// one quick retry is all a flaky sink gets before the workflow moves on.
func publishOptions() engine.ActivityOptions {
	retry := engine.DefaultRetryPolicy()
	retry.MaxAttempts = 2
	return engine.ActivityOptions{Timeout: publishTimeout, Retry: &retry}
}
