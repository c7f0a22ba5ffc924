// Package runner is the process-level entry point for agent invocations. It
// registers the workflow and activity definitions on an engine, resolves
// stored agent definitions, carries conversation state across turns, follows
// router reroutes, and projects execution events to streaming callers.
//
// One Runner serves a whole process. Workers construct it with the Temporal
// engine and let its registration side run agent workflows; API processes
// construct it the same way and call Invoke or Stream. The Runner also backs
// the activity layer's child-agent execution, so nested agents run through
// the same start path as top-level requests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
	"github.com/ensembleworks/ensemble/runtime/stream"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
	"github.com/ensembleworks/ensemble/runtime/workflow"
)

type (
	// Options configures a Runner.
	Options struct {
		// Engine hosts the workflows and activities. Required.
		Engine engine.Engine

		// Agents resolves agent IDs to stored definitions. Required.
		Agents store.AgentRepository

		// Conversations persists conversation turns. Nil disables
		// persistence: runs are stateless and History comes only from the
		// request.
		Conversations store.ConversationRepository

		// Activities carries the activity-layer dependencies. Models is
		// required; the Runner fills Runner, Agents and Sink when unset.
		Activities activity.Deps

		// Broker fans published events out to streaming subscribers.
		// Defaults to a fresh broker wired as the activity sink.
		Broker *stream.Broker

		// TaskQueue routes the agent workflow and its activities. Empty
		// uses the engine default.
		TaskQueue string

		// FollowReroutes makes Invoke and Stream transparently run the
		// target of a router decision instead of returning the handoff.
		FollowReroutes bool

		// HistoryLimit bounds how many stored messages seed an invocation.
		// Zero means DefaultHistoryLimit.
		HistoryLimit int

		// Logger defaults to a no-op logger.
		Logger telemetry.Logger

		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// InvokeRequest describes one agent invocation.
	InvokeRequest struct {
		// AgentID names the stored agent definition. Required.
		AgentID string

		// Input is the user's message. Required.
		Input string

		// UserID attributes the invocation and owns any conversation the
		// runner creates.
		UserID string

		// ConversationID continues an existing conversation. Empty starts
		// a new one when persistence is configured.
		ConversationID string

		// History seeds the model transcript for stateless callers. It is
		// ignored when the conversation store supplies history.
		History []model.Message

		// Metadata is carried into the invocation unmodified.
		Metadata map[string]string
	}

	// InvokeResult is the outcome of one invocation after any reroutes.
	InvokeResult struct {
		// Response is the final agent response.
		Response agent.Response

		// AgentID is the agent that produced Response. It differs from the
		// requested agent when a reroute was followed.
		AgentID string

		// RunID is the workflow ID of the run that produced Response.
		RunID string

		// ExecutionID is the engine-assigned run identifier.
		ExecutionID string

		// ConversationID identifies the conversation the turn was recorded
		// in. Empty without persistence.
		ConversationID string

		// MessageID identifies the persisted assistant message. Empty when
		// persistence is disabled or the save failed.
		MessageID string
	}

	// Runner starts agent runs and mediates between callers, the engine and
	// the stores.
	Runner struct {
		eng     engine.Engine
		agents  store.AgentRepository
		convs   store.ConversationRepository
		broker  *stream.Broker
		queue   string
		follow  bool
		history int
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// DefaultHistoryLimit bounds the stored messages loaded into an invocation
// when the caller does not choose.
const DefaultHistoryLimit = 20

// maxReroutes bounds how many router handoffs one invocation follows before
// the chain is cut and the last response returned as-is.
const maxReroutes = 5

// ErrAgentNotFound reports an invocation of an unknown agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentInactive reports an invocation of a deactivated agent.
var ErrAgentInactive = errors.New("agent is not active")

// New wires a Runner and registers the agent workflow and the full activity
// set on the engine. Construction fails when a required dependency is
// missing or a registration is rejected.
func New(opts Options) (*Runner, error) {
	if opts.Engine == nil {
		return nil, errors.New("runner requires an engine")
	}
	if opts.Agents == nil {
		return nil, errors.New("runner requires an agent repository")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	broker := opts.Broker
	if broker == nil {
		broker = stream.NewBroker(0)
	}
	history := opts.HistoryLimit
	if history <= 0 {
		history = DefaultHistoryLimit
	}
	r := &Runner{
		eng:     opts.Engine,
		agents:  opts.Agents,
		convs:   opts.Conversations,
		broker:  broker,
		queue:   opts.TaskQueue,
		follow:  opts.FollowReroutes,
		history: history,
		logger:  logger,
		metrics: metrics,
	}

	deps := opts.Activities
	if deps.Runner == nil {
		deps.Runner = r
	}
	if deps.Agents == nil {
		deps.Agents = opts.Agents
	}
	if deps.Sink == nil {
		deps.Sink = broker
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics
	}
	svc, err := activity.New(deps)
	if err != nil {
		return nil, err
	}

	def := workflow.Definition()
	def.TaskQueue = opts.TaskQueue
	if err := opts.Engine.RegisterWorkflow(def); err != nil {
		return nil, fmt.Errorf("register workflow %s: %w", def.Name, err)
	}
	for _, ad := range svc.Definitions() {
		if opts.TaskQueue != "" && ad.Options.Queue == "" {
			ad.Options.Queue = opts.TaskQueue
		}
		if err := opts.Engine.RegisterActivity(ad); err != nil {
			return nil, fmt.Errorf("register activity %s: %w", ad.Name, err)
		}
	}
	return r, nil
}

// Broker exposes the event broker so transports can subscribe to runs
// started elsewhere in the process.
func (r *Runner) Broker() *stream.Broker { return r.broker }

// Run implements activity.AgentRunner: it starts the agent workflow under
// the caller-chosen workflow ID and waits for the result. Starting an ID
// that is already running attaches instead of double-starting, which makes
// retried child-agent activities idempotent.
func (r *Runner) Run(ctx context.Context, workflowID string, in agent.RunInput) (agent.RunOutput, error) {
	handle, err := r.eng.StartWorkflow(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		Workflow:   workflow.Name,
		TaskQueue:  r.queue,
		Input:      in,
	})
	if err != nil {
		return agent.RunOutput{}, fmt.Errorf("start agent run %s: %w", workflowID, err)
	}
	var out agent.RunOutput
	if err := handle.Get(ctx, &out); err != nil {
		return agent.RunOutput{}, err
	}
	return out, nil
}

// Invoke runs an agent to completion and returns the final response. When a
// conversation store is configured the user message is recorded before the
// run and the assistant message after it; the stored history becomes the
// model transcript. Router reroutes are followed when the Runner was built
// with FollowReroutes.
func (r *Runner) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	return r.invoke(ctx, req, nil)
}

// invoke is the shared body of Invoke and Stream. watch, when non-nil,
// observes each run the invocation starts.
func (r *Runner) invoke(ctx context.Context, req InvokeRequest, watch *watcher) (*InvokeResult, error) {
	if req.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if req.Input == "" {
		return nil, errors.New("input is required")
	}

	turn, err := r.openTurn(ctx, &req)
	if err != nil {
		return nil, err
	}
	if watch != nil && turn.userMessageID != "" {
		watch.messageSaved(ctx, string(model.RoleUser), turn.userMessageID)
	}

	res, err := r.runAgent(ctx, req, turn, watch)
	if err != nil {
		return nil, err
	}
	res.ConversationID = turn.conversationID
	if id, err := r.closeTurn(ctx, turn, res); err != nil {
		r.logger.Warn(ctx, "assistant message not persisted",
			"conversation_id", turn.conversationID, "run_id", res.RunID, "err", err)
	} else {
		res.MessageID = id
	}
	return res, nil
}

// runAgent starts the requested agent and follows reroute handoffs until a
// terminal response, the reroute limit, or a resolution failure.
func (r *Runner) runAgent(ctx context.Context, req InvokeRequest, turn *turnState, watch *watcher) (*InvokeResult, error) {
	agentID := req.AgentID
	meta := req.Metadata
	for hop := 0; ; hop++ {
		rec, err := r.loadAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		workflowID := newRunID(agentID)
		if watch != nil {
			watch.setConfig(rec.Config)
			if hop == 0 && watch.streamID != "" {
				workflowID = watch.streamID
			}
		}
		inv := agent.Invocation{
			AgentID:   agentID,
			UserInput: req.Input,
			SessionID: turn.conversationID,
			UserID:    req.UserID,
			History:   turn.history,
			RequestID: uuid.NewString(),
			Metadata:  meta,
		}
		out, runID, execID, err := r.startRun(ctx, workflowID, rec.Config, inv, watch)
		if err != nil {
			return nil, err
		}
		res := &InvokeResult{
			Response:    out.Response,
			AgentID:     agentID,
			RunID:       runID,
			ExecutionID: execID,
		}
		target := out.Response.RerouteTo
		if target == "" || !r.follow {
			return res, nil
		}
		if hop+1 >= maxReroutes {
			r.logger.Warn(ctx, "reroute chain cut",
				"agent_id", agentID, "target", target, "hops", hop+1)
			return res, nil
		}
		r.logger.Info(ctx, "following reroute",
			"from", agentID, "to", target, "run_id", runID)
		meta = rerouteMetadata(meta, agentID)
		agentID = target
	}
}

// startRun launches one workflow and waits for its output. The watcher, when
// present, subscribes to the run's events before the workflow starts so no
// published event is missed.
func (r *Runner) startRun(ctx context.Context, workflowID string, cfg agent.Config, inv agent.Invocation, watch *watcher) (agent.RunOutput, string, string, error) {
	var stopWatch func()
	if watch != nil {
		stopWatch = watch.observe(workflowID)
	}
	handle, err := r.eng.StartWorkflow(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		Workflow:   workflow.Name,
		TaskQueue:  r.queue,
		Input:      agent.RunInput{Config: cfg, Invocation: inv},
	})
	if err != nil {
		if stopWatch != nil {
			stopWatch()
		}
		return agent.RunOutput{}, "", "", fmt.Errorf("start agent run %s: %w", workflowID, err)
	}
	started := time.Now()
	var out agent.RunOutput
	err = handle.Get(ctx, &out)
	if stopWatch != nil {
		stopWatch()
	}
	r.metrics.RecordTimer("agent_run_duration", time.Since(started),
		"agent_id", inv.AgentID, "agent_kind", string(cfg.Kind))
	if err != nil {
		r.metrics.IncCounter("agent_run_failures", 1, "agent_id", inv.AgentID)
		return agent.RunOutput{}, workflowID, handle.RunID(), err
	}
	return out, workflowID, handle.RunID(), nil
}

// loadAgent resolves and gates a stored agent definition.
func (r *Runner) loadAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	rec, err := r.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, agentID)
	}
	return rec, nil
}

// rerouteMetadata layers the handoff marker over the caller metadata without
// mutating the original map.
func rerouteMetadata(meta map[string]string, from string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["rerouted_from"] = from
	return out
}

// newRunID mints the workflow ID for a top-level run. Child runs derive
// their IDs from the parent workflow ID instead.
func newRunID(agentID string) string {
	return fmt.Sprintf("run_%s_%s", agentID, uuid.NewString())
}
