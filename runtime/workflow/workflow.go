// Package workflow implements the durable agent control loop. One workflow
// definition serves every agent kind: the handler inspects the configuration
// carried in the input and dispatches to the matching lane. The body is
// deterministic by construction. All I/O, model calls and clock-independent
// randomness live in activities; time comes from the engine host so replay
// sees the recorded values.
package workflow

import (
	"context"
	"time"

	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/confidence"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/knowledge"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/safety"
	"github.com/ensembleworks/ensemble/runtime/stream"
)

// Name is the workflow type every agent run starts as.
const Name = "agent_run"

// SignalStreamQuiet toggles event publishing. The runner raises it when the
// last streaming subscriber disconnects so finished runs stop paying for
// publish activities nobody reads.
const SignalStreamQuiet = "stream_quiet"

const (
	stageInput  = "input"
	stageOutput = "output"
)

// refusalMessage replaces content blocked by a safety screen.
const refusalMessage = "I can't help with that request."

const (
	// maxIterationsMessage stands in for an answer when the iteration
	// budget runs out first.
	maxIterationsMessage = "I could not complete the request within the allowed number of steps."

	// timeoutMessage stands in for an answer when the run deadline passes
	// before the model drafts one.
	timeoutMessage = "I ran out of time before completing the request."
)

// Definition returns the registration for an engine worker. The caller sets
// the task queue.
func Definition() engine.WorkflowDefinition {
	return engine.WorkflowDefinition{Name: Name, Handler: engine.Workflow(Run)}
}

// run carries the state of one invocation through the lane functions.
type run struct {
	wf  engine.WorkflowContext
	cfg agent.Config
	inv agent.Invocation

	// finishBy is the hard deadline derived from the safety binding.
	finishBy time.Time

	// timedOut records that a lane stopped early because the deadline
	// passed. finish discounts confidence for it.
	timedOut bool

	// quiet suppresses event publishing once the runner signals that no
	// subscriber remains.
	quiet bool

	// docs and toolOutputs accumulate the evidence the grounding check
	// verifies the draft against.
	docs        []knowledge.Document
	toolOutputs []string
}

// Run executes one agent invocation from start to finish.
func Run(wf engine.WorkflowContext, in agent.RunInput) (agent.RunOutput, error) {
	cfg := in.Config
	if err := cfg.Validate(); err != nil {
		return agent.RunOutput{}, err
	}
	cfg.Normalize()

	r := &run{
		wf:       wf,
		cfg:      cfg,
		inv:      in.Invocation,
		finishBy: wf.Now().Add(time.Duration(cfg.Safety.TimeoutSeconds) * time.Second),
	}
	resp, err := r.execute(wf.Context())
	if err != nil {
		return agent.RunOutput{}, err
	}
	return agent.RunOutput{Response: resp}, nil
}

// execute screens the input, dispatches to the kind's lane and applies the
// finishing checks to whatever the lane produced.
func (r *run) execute(ctx context.Context) (agent.Response, error) {
	input := r.inv.UserInput

	verdict, err := r.screen(ctx, activity.NameCheckInputSafety, input)
	if err != nil {
		return agent.Response{}, err
	}
	if !verdict.Safe {
		r.wf.Logger().Warn(ctx, "input blocked by safety screen",
			"agent", r.cfg.ID, "violations", len(verdict.Violations))
		conf := confidence.Score(confidence.Signals{Content: refusalMessage})
		return r.refusal(stageInput, verdict, conf), nil
	}

	if v := r.cfg.Validators; v != nil && v.SanitizeInput && r.cfg.Kind != agent.KindSimple {
		var out activity.SanitizeResponse
		if err := r.call(ctx, activity.NameSanitizeInput, activity.SanitizeInputRequest{Input: input}, &out); err != nil {
			return agent.Response{}, err
		}
		if out.Result.Content != "" {
			input = out.Result.Content
		}
	}

	var resp agent.Response
	switch r.cfg.Kind {
	case agent.KindSimple:
		resp, err = r.simple(ctx, input)
	case agent.KindLLM:
		resp, err = r.llm(ctx, input)
	case agent.KindRAG:
		resp, err = r.rag(ctx, input)
	case agent.KindTool, agent.KindFull:
		resp, err = r.toolLoop(ctx, input)
	case agent.KindRouter:
		resp, err = r.route(ctx, input)
	case agent.KindOrchestrator:
		resp, err = r.orchestrate(ctx, input)
	default:
		return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
			"agent %q: unsupported kind %q", r.cfg.ID, r.cfg.Kind)
	}
	if err != nil {
		return agent.Response{}, err
	}
	return r.finish(ctx, input, resp)
}

// simple delegates to the deterministic matcher activity. No model call.
func (r *run) simple(ctx context.Context, input string) (agent.Response, error) {
	var out activity.SimpleAgentOutput
	in := activity.SimpleAgentInput{Config: r.cfg, Input: input}
	if err := r.call(ctx, activity.NameExecuteSimpleAgent, in, &out); err != nil {
		return agent.Response{}, err
	}
	return out.Response, nil
}

// llm is a single completion with the persona prompt and history.
func (r *run) llm(ctx context.Context, input string) (agent.Response, error) {
	out, err := r.complete(ctx, r.transcript("", input), nil, "")
	if err != nil {
		return agent.Response{}, err
	}
	resp := out.Response
	return agent.Response{
		Content: resp.Content,
		Confidence: confidence.Score(confidence.Signals{
			FinishReason: resp.FinishReason,
			Content:      resp.Content,
			Iterations:   1,
		}),
	}, nil
}

// rag retrieves once, folds the documents into the system prompt and
// completes once.
func (r *run) rag(ctx context.Context, input string) (agent.Response, error) {
	docs, err := r.retrieve(ctx, input)
	if err != nil {
		return agent.Response{}, err
	}
	out, err := r.complete(ctx, r.transcript(contextBlock(docs), input), nil, "")
	if err != nil {
		return agent.Response{}, err
	}
	stats := knowledge.Summarize(docs)
	resp := out.Response
	return agent.Response{
		Content: resp.Content,
		Confidence: confidence.Score(confidence.Signals{
			FinishReason:       resp.FinishReason,
			Content:            resp.Content,
			RetrievalPerformed: true,
			DocumentsRetrieved: stats.Count,
			AvgRelevance:       stats.Avg,
			MinRelevance:       stats.Min,
			Iterations:         1,
		}),
		Sources: sources(docs),
	}, nil
}

// retrieve queries the knowledge collection and records the documents for
// the grounding check.
func (r *run) retrieve(ctx context.Context, query string) ([]knowledge.Document, error) {
	r.publishRetrieving(ctx, r.cfg.Knowledge.Collection, query)
	var out activity.KnowledgeOutput
	call := engine.ActivityCall{
		Name:    activity.NameRetrieveKnowledge,
		Input:   activity.KnowledgeInput{Binding: *r.cfg.Knowledge, Query: query},
		Options: r.capped(activity.KnowledgeTimeout),
	}
	if err := r.wf.ExecuteActivity(ctx, call, &out); err != nil {
		return nil, err
	}
	r.publishRetrieved(ctx, len(out.Documents))
	r.docs = out.Documents
	return out.Documents, nil
}

// finish runs the post-lane checks in a fixed order: loop detection first so
// a cited-back answer still gets grounded and screened, the output safety
// screen last so nothing bypasses it.
func (r *run) finish(ctx context.Context, input string, resp agent.Response) (agent.Response, error) {
	v := r.cfg.Validators

	if v != nil && v.DetectLoops && len(r.inv.History) > 0 && resp.Content != "" {
		var out activity.DetectLoopResponse
		req := activity.DetectLoopRequest{History: r.inv.History, Draft: resp.Content}
		if err := r.call(ctx, activity.NameDetectLoop, req, &out); err != nil {
			return agent.Response{}, err
		}
		if out.Verdict.IsLoop {
			resp.Content = citeBack(out.Verdict.AlreadyAnsweredWith)
			resp = withMeta(resp, "loop_detected", "true")
		}
	}

	if v != nil && v.CheckHallucination && resp.Content != "" && (len(r.docs) > 0 || len(r.toolOutputs) > 0) {
		var out activity.CheckHallucinationResponse
		req := activity.CheckHallucinationRequest{
			Response:    resp.Content,
			Context:     docContents(r.docs),
			ToolOutputs: r.toolOutputs,
		}
		if err := r.call(ctx, activity.NameCheckHallucination, req, &out); err != nil {
			return agent.Response{}, err
		}
		if !out.Verdict.IsGrounded {
			if out.Verdict.SuggestedFix != "" {
				resp.Content = out.Verdict.SuggestedFix
				resp = withMeta(resp, "grounding", "corrected")
			} else {
				resp.Confidence *= 0.7
				resp = withMeta(resp, "grounding", "ungrounded")
			}
		}
	}

	verdict, err := r.screen(ctx, activity.NameCheckOutputSafety, resp.Content)
	if err != nil {
		return agent.Response{}, err
	}
	if !verdict.Safe {
		r.wf.Logger().Warn(ctx, "output blocked by safety screen",
			"agent", r.cfg.ID, "violations", len(verdict.Violations))
		refused := r.refusal(stageOutput, verdict, resp.Confidence*0.5)
		// Tool calls already happened; the record survives the refusal.
		// Sources do not, they may carry the blocked content.
		refused.ToolCalls = resp.ToolCalls
		resp = refused
	}

	if r.timedOut {
		resp.Confidence -= 0.3
		if resp.Confidence < 0.1 {
			resp.Confidence = 0.1
		}
		resp = withMeta(resp, "timed_out", "true")
	}
	return resp, nil
}

// refusal builds the replacement response for blocked content.
func (r *run) refusal(stage string, verdict safety.Verdict, conf float64) agent.Response {
	return agent.Response{
		Content:    refusalMessage,
		Confidence: conf,
		Metadata: map[string]string{
			"refusal_stage":     stage,
			"safety_violations": safety.Reasons(verdict.Violations),
		},
	}
}

// screen runs one safety check activity against the agent's binding.
func (r *run) screen(ctx context.Context, name, content string) (safety.Verdict, error) {
	var out activity.SafetyOutput
	in := activity.SafetyInput{Check: safety.Check{
		Content:         content,
		Level:           r.cfg.Safety.Level,
		BlockedTopics:   r.cfg.Safety.BlockedTopics,
		BlockedPatterns: r.cfg.Safety.BlockedPatterns,
	}}
	if err := r.call(ctx, name, in, &out); err != nil {
		return safety.Verdict{}, err
	}
	return out.Verdict, nil
}

// complete runs one LLM completion with the run's binding.
func (r *run) complete(ctx context.Context, messages []model.Message, defs []model.ToolDefinition, choice model.ToolChoice) (activity.LLMOutput, error) {
	var out activity.LLMOutput
	call := engine.ActivityCall{
		Name: activity.NameLLMCompletion,
		Input: activity.LLMInput{
			Binding:    *r.cfg.LLM,
			Messages:   messages,
			Tools:      defs,
			ToolChoice: choice,
		},
		Options: r.capped(activity.LLMTimeout),
	}
	err := r.wf.ExecuteActivity(ctx, call, &out)
	return out, err
}

// call schedules an activity under its registered options.
func (r *run) call(ctx context.Context, name string, in, out any) error {
	return r.wf.ExecuteActivity(ctx, engine.ActivityCall{Name: name, Input: in}, out)
}

// capped bounds a long activity to the remaining run budget so one slow
// call cannot overshoot the deadline. Only the timeout is overridden;
// registered retry policies stay in force.
func (r *run) capped(def time.Duration) *engine.ActivityOptions {
	remaining := r.finishBy.Sub(r.wf.Now())
	if remaining < time.Second {
		remaining = time.Second
	}
	if def < remaining {
		remaining = def
	}
	return &engine.ActivityOptions{Timeout: remaining}
}

// expired reports whether the run deadline has passed.
func (r *run) expired() bool {
	return !r.wf.Now().Before(r.finishBy)
}

// citeBack answers a repeated question by pointing at the earlier answer
// instead of generating a near-duplicate.
func citeBack(earlier string) string {
	if earlier == "" {
		return "As mentioned above, my previous answer still applies."
	}
	return "As mentioned above: " + stream.Clamp(earlier, 200)
}
