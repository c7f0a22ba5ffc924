package workflow

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/confidence"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/knowledge"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/tools"
	"github.com/ensembleworks/ensemble/runtime/validators"
)

// toolLoop is the lane for tool and full agents. It alternates completions
// with tool execution until the model stops calling tools, the iteration
// budget runs out or the deadline passes. Every tool call in one turn runs
// concurrently; results re-enter the conversation in call order.
func (r *run) toolLoop(ctx context.Context, input string) (agent.Response, error) {
	defs, err := r.definitions(ctx, nil)
	if err != nil {
		return agent.Response{}, err
	}

	extra := ""
	var stats knowledge.Stats
	retrieved := false
	if r.cfg.Kind == agent.KindFull && r.cfg.Knowledge != nil {
		docs, err := r.retrieve(ctx, input)
		if err != nil {
			return agent.Response{}, err
		}
		extra = contextBlock(docs)
		stats = knowledge.Summarize(docs)
		retrieved = true
	}

	forceConfirm := r.cfg.Governance != nil && r.cfg.Governance.ConfirmationRequired
	confirm := make(map[string]bool)
	for _, b := range r.cfg.EnabledTools() {
		if b.RequiresConfirmation || forceConfirm {
			confirm[b.ID] = true
		}
	}

	messages := r.transcript(extra, input)

	var (
		records      []agent.ToolCallRecord
		successes    int
		failures     int
		content      string
		finish       model.FinishReason
		iterations   int
		maxed        bool
		retried      bool
		needsConfirm bool
		choice       model.ToolChoice
	)

	for turn := 1; ; turn++ {
		if r.expired() {
			r.timedOut = true
			break
		}
		if turn > agent.DefaultMaxToolIterations+1 {
			maxed = true
			break
		}

		out, err := r.complete(ctx, messages, defs, choice)
		if err != nil {
			return agent.Response{}, err
		}
		choice = ""
		iterations = turn
		resp := out.Response
		finish = resp.FinishReason
		content = resp.Content

		if len(resp.ToolCalls) == 0 {
			if v := r.cfg.Validators; v != nil && v.ValidateActions && !retried {
				verdict, err := r.validateAction(ctx, input, content, records)
				if err != nil {
					return agent.Response{}, err
				}
				if verdict.ShouldRetryWithTool && verdict.SuggestedTool != "" {
					choice = model.ToolChoiceTool(tools.Sanitize(verdict.SuggestedTool))
					retried = true
					continue
				}
			}
			break
		}

		if name, gated := firstConfirmationGate(resp.ToolCalls, confirm); gated {
			// Stop before executing anything in the batch. The pending
			// calls are recorded unexecuted so the caller can resume them.
			if content == "" {
				content = fmt.Sprintf("Confirmation required before running %s.", name)
			}
			for _, call := range resp.ToolCalls {
				records = append(records, agent.ToolCallRecord{
					ID:        call.ID,
					Name:      tools.Unsanitize(call.Name),
					Arguments: call.Arguments,
					Success:   false,
					Error:     "awaiting confirmation",
				})
			}
			needsConfirm = true
			break
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := r.executeToolBatch(ctx, resp.ToolCalls)
		if err != nil {
			return agent.Response{}, err
		}
		for i, br := range results {
			call := resp.ToolCalls[i]
			if br.result.Success {
				successes++
			} else {
				failures++
			}
			records = append(records, agent.ToolCallRecord{
				ID:        call.ID,
				Name:      tools.Unsanitize(call.Name),
				Arguments: call.Arguments,
				Success:   br.result.Success,
				Error:     br.result.Error,
			})
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				ToolCallID: call.ID,
				Content:    br.rendered,
			})
			r.toolOutputs = append(r.toolOutputs, br.rendered)
		}
	}

	if maxed {
		content = maxIterationsMessage
	}
	if r.timedOut && content == "" {
		content = timeoutMessage
	}

	sig := confidence.Signals{
		FinishReason:         finish,
		Content:              content,
		ToolCalls:            successes + failures,
		ToolSuccesses:        successes,
		ToolFailures:         failures,
		Iterations:           iterations,
		MaxIterationsReached: maxed,
	}
	if retrieved {
		sig.RetrievalPerformed = true
		sig.DocumentsRetrieved = stats.Count
		sig.AvgRelevance = stats.Avg
		sig.MinRelevance = stats.Min
	}

	resp := agent.Response{
		Content:           content,
		Confidence:        confidence.Score(sig),
		ToolCalls:         records,
		NeedsConfirmation: needsConfirm,
	}
	if retrieved {
		resp.Sources = sources(r.docs)
	}
	return resp, nil
}

// firstConfirmationGate reports the first call in a batch that is gated on
// user approval.
func firstConfirmationGate(calls []model.ToolCall, confirm map[string]bool) (string, bool) {
	for _, call := range calls {
		if canonical := tools.Unsanitize(call.Name); confirm[canonical] {
			return canonical, true
		}
	}
	return "", false
}

// validateAction reviews a draft that skipped tools entirely.
func (r *run) validateAction(ctx context.Context, input, content string, records []agent.ToolCallRecord) (validators.ActionVerdict, error) {
	purpose := r.cfg.Persona.Goal
	if purpose == "" {
		purpose = r.cfg.Description
	}
	enabled := r.cfg.EnabledTools()
	available := make([]string, 0, len(enabled))
	for _, b := range enabled {
		available = append(available, b.ID)
	}
	executed := make([]string, 0, len(records))
	for _, rec := range records {
		executed = append(executed, rec.Name)
	}

	var out activity.ValidateActionResponse
	req := activity.ValidateActionRequest{
		Purpose:        purpose,
		AvailableTools: available,
		UserInput:      input,
		Response:       content,
		ToolCalls:      executed,
	}
	if err := r.call(ctx, activity.NameValidateAction, req, &out); err != nil {
		return validators.ActionVerdict{}, err
	}
	return out.Verdict, nil
}

// definitions fetches provider-ready schemas for the agent's tools and,
// for orchestrators, its child agents.
func (r *run) definitions(ctx context.Context, children []string) ([]model.ToolDefinition, error) {
	enabled := r.cfg.EnabledTools()
	names := make([]string, 0, len(enabled))
	for _, b := range enabled {
		names = append(names, b.ID)
	}
	var out activity.ToolDefinitionsOutput
	in := activity.ToolDefinitionsInput{Tools: names, ChildAgents: children}
	if err := r.call(ctx, activity.NameGetToolDefinitions, in, &out); err != nil {
		return nil, err
	}
	if len(out.Missing) > 0 {
		r.wf.Logger().Warn(ctx, "tools missing from registry",
			"agent", r.cfg.ID, "missing", out.Missing)
	}
	return out.Definitions, nil
}

// batchResult is one tool outcome, positioned by the original call order.
type batchResult struct {
	result   tools.Result
	rendered string
}

// pendingTool tracks one in-flight tool execution.
type pendingTool struct {
	future engine.Future
	index  int
	call   model.ToolCall
	ev     toolEvent
}

// executeToolBatch dispatches every call concurrently, then collects
// results as they become ready. An activity failure becomes a failed result
// so the model can react to it; it never fails the run.
func (r *run) executeToolBatch(ctx context.Context, calls []model.ToolCall) ([]batchResult, error) {
	results := make([]batchResult, len(calls))
	pending := make([]pendingTool, 0, len(calls))

	for i, call := range calls {
		canonical := tools.Unsanitize(call.Name)
		ev := classifyTool(canonical)
		r.publishToolStart(ctx, ev, call.ID, call.Arguments)
		fut, err := r.wf.ExecuteActivityAsync(ctx, engine.ActivityCall{
			Name: activity.NameExecuteTool,
			Input: activity.ToolInput{
				Name:      call.Name,
				Arguments: call.Arguments,
				AgentID:   r.cfg.ID,
				RunID:     r.wf.WorkflowID(),
			},
			Options: r.capped(activity.ToolTimeout),
		})
		if err != nil {
			return nil, err
		}
		pending = append(pending, pendingTool{future: fut, index: i, call: call, ev: ev})
	}

	for len(pending) > 0 {
		if err := r.wf.Await(ctx, func() bool {
			for _, p := range pending {
				if p.future.IsReady() {
					return true
				}
			}
			return false
		}); err != nil {
			return nil, err
		}

		for i := 0; i < len(pending); {
			p := pending[i]
			if !p.future.IsReady() {
				i++
				continue
			}
			pending[i] = pending[len(pending)-1]
			pending = pending[:len(pending)-1]

			canonical := tools.Unsanitize(p.call.Name)
			var out activity.ToolOutput
			if err := p.future.Get(ctx, &out); err != nil {
				out = activity.ToolOutput{Result: tools.Result{
					Name:  canonical,
					Error: fmt.Sprintf("tool execution failed: %v", err),
				}}
			}
			rendered := renderToolOutput(out.Result)
			if out.External && rendered != "" {
				var san activity.SanitizeResponse
				req := activity.SanitizeToolResultRequest{ToolName: canonical, Output: rendered}
				if err := r.call(ctx, activity.NameSanitizeToolResult, req, &san); err != nil {
					return nil, err
				}
				if san.Result.Content != "" {
					rendered = san.Result.Content
				}
			}
			r.publishToolEnd(ctx, p.ev, out.MCPServer, out.Result.Success, rendered)
			results[p.index] = batchResult{result: out.Result, rendered: rendered}
		}
	}
	return results, nil
}
