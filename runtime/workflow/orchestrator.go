package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/confidence"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

// delegationPrompt extends the persona of an llm-driven orchestrator.
const delegationPrompt = "Delegate to the available agent tools when a specialist can serve " +
	"the request better. Call several agents in one turn when subtasks are " +
	"independent; answer directly once you have what you need."

// orchestrate dispatches to the configured coordination mode.
func (r *run) orchestrate(ctx context.Context, input string) (agent.Response, error) {
	switch r.cfg.Orchestrator.Mode {
	case agent.ModeWorkflow:
		return r.runGraph(ctx, input)
	case agent.ModeHybrid:
		return r.hybrid(ctx, input)
	default:
		return r.llmDriven(ctx, input)
	}
}

// llmDriven exposes children as tools and lets the model plan. Independent
// calls in one turn run in parallel up to MaxParallel; calls to the same
// child stay sequential so the circuit breaker sees outcomes in order.
func (r *run) llmDriven(ctx context.Context, input string) (agent.Response, error) {
	o := r.cfg.Orchestrator

	children := make([]string, 0, len(o.Agents))
	for _, id := range o.Agents {
		if id == r.cfg.ID && !o.AllowSelfReference {
			continue
		}
		children = append(children, id)
	}
	if len(children) == 0 {
		return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
			"agent %q: orchestrator has no callable children", r.cfg.ID)
	}

	defs, err := r.definitions(ctx, children)
	if err != nil {
		return agent.Response{}, err
	}

	messages := r.transcript(delegationPrompt, input)
	br := newBreaker()
	consecutive := make(map[string]int)

	var (
		records    []agent.ToolCallRecord
		content    string
		iterations int
		maxed      bool
		childConfs []float64
		childFails int
		toolCalls  int
		toolOKs    int
		toolFails  int
	)

	for turn := 1; ; turn++ {
		if r.expired() {
			r.timedOut = true
			break
		}
		if turn > o.MaxIterations+1 {
			maxed = true
			break
		}

		out, err := r.complete(ctx, messages, filterDefs(defs, consecutive, o.MaxSameAgentCalls), "")
		if err != nil {
			return agent.Response{}, err
		}
		iterations = turn
		resp := out.Response
		content = resp.Content

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outcomes, err := r.executeOrchestration(ctx, turn, resp.ToolCalls, br, consecutive)
		if err != nil {
			return agent.Response{}, err
		}

		called := make(map[string]bool)
		for i, res := range outcomes {
			call := resp.ToolCalls[i]
			if res.child != "" {
				called[res.child] = true
				if res.ok {
					childConfs = append(childConfs, res.confidence)
				} else {
					childFails++
				}
			} else {
				toolCalls++
				if res.ok {
					toolOKs++
				} else {
					toolFails++
				}
			}
			records = append(records, agent.ToolCallRecord{
				ID:        call.ID,
				Name:      tools.Unsanitize(call.Name),
				Arguments: call.Arguments,
				Success:   res.ok,
				Error:     res.errText,
			})
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				ToolCallID: call.ID,
				Content:    res.rendered,
			})
			r.toolOutputs = append(r.toolOutputs, res.rendered)
		}
		for _, child := range children {
			if called[child] {
				consecutive[child]++
			} else {
				consecutive[child] = 0
			}
		}
	}

	if maxed {
		content = maxIterationsMessage
	}
	if r.timedOut && content == "" {
		content = timeoutMessage
	}

	// Child outcomes drive the score; the planner's own finish reason does
	// not enter it.
	sig := confidence.Signals{
		Content:              content,
		ToolCalls:            toolCalls,
		ToolSuccesses:        toolOKs,
		ToolFailures:         toolFails,
		Iterations:           iterations,
		MaxIterationsReached: maxed,
		ChildConfidences:     childConfs,
		ChildFailures:        childFails,
	}
	return agent.Response{
		Content:    content,
		Confidence: confidence.Score(sig),
		ToolCalls:  records,
	}, nil
}

// filterDefs hides children whose consecutive-turn budget is spent so the
// model plans around them instead of producing calls that will fail.
func filterDefs(defs []model.ToolDefinition, consecutive map[string]int, max int) []model.ToolDefinition {
	if max <= 0 {
		return defs
	}
	blocked := make(map[string]bool)
	for child, n := range consecutive {
		if n >= max {
			blocked[tools.Sanitize(tools.AgentTool(child))] = true
		}
	}
	if len(blocked) == 0 {
		return defs
	}
	kept := make([]model.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if !blocked[d.Name] {
			kept = append(kept, d)
		}
	}
	return kept
}

// orchResult is one planner tool call outcome, child agent or plain tool.
type orchResult struct {
	// child is the agent ID when the call was agent:<id>, empty otherwise.
	child string
	// rendered is the conversation text fed back to the model.
	rendered string
	errText  string
	ok       bool
	// confidence is the child's self-reported confidence when ok.
	confidence float64
}

// orchPending tracks one in-flight call of an orchestration turn.
type orchPending struct {
	future engine.Future
	index  int
	call   model.ToolCall
	child  string
	ev     toolEvent
}

// executeOrchestration runs one turn's calls. Blocked children are answered
// with synthesized failures without dispatching; everything else runs
// concurrently up to MaxParallel.
func (r *run) executeOrchestration(ctx context.Context, turn int, calls []model.ToolCall, br *breaker, consecutive map[string]int) ([]orchResult, error) {
	o := r.cfg.Orchestrator
	results := make([]orchResult, len(calls))
	running := make(map[string]bool)
	var pending []orchPending
	next := 0

	for next < len(calls) || len(pending) > 0 {
		for next < len(calls) && len(pending) < o.MaxParallel {
			call := calls[next]
			canonical := tools.Unsanitize(call.Name)
			child, isChild := tools.AgentID(canonical)

			// Hold the dispatch front when the next call targets a child
			// that is already running. Outcome order decides the breaker
			// state, so same-child calls must not overlap.
			if isChild && running[child] {
				break
			}

			idx := next
			next++

			if !isChild {
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
				pending = append(pending, orchPending{future: fut, index: idx, call: call, ev: ev})
				continue
			}

			if synth, blocked := r.precheck(child, br, consecutive); blocked {
				results[idx] = synth
				continue
			}

			r.publishSkillStart(ctx, child)
			fut, err := r.wf.ExecuteActivityAsync(ctx, engine.ActivityCall{
				Name: activity.NameExecuteAgentAsTool,
				Input: activity.AgentToolInput{
					ChildID:    child,
					Query:      stringArg(call.Arguments, "query"),
					Context:    stringArg(call.Arguments, "context"),
					WorkflowID: r.childWorkflowID(turn, idx, child),
					Parent:     r.inv,
				},
				Options: r.capped(activity.ChildTimeout),
			})
			if err != nil {
				return nil, err
			}
			running[child] = true
			pending = append(pending, orchPending{future: fut, index: idx, call: call, child: child})
		}

		if len(pending) == 0 {
			continue
		}

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

			if p.child != "" {
				results[p.index] = r.collectChild(ctx, p, br)
				running[p.child] = false
				continue
			}
			res, err := r.collectTool(ctx, p)
			if err != nil {
				return nil, err
			}
			results[p.index] = res
		}
	}
	return results, nil
}

// precheck synthesizes a failure for a child call that must not dispatch.
func (r *run) precheck(child string, br *breaker, consecutive map[string]int) (orchResult, bool) {
	o := r.cfg.Orchestrator
	switch {
	case child == r.cfg.ID && !o.AllowSelfReference:
		return failedChild(child, "self reference is not allowed"), true
	case r.inv.Depth+1 > o.MaxDepth:
		return failedChild(child, fmt.Sprintf("maximum orchestration depth %d reached", o.MaxDepth)), true
	case consecutive[child] >= o.MaxSameAgentCalls:
		return failedChild(child, fmt.Sprintf("call limit for agent %s reached", child)), true
	case !br.allow(child, r.wf.Now()):
		return failedChild(child, fmt.Sprintf(
			"Agent %s is temporarily unavailable. The circuit breaker is open; retry later or use a different agent.", child)), true
	}
	return orchResult{}, false
}

func failedChild(child, msg string) orchResult {
	return orchResult{child: child, rendered: "Error: " + msg, errText: msg}
}

// collectChild resolves one child future and records the outcome with the
// breaker.
func (r *run) collectChild(ctx context.Context, p orchPending, br *breaker) orchResult {
	var out activity.AgentToolOutput
	err := p.future.Get(ctx, &out)
	r.publishSkillEnd(ctx, p.child)
	if err != nil {
		br.failure(p.child, r.wf.Now())
		return failedChild(p.child, fmt.Sprintf("agent %s failed: %v", p.child, err))
	}
	if out.Failed {
		br.failure(p.child, r.wf.Now())
		return failedChild(p.child, out.Error)
	}
	br.success(p.child)
	return orchResult{
		child:      p.child,
		rendered:   out.Response.Content,
		ok:         true,
		confidence: out.Response.Confidence,
	}
}

// collectTool resolves one plain tool future the same way the tool loop
// does: failures become results, external output is sanitized.
func (r *run) collectTool(ctx context.Context, p orchPending) (orchResult, error) {
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
			return orchResult{}, err
		}
		if san.Result.Content != "" {
			rendered = san.Result.Content
		}
	}
	r.publishToolEnd(ctx, p.ev, out.MCPServer, out.Result.Success, rendered)
	return orchResult{rendered: rendered, errText: out.Result.Error, ok: out.Result.Success}, nil
}

// childWorkflowID derives a stable child run ID from the parent's so replay
// reattaches to the same children instead of spawning new ones.
func (r *run) childWorkflowID(turn, idx int, child string) string {
	return fmt.Sprintf("%s:child:%d:%d:%s", r.wf.WorkflowID(), turn, idx, child)
}

// hybrid tries declarative routing rules first and falls back to LLM
// planning or a default agent.
func (r *run) hybrid(ctx context.Context, input string) (agent.Response, error) {
	o := r.cfg.Orchestrator

	rules := append([]agent.RoutingRule(nil), o.RoutingRules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if rule.Disabled {
			continue
		}
		if ruleMatches(rule, input) {
			return r.directCall(ctx, rule.Agent, input)
		}
	}
	if o.FallbackToLLM {
		return r.llmDriven(ctx, input)
	}
	if o.DefaultAgent != "" {
		return r.directCall(ctx, o.DefaultAgent, input)
	}
	return agent.Response{
		Content:    "No routing rule matched the request.",
		Confidence: routeFailConfidence,
	}, nil
}

// ruleMatches evaluates one routing rule. Text operators compare
// case-insensitively; regex runs against the raw input and a pattern that
// does not compile never matches.
func ruleMatches(rule agent.RoutingRule, input string) bool {
	lowered := strings.ToLower(input)
	value := strings.ToLower(rule.Value)
	switch rule.Condition {
	case agent.MatchContains:
		return strings.Contains(lowered, value)
	case agent.MatchStartsWith:
		return strings.HasPrefix(lowered, value)
	case agent.MatchEndsWith:
		return strings.HasSuffix(lowered, value)
	case agent.MatchExact:
		return lowered == value
	case agent.MatchRegex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return false
		}
		return re.MatchString(input)
	}
	return false
}

// directCall hands the whole input to one child and passes its response
// through.
func (r *run) directCall(ctx context.Context, child, input string) (agent.Response, error) {
	o := r.cfg.Orchestrator
	if child == r.cfg.ID && !o.AllowSelfReference {
		return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
			"agent %q: routing to itself is not allowed", r.cfg.ID)
	}
	if r.inv.Depth+1 > o.MaxDepth {
		return agent.Response{
			Content:    fmt.Sprintf("The request could not be delegated: maximum orchestration depth %d reached.", o.MaxDepth),
			Confidence: routeFailConfidence,
			Metadata:   map[string]string{"routed_to": child},
		}, nil
	}

	r.publishSkillStart(ctx, child)
	var out activity.AgentToolOutput
	err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name: activity.NameExecuteAgentAsTool,
		Input: activity.AgentToolInput{
			ChildID:    child,
			Query:      input,
			WorkflowID: r.childWorkflowID(0, 0, child),
			Parent:     r.inv,
		},
		Options: r.capped(activity.ChildTimeout),
	}, &out)
	r.publishSkillEnd(ctx, child)
	if err != nil {
		return agent.Response{}, err
	}
	if out.Failed {
		return agent.Response{
			Content:    fmt.Sprintf("The %s agent could not handle this request: %s", child, out.Error),
			Confidence: routeFailConfidence,
			Metadata:   map[string]string{"routed_to": child},
		}, nil
	}
	return withMeta(out.Response, "routed_to", child), nil
}

// runGraph executes a declared step graph without LLM planning.
func (r *run) runGraph(ctx context.Context, input string) (agent.Response, error) {
	o := r.cfg.Orchestrator
	g := o.Workflow
	if g == nil || len(g.Steps) == 0 {
		return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
			"agent %q: workflow mode requires steps", r.cfg.ID)
	}

	outputs := make(map[string]string)
	var (
		childConfs []float64
		childFails int
		content    string
	)

	// The graph has no static cycle check; a generous transition budget
	// stops runaway configurations instead.
	budget := 10 * len(g.Steps)
	transitions := 0
	stepID := g.StartStep()

	for stepID != "" {
		transitions++
		if transitions > budget {
			return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
				"agent %q: workflow graph exceeded %d transitions; likely a cycle", r.cfg.ID, budget)
		}
		step := g.Step(stepID)
		if step == nil {
			return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
				"agent %q: workflow step %q not found", r.cfg.ID, stepID)
		}

		switch {
		case len(step.Parallel) > 0:
			results, err := r.runBranches(ctx, transitions, step.Parallel, outputs, input)
			if err != nil {
				return agent.Response{}, err
			}
			for _, res := range results {
				if res.failed {
					childFails++
				} else {
					childConfs = append(childConfs, res.confidence)
				}
			}
			strategy := step.Aggregation
			if strategy == "" {
				strategy = o.DefaultAggregation
			}
			combined, err := r.aggregate(ctx, strategy, results)
			if err != nil {
				return agent.Response{}, err
			}
			outputs[step.ID] = combined
			content = combined
			stepID = step.Next

		case step.Conditional != nil:
			value := expand(step.Conditional.Source, input, outputs, r.inv.Metadata)
			next, ok := step.Conditional.Cases[value]
			if !ok {
				next = step.Conditional.Default
			}
			stepID = next

		case step.Loop != nil:
			l := step.Loop
			body := g.Step(l.Body)
			if body == nil || body.Agent == "" {
				return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
					"agent %q: loop body %q must be an agent step", r.cfg.ID, l.Body)
			}
			last := ""
			for i := 0; i < l.MaxIterations; i++ {
				in := expand(body.Input, input, outputs, r.inv.Metadata)
				if in == "" {
					in = input
				}
				res := r.graphCall(ctx, transitions, i, body.Agent, in)
				if res.failed {
					childFails++
					last = "Error: " + res.err
				} else {
					childConfs = append(childConfs, res.confidence)
					last = res.content
				}
				outputs[l.Body] = last
				if l.ExitWhen != nil && expand(l.ExitWhen.Source, input, outputs, r.inv.Metadata) == l.ExitWhen.Equals {
					break
				}
			}
			outputs[step.ID] = last
			content = last
			stepID = step.Next

		default:
			if step.Agent == "" {
				return agent.Response{}, agent.NewError(agent.KindConfigInvalid,
					"agent %q: workflow step %q has no action", r.cfg.ID, step.ID)
			}
			in := expand(step.Input, input, outputs, r.inv.Metadata)
			if in == "" {
				in = input
			}
			res := r.graphCall(ctx, transitions, 0, step.Agent, in)
			if res.failed {
				childFails++
				outputs[step.ID] = "Error: " + res.err
			} else {
				childConfs = append(childConfs, res.confidence)
				outputs[step.ID] = res.content
			}
			content = outputs[step.ID]
			stepID = step.Next
		}
	}

	sig := confidence.Signals{
		Content:          content,
		ChildConfidences: childConfs,
		ChildFailures:    childFails,
	}
	return agent.Response{Content: content, Confidence: confidence.Score(sig)}, nil
}

// graphCall runs one child synchronously for an agent or loop step.
func (r *run) graphCall(ctx context.Context, seq, branch int, child, input string) childResult {
	if r.inv.Depth+1 > r.cfg.Orchestrator.MaxDepth {
		return childResult{
			child:  child,
			err:    fmt.Sprintf("maximum orchestration depth %d reached", r.cfg.Orchestrator.MaxDepth),
			failed: true,
		}
	}
	r.publishSkillStart(ctx, child)
	var out activity.AgentToolOutput
	err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name: activity.NameExecuteAgentAsTool,
		Input: activity.AgentToolInput{
			ChildID:    child,
			Query:      input,
			WorkflowID: r.childWorkflowID(seq, branch, child),
			Parent:     r.inv,
		},
		Options: r.capped(activity.ChildTimeout),
	}, &out)
	r.publishSkillEnd(ctx, child)
	if err != nil {
		return childResult{child: child, err: err.Error(), failed: true}
	}
	if out.Failed {
		return childResult{child: child, err: out.Error, failed: true}
	}
	return childResult{child: child, content: out.Response.Content, confidence: out.Response.Confidence}
}

// runBranches runs a parallel step's branches concurrently up to
// MaxParallel, preserving branch order in the results.
func (r *run) runBranches(ctx context.Context, seq int, branches []agent.ParallelBranch, outputs map[string]string, input string) ([]childResult, error) {
	o := r.cfg.Orchestrator
	results := make([]childResult, len(branches))

	type inflight struct {
		future engine.Future
		index  int
		child  string
	}

	var pending []inflight
	next := 0
	for next < len(branches) || len(pending) > 0 {
		for next < len(branches) && len(pending) < o.MaxParallel {
			b := branches[next]
			idx := next
			next++

			if r.inv.Depth+1 > o.MaxDepth {
				results[idx] = childResult{
					child:  b.Agent,
					err:    fmt.Sprintf("maximum orchestration depth %d reached", o.MaxDepth),
					failed: true,
				}
				continue
			}

			in := expand(b.Input, input, outputs, r.inv.Metadata)
			if in == "" {
				in = input
			}
			r.publishSkillStart(ctx, b.Agent)
			fut, err := r.wf.ExecuteActivityAsync(ctx, engine.ActivityCall{
				Name: activity.NameExecuteAgentAsTool,
				Input: activity.AgentToolInput{
					ChildID:    b.Agent,
					Query:      in,
					WorkflowID: r.childWorkflowID(seq, idx, b.Agent),
					Parent:     r.inv,
				},
				Options: r.capped(activity.ChildTimeout),
			})
			if err != nil {
				return nil, err
			}
			pending = append(pending, inflight{future: fut, index: idx, child: b.Agent})
		}

		if len(pending) == 0 {
			continue
		}

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

			var out activity.AgentToolOutput
			err := p.future.Get(ctx, &out)
			r.publishSkillEnd(ctx, p.child)
			switch {
			case err != nil:
				results[p.index] = childResult{child: p.child, err: err.Error(), failed: true}
			case out.Failed:
				results[p.index] = childResult{child: p.child, err: out.Error, failed: true}
			default:
				results[p.index] = childResult{
					child:      p.child,
					content:    out.Response.Content,
					confidence: out.Response.Confidence,
				}
			}
		}
	}
	return results, nil
}
