package workflow

import (
	"context"

	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/stream"
	"github.com/ensembleworks/ensemble/runtime/tools"
)

// publish forwards one progress event through the publish activity. Events
// are advisory: encoding or delivery failures are logged and swallowed, and
// a quiet stream skips the activity entirely. The call is awaited so the
// recorded event order matches the execution order under replay.
func (r *run) publish(ctx context.Context, ev stream.Event) {
	r.drainQuiet()
	if r.quiet {
		return
	}
	env, err := stream.Encode(ev)
	if err != nil {
		r.wf.Logger().Warn(ctx, "dropping unencodable stream event",
			"event", ev.Type(), "err", err)
		return
	}
	var out activity.PublishOutput
	if err := r.wf.ExecuteActivity(ctx, engine.ActivityCall{
		Name:  activity.NamePublishEvent,
		Input: activity.PublishInput{Event: env},
	}, &out); err != nil {
		r.wf.Logger().Warn(ctx, "stream publish failed",
			"event", ev.Type(), "err", err)
	}
}

// drainQuiet applies pending stream_quiet signals; the last delivered value
// wins. True silences progress publication, false resumes it.
func (r *run) drainQuiet() {
	signals := r.wf.Signals(SignalStreamQuiet)
	var flag bool
	for signals.ReceiveAsync(&flag) {
		r.quiet = flag
	}
}

// base stamps an event with this run's stream coordinates. Events carry the
// workflow ID, which is the run identifier clients subscribe under.
func (r *run) base(t stream.EventType, payload any) stream.Base {
	return stream.NewBase(t, r.wf.WorkflowID(), r.inv.SessionID, payload)
}

// toolEvent carries the classification of one tool call so the completion
// event mirrors the start event even when execution reveals more.
type toolEvent struct {
	mcp    bool
	server string
	tool   string
}

// classifyTool decides how a canonical tool name appears on the stream:
// MCP references (template-qualified or server-resolved) emit mcp_* events
// with the server and bare tool name, everything else emits tool_* events
// under the full canonical name.
func classifyTool(canonical string) toolEvent {
	if template, tool, ok := tools.SplitMCPTemplate(canonical); ok {
		return toolEvent{mcp: true, server: template, tool: tool}
	}
	if tools.IsAgentTool(canonical) {
		return toolEvent{tool: canonical}
	}
	if server, tool, ok := tools.SplitServerTool(canonical); ok {
		return toolEvent{mcp: true, server: server, tool: tool}
	}
	return toolEvent{tool: canonical}
}

// publishToolStart emits the start event for one tool call.
func (r *run) publishToolStart(ctx context.Context, ev toolEvent, callID string, args map[string]any) {
	if ev.mcp {
		p := stream.MCPStartPayload{ServerName: ev.server, ToolName: ev.tool}
		r.publish(ctx, stream.MCPStart{Base: r.base(stream.EventMCPStart, p), Data: p})
		return
	}
	p := stream.ToolStartPayload{
		ToolName:    ev.tool,
		ToolID:      callID,
		ArgsPreview: stream.Clamp(renderArgs(args), stream.ArgsPreviewMax),
	}
	r.publish(ctx, stream.ToolStart{Base: r.base(stream.EventToolStart, p), Data: p})
}

// publishToolEnd emits the completion event matching a start event. The
// executed server name, when reported, supersedes the template guess made
// before the call.
func (r *run) publishToolEnd(ctx context.Context, ev toolEvent, server string, success bool, rendered string) {
	if ev.mcp {
		if server == "" {
			server = ev.server
		}
		p := stream.MCPEndPayload{ServerName: server, ToolName: ev.tool, Success: success}
		r.publish(ctx, stream.MCPEnd{Base: r.base(stream.EventMCPEnd, p), Data: p})
		return
	}
	p := stream.ToolEndPayload{
		ToolName:      ev.tool,
		Success:       success,
		ResultPreview: stream.Clamp(rendered, stream.ResultPreviewMax),
	}
	r.publish(ctx, stream.ToolEnd{Base: r.base(stream.EventToolEnd, p), Data: p})
}

// publishSkillStart reports a child-agent invocation starting.
func (r *run) publishSkillStart(ctx context.Context, childID string) {
	p := stream.SkillStartPayload{SkillName: childID, SkillID: childID}
	r.publish(ctx, stream.SkillStart{Base: r.base(stream.EventSkillStart, p), Data: p})
}

// publishSkillEnd reports a child-agent invocation finishing.
func (r *run) publishSkillEnd(ctx context.Context, childID string) {
	p := stream.SkillEndPayload{SkillName: childID, SkillID: childID}
	r.publish(ctx, stream.SkillEnd{Base: r.base(stream.EventSkillEnd, p), Data: p})
}

// publishRetrieving reports a knowledge search starting.
func (r *run) publishRetrieving(ctx context.Context, collection, query string) {
	p := stream.RetrievingPayload{
		KnowledgeBaseName: collection,
		QueryPreview:      stream.Clamp(query, stream.QueryPreviewMax),
	}
	r.publish(ctx, stream.Retrieving{Base: r.base(stream.EventRetrieving, p), Data: p})
}

// publishRetrieved reports a knowledge search outcome.
func (r *run) publishRetrieved(ctx context.Context, count int) {
	p := stream.RetrievedPayload{DocumentCount: count, ChunksUsed: count}
	r.publish(ctx, stream.Retrieved{Base: r.base(stream.EventRetrieved, p), Data: p})
}
