package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/stream"
	"github.com/ensembleworks/ensemble/runtime/tools"
	"github.com/ensembleworks/ensemble/runtime/workflow"
)

// Stream runs an agent like Invoke while projecting execution events to the
// sink: an immediate thinking acknowledgment, live events forwarded as the
// run publishes them, a synthesized narrative when the run produced none,
// the final content in chunks, and exactly one terminal complete or error.
//
// A sink failure or caller disconnect stops the projection only; the
// workflow always runs to completion and the turn is still recorded. When
// the last subscriber of an abandoned run disconnects the runner signals the
// workflow to stop publishing.
func (r *Runner) Stream(ctx context.Context, req InvokeRequest, sink stream.Sink) (*InvokeResult, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if req.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	streamID := newRunID(req.AgentID)
	proj, err := stream.NewProjector(stream.ProjectorOptions{
		Sink:      sink,
		RunID:     streamID,
		SessionID: req.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	// Acknowledge before any store or engine round trip so the client sees
	// progress immediately.
	if err := proj.Thinking(ctx, ""); err != nil {
		r.logger.Warn(ctx, "stream sink unreachable", "agent_id", req.AgentID, "err", err)
	}

	w := &watcher{runner: r, proj: proj, ctx: ctx, streamID: streamID}
	res, err := r.invoke(ctx, req, w)
	if err != nil {
		if ferr := proj.Fail(ctx, errorPayload(err)); ferr != nil {
			r.logger.Warn(ctx, "stream error not delivered", "agent_id", req.AgentID, "err", ferr)
		}
		return nil, err
	}

	if !proj.SawActivity() {
		if err := proj.Narrate(ctx, buildNarrative(w.config(), req.Input, res.Response)); err != nil {
			r.logger.Warn(ctx, "stream narrative dropped", "run_id", res.RunID, "err", err)
		}
	}
	if res.MessageID != "" {
		if err := proj.MessageSaved(ctx, string(model.RoleAssistant), res.MessageID); err != nil {
			r.logger.Warn(ctx, "stream event dropped", "run_id", res.RunID, "err", err)
		}
	}
	if err := proj.Deliver(ctx, res.Response.Content, stream.CompletePayload{
		MessageID:   res.MessageID,
		ExecutionID: res.ExecutionID,
	}); err != nil {
		r.logger.Warn(ctx, "stream completion not delivered", "run_id", res.RunID, "err", err)
	}
	return res, nil
}

// watcher projects the events of every run one streamed invocation starts.
type watcher struct {
	runner *Runner
	proj   *stream.Projector
	ctx    context.Context

	// streamID pre-names the first run so the projector and the workflow
	// agree on the run ID before the workflow starts.
	streamID string

	mu  sync.Mutex
	cfg agent.Config
}

// observe subscribes to a run's events before it starts and forwards them to
// the projector. The returned stop function waits until every buffered event
// is drained, then quiets abandoned runs.
func (w *watcher) observe(workflowID string) func() {
	ch, cancel := w.runner.broker.Subscribe(workflowID)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range ch {
			if w.ctx.Err() != nil {
				continue
			}
			if err := w.proj.Forward(w.ctx, ev); err != nil {
				w.runner.logger.Warn(w.ctx, "stream event dropped",
					"run_id", workflowID, "event", ev.Type(), "err", err)
			}
		}
	}()
	return func() {
		cancel()
		<-drained
		if w.ctx.Err() != nil && w.runner.broker.SubscriberCount(workflowID) == 0 {
			w.runner.quietRun(workflowID)
		}
	}
}

// messageSaved reports a persisted conversation message on the stream.
func (w *watcher) messageSaved(ctx context.Context, role, messageID string) {
	if err := w.proj.MessageSaved(ctx, role, messageID); err != nil {
		w.runner.logger.Warn(ctx, "stream event dropped", "event", stream.EventMessageSaved, "err", err)
	}
}

func (w *watcher) setConfig(cfg agent.Config) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

func (w *watcher) config() agent.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// quietRun tells a still-running workflow that nobody is watching so it can
// stop paying for publish activities. Finished workflows reject the signal;
// that is the normal case and not an error.
func (r *Runner) quietRun(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.eng.Signal(ctx, workflowID, workflow.SignalStreamQuiet, true); err != nil &&
		!errors.Is(err, engine.ErrWorkflowNotFound) {
		r.logger.Warn(ctx, "quiet signal not delivered", "run_id", workflowID, "err", err)
	}
}

// buildNarrative summarizes a finished run from its configuration and
// response: the bound knowledge collection with the actual source counts,
// and the bound tools with MCP attribution.
func buildNarrative(cfg agent.Config, input string, resp agent.Response) stream.Narrative {
	var n stream.Narrative
	if cfg.Knowledge != nil && cfg.Knowledge.Collection != "" {
		n.KnowledgeBase = cfg.Knowledge.Collection
		n.Query = input
		n.DocumentCount = len(resp.Sources)
		n.ChunksUsed = len(resp.Sources)
	}
	for _, b := range cfg.EnabledTools() {
		preview := stream.PreviewTool{Name: b.ID}
		if template, tool, ok := tools.SplitMCPTemplate(b.ID); ok {
			preview = stream.PreviewTool{Name: tool, MCPServer: template}
		} else if server, tool, ok := tools.SplitServerTool(b.ID); ok {
			preview = stream.PreviewTool{Name: tool, MCPServer: server}
		}
		n.Tools = append(n.Tools, preview)
	}
	return n
}

// errorPayload shapes a run failure for the stream.
func errorPayload(err error) stream.ErrorPayload {
	kind := engine.ErrorTypeOf(err)
	return stream.ErrorPayload{
		Error:       err.Error(),
		ErrorType:   kind,
		Recoverable: recoverableKind(kind),
	}
}

// recoverableKind mirrors agent.Retryable for error kinds that crossed the
// engine boundary as strings.
func recoverableKind(kind string) bool {
	switch agent.ErrorKind(kind) {
	case agent.KindTransport, agent.KindTimeout, agent.KindToolExecution:
		return true
	}
	return false
}
