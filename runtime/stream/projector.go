package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// ProjectorOptions configures a per-invocation Projector.
	ProjectorOptions struct {
		// Sink receives every emitted event. Required.
		Sink Sink
		// RunID identifies the invocation. Required.
		RunID string
		// SessionID identifies the conversation session.
		SessionID string
		// ChunkSize bounds content chunks in runes. Defaults to 50.
		ChunkSize int
		// ChunkDelay is the pause between content chunks. Defaults to
		// 30ms.
		ChunkDelay time.Duration
	}

	// Narrative describes the synthesized activity summary of an
	// invocation. The projector renders it as thinking, an optional
	// retrieving/retrieved pair, and up to two tool previews.
	Narrative struct {
		// Step labels the thinking event.
		Step string
		// KnowledgeBase names the bound knowledge collection. Empty skips
		// the retrieval pair.
		KnowledgeBase string
		// Query seeds the retrieving preview; it is clamped to the query
		// preview cap.
		Query string
		// DocumentCount and ChunksUsed fill the retrieved event.
		DocumentCount int
		ChunksUsed    int
		// Tools previews the agent's bound tools. At most two are
		// rendered.
		Tools []PreviewTool
	}

	// PreviewTool identifies one bound tool for narrative previews.
	PreviewTool struct {
		// Name is the tool name shown to the client.
		Name string
		// MCPServer marks the tool as MCP-backed; the preview is then an
		// mcp_start instead of a tool_start.
		MCPServer string
	}

	// Projector turns one invocation's execution into a totally ordered
	// client event stream: synthesized narrative when the run produced no
	// live events, real events forwarded verbatim, final content chunked,
	// and exactly one terminal complete or error. Previews stop as soon as
	// the first real retrieval or tool event is observed; real events are
	// never rewritten.
	Projector struct {
		sink       Sink
		runID      string
		sessionID  string
		chunkSize  int
		chunkDelay time.Duration

		mu             sync.Mutex
		realSeen       bool
		thinkingSent   bool
		generatingSent bool
		terminal       bool
	}
)

// Narrative preview bounds.
const (
	// DefaultChunkSize is the content chunk size in runes.
	DefaultChunkSize = 50
	// DefaultChunkDelay is the pause between content chunks.
	DefaultChunkDelay = 30 * time.Millisecond
	// maxToolPreviews bounds how many bound tools the narrative previews.
	maxToolPreviews = 2
)

// NewProjector builds a projector for a single invocation.
func NewProjector(opts ProjectorOptions) (*Projector, error) {
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	delay := opts.ChunkDelay
	if delay <= 0 {
		delay = DefaultChunkDelay
	}
	return &Projector{
		sink:       opts.Sink,
		runID:      opts.RunID,
		sessionID:  opts.SessionID,
		chunkSize:  size,
		chunkDelay: delay,
	}, nil
}

// Thinking emits a thinking preview. An empty step renders the default
// label; repeated unlabeled calls collapse into one event so an opening
// preview and a later narrative do not double-report.
func (p *Projector) Thinking(ctx context.Context, step string) error {
	p.mu.Lock()
	if step == "" && p.thinkingSent {
		p.mu.Unlock()
		return nil
	}
	p.thinkingSent = true
	p.mu.Unlock()
	if step == "" {
		step = "analyzing request"
	}
	data := ThinkingPayload{Step: step}
	return p.preview(ctx, Thinking{
		Base: NewBase(EventThinking, p.runID, p.sessionID, data),
		Data: data,
	})
}

// Narrate emits the synthesized narrative. Each preview is gated on the
// absence of real activity, so a run that streamed live events drops
// whatever part of the narrative has not yet been emitted. Content
// delivery stays with Deliver; Narrate never marks the model phase.
func (p *Projector) Narrate(ctx context.Context, n Narrative) error {
	if err := p.Thinking(ctx, n.Step); err != nil {
		return err
	}
	if n.KnowledgeBase != "" {
		retrieving := RetrievingPayload{
			KnowledgeBaseName: n.KnowledgeBase,
			QueryPreview:      Clamp(n.Query, QueryPreviewMax),
		}
		if err := p.preview(ctx, Retrieving{
			Base: NewBase(EventRetrieving, p.runID, p.sessionID, retrieving),
			Data: retrieving,
		}); err != nil {
			return err
		}
		retrieved := RetrievedPayload{DocumentCount: n.DocumentCount, ChunksUsed: n.ChunksUsed}
		if err := p.preview(ctx, Retrieved{
			Base: NewBase(EventRetrieved, p.runID, p.sessionID, retrieved),
			Data: retrieved,
		}); err != nil {
			return err
		}
	}
	previewed := 0
	for _, tool := range n.Tools {
		if previewed == maxToolPreviews {
			break
		}
		var ev Event
		if tool.MCPServer != "" {
			data := MCPStartPayload{ServerName: tool.MCPServer, ToolName: tool.Name}
			ev = MCPStart{Base: NewBase(EventMCPStart, p.runID, p.sessionID, data), Data: data}
		} else {
			data := ToolStartPayload{ToolName: tool.Name}
			ev = ToolStart{Base: NewBase(EventToolStart, p.runID, p.sessionID, data), Data: data}
		}
		if err := p.preview(ctx, ev); err != nil {
			return err
		}
		previewed++
	}
	return nil
}

// Forward relays a real event to the sink unchanged. Retrieval, tool, MCP,
// and skill events suppress any remaining narrative previews.
func (p *Projector) Forward(ctx context.Context, ev Event) error {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return nil
	}
	switch ev.Type() {
	case EventRetrieving, EventRetrieved,
		EventToolStart, EventToolEnd, EventMCPStart, EventMCPEnd, EventSkillStart, EventSkillEnd:
		p.realSeen = true
	case EventComplete, EventError:
		p.terminal = true
	}
	p.mu.Unlock()
	return p.sink.Send(ctx, ev)
}

// SawActivity reports whether a real retrieval or tool event was forwarded
// for this invocation. Callers use it after completion to decide whether a
// post-hoc narrative is still worth emitting.
func (p *Projector) SawActivity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realSeen
}

// MessageSaved reports a persisted conversation message.
func (p *Projector) MessageSaved(ctx context.Context, role, messageID string) error {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	data := MessageSavedPayload{Role: role, MessageID: messageID}
	return p.sink.Send(ctx, MessageSaved{
		Base: NewBase(EventMessageSaved, p.runID, p.sessionID, data),
		Data: data,
	})
}

// Deliver chunks the final content and terminates the stream with a
// complete event. It is a no-op when a terminal event was already emitted.
func (p *Projector) Deliver(ctx context.Context, content string, data CompletePayload) error {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.generating(ctx); err != nil {
		return err
	}
	chunks := ChunkContent(content, p.chunkSize)
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleep(ctx, p.chunkDelay); err != nil {
				return err
			}
		}
		payload := ChunkPayload{Content: chunk}
		if err := p.sink.Send(ctx, Chunk{
			Base: NewBase(EventChunk, p.runID, p.sessionID, payload),
			Data: payload,
		}); err != nil {
			return err
		}
	}
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.terminal = true
	p.mu.Unlock()
	return p.sink.Send(ctx, Complete{
		Base: NewBase(EventComplete, p.runID, p.sessionID, data),
		Data: data,
	})
}

// Fail terminates the stream with an error event. It is a no-op when a
// terminal event was already emitted.
func (p *Projector) Fail(ctx context.Context, data ErrorPayload) error {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.terminal = true
	p.mu.Unlock()
	return p.sink.Send(ctx, Error{
		Base: NewBase(EventError, p.runID, p.sessionID, data),
		Data: data,
	})
}

// preview sends a synthesized event unless real activity already
// superseded the narrative.
func (p *Projector) preview(ctx context.Context, ev Event) error {
	p.mu.Lock()
	if p.realSeen || p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.sink.Send(ctx, ev)
}

// generating emits the generating event exactly once per invocation.
func (p *Projector) generating(ctx context.Context) error {
	p.mu.Lock()
	if p.generatingSent || p.terminal {
		p.mu.Unlock()
		return nil
	}
	p.generatingSent = true
	p.mu.Unlock()
	return p.sink.Send(ctx, Generating{
		Base: NewBase(EventGenerating, p.runID, p.sessionID, GeneratingPayload{}),
		Data: GeneratingPayload{},
	})
}

// ChunkContent splits content into chunks of roughly size runes, preferring
// to break at the last space inside the window so words stay intact.
func ChunkContent(content string, size int) []string {
	if content == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(content)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
