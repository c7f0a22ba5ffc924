package stream

import (
	"encoding/json"
	"fmt"
)

// Envelope is the transport form of an Event: the type constant, the run
// coordinates, and the payload as raw JSON. Everything that moves events
// across a process boundary (the publish activity, the Pulse sink, SSE
// handlers) moves envelopes; Decode restores the typed event on the far
// side.
type Envelope struct {
	Event     EventType       `json:"event"`
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode flattens an event into its envelope.
func Encode(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}
	return Envelope{
		Event:     ev.Type(),
		RunID:     ev.RunID(),
		SessionID: ev.SessionID(),
		Payload:   payload,
	}, nil
}

// Decode restores the typed event carried by the envelope. The event set is
// closed: unknown types are rejected rather than passed through.
func (e Envelope) Decode() (Event, error) {
	switch e.Event {
	case EventThinking:
		var p ThinkingPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Thinking{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventRetrieving:
		var p RetrievingPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Retrieving{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventRetrieved:
		var p RetrievedPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Retrieved{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventToolStart:
		var p ToolStartPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return ToolStart{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventToolEnd:
		var p ToolEndPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return ToolEnd{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventMCPStart:
		var p MCPStartPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return MCPStart{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventMCPEnd:
		var p MCPEndPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return MCPEnd{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventSkillStart:
		var p SkillStartPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return SkillStart{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventSkillEnd:
		var p SkillEndPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return SkillEnd{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventGenerating:
		var p GeneratingPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Generating{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventChunk:
		var p ChunkPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Chunk{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventComplete:
		var p CompletePayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Complete{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventError:
		var p ErrorPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return Error{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	case EventMessageSaved:
		var p MessageSavedPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return MessageSaved{Base: NewBase(e.Event, e.RunID, e.SessionID, p), Data: p}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Event)
}

func (e Envelope) decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}
