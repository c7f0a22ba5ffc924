package runner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
)

// turnState carries one conversation turn from the opening user message to
// the closing assistant message.
type turnState struct {
	// conversationID doubles as the invocation session ID. Empty when
	// persistence is disabled and the caller supplied no conversation.
	conversationID string

	// history is the prior transcript handed to the workflow. The current
	// user input is not part of it; the workflow appends it itself.
	history []model.Message

	// userMessageID is the persisted user message, empty without
	// persistence.
	userMessageID string

	// persisted marks that the turn writes to the conversation store.
	persisted bool
}

// openTurn resolves the conversation for a request, loads the prior
// history, and records the user message. Without a conversation store the
// turn is stateless and the request's own history is used.
func (r *Runner) openTurn(ctx context.Context, req *InvokeRequest) (*turnState, error) {
	if r.convs == nil {
		return &turnState{
			conversationID: req.ConversationID,
			history:        req.History,
		}, nil
	}

	var (
		conv *store.Conversation
		err  error
	)
	if req.ConversationID == "" {
		conv, err = r.createConversation(ctx, req)
	} else {
		conv, err = r.convs.Get(ctx, req.ConversationID, r.history)
	}
	if err != nil {
		return nil, err
	}

	turn := &turnState{
		conversationID: conv.ID,
		history:        historyMessages(conv.Messages),
		persisted:      true,
	}

	msg := &store.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        req.Input,
	}
	if err := r.convs.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}
	turn.userMessageID = msg.ID

	// The first user message names the conversation unless the caller set
	// a title explicitly.
	if conv.MessageCount == 0 && conv.IsAutoTitle {
		title := store.DeriveTitle(req.Input)
		if err := r.convs.UpdateTitle(ctx, conv.ID, title, true); err != nil {
			r.logger.Warn(ctx, "conversation title not updated",
				"conversation_id", conv.ID, "err", err)
		}
	}
	return turn, nil
}

// closeTurn records the assistant message produced by the run. The workflow
// and execution IDs link the stored message back to the run for audit.
func (r *Runner) closeTurn(ctx context.Context, turn *turnState, res *InvokeResult) (string, error) {
	if !turn.persisted {
		return "", nil
	}
	msg := &store.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: turn.conversationID,
		Role:           model.RoleAssistant,
		Content:        res.Response.Content,
		WorkflowID:     res.RunID,
		ExecutionID:    res.ExecutionID,
		Metadata:       assistantMetadata(res),
	}
	if err := r.convs.AppendMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (r *Runner) createConversation(ctx context.Context, req *InvokeRequest) (*store.Conversation, error) {
	rec := &store.ConversationRecord{
		ID:      uuid.NewString(),
		UserID:  req.UserID,
		AgentID: req.AgentID,
	}
	if err := r.convs.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &store.Conversation{ConversationRecord: *rec}, nil
}

// historyMessages maps stored messages onto the model transcript. Only user
// and assistant turns replay; tool traffic and synthetic roles stay out of
// the prompt.
func historyMessages(msgs []store.MessageRecord) []model.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		out = append(out, model.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// assistantMetadata flattens the response metadata for storage, adding the
// producing agent and its confidence.
func assistantMetadata(res *InvokeResult) map[string]any {
	meta := map[string]any{
		"agent_id":   res.AgentID,
		"confidence": res.Response.Confidence,
	}
	for k, v := range res.Response.Metadata {
		meta[k] = v
	}
	if res.Response.NeedsConfirmation {
		meta["needs_confirmation"] = strconv.FormatBool(true)
	}
	if len(res.Response.Sources) > 0 {
		meta["source_count"] = len(res.Response.Sources)
	}
	return meta
}
