// Package anthropic adapts the Anthropic Claude Messages API to the
// model.Client contract using github.com/anthropics/anthropic-sdk-go. The
// Messages dialect differs from the platform transcript: system prompts
// travel in a dedicated request field, assistant tool calls become tool_use
// blocks, and tool results become tool_result blocks inside the next user
// message. Consecutive tool results merge into one user turn because the API
// requires every tool_use of an assistant turn answered in a single message.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ensembleworks/ensemble/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Client issues the Messages API calls. Required.
		Client MessagesClient

		// DefaultModel is used when the request names no model. Required.
		DefaultModel string

		// MaxTokens caps completions when the request carries no limit. The
		// Messages API requires a cap on every call; zero means
		// DefaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}
)

// DefaultMaxTokens is the completion cap applied when neither the request nor
// the options choose one.
const DefaultMaxTokens = 4096

// New builds an Anthropic-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{msg: opts.Client, model: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", model.ErrMissingCredentials)
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &ac.Messages, DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the provider-neutral form.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, providerError(err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts text deltas into
// model.Chunks. Tool calling callers use Complete; the streamer carries text
// and the finish reason only.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	events := c.msg.NewStreaming(ctx, *params)
	if err := events.Err(); err != nil {
		return nil, providerError(err)
	}
	return &streamer{stream: events}, nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	switch req.ToolChoice {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit the field.
	case model.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &none}
	case model.ToolChoiceRequired:
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	default:
		name, _ := req.ToolChoice.ForcedTool()
		if !hasToolDefinition(req.Tools, name) {
			return nil, &model.ProviderError{
				Provider: "anthropic",
				Kind:     model.ErrorKindInvalidRequest,
				Message:  fmt.Sprintf("tool choice %q does not match any tool", name),
			}
		}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(name)
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	var pendingResults []sdk.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case model.RoleUser:
			flushResults()
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			flushResults()
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushResults()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(toolInputSchema(def.InputSchema), def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func toolInputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}
}

func hasToolDefinition(defs []model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	out := &model.Response{Model: string(msg.Model)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: decodeArguments(block.Input),
			})
		}
	}
	out.Content = text.String()
	out.Usage = model.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	out.FinishReason = mapStopReason(string(msg.StopReason), len(out.ToolCalls) > 0)
	return out, nil
}

func mapStopReason(reason string, hasToolCalls bool) model.FinishReason {
	switch reason {
	case "tool_use":
		return model.FinishToolCalls
	case "max_tokens":
		return model.FinishLength
	case "refusal":
		return model.FinishContentFilter
	case "end_turn", "stop_sequence", "pause_turn":
		return model.FinishStop
	}
	if hasToolCalls {
		return model.FinishToolCalls
	}
	return model.FinishStop
}

// decodeArguments unpacks a tool_use input object. Malformed fragments
// surface under a "raw" key so the schema validator rejects them with the
// original text attached.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}

func providerError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "anthropic",
			HTTPStatus: apiErr.StatusCode,
			Kind:       model.ClassifyStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	return &model.ProviderError{Provider: "anthropic", Kind: model.ErrorKindUnavailable, Err: err}
}
