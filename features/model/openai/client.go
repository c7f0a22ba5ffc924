// Package openai adapts the OpenAI Chat Completions API to the model.Client
// contract using github.com/sashabaranov/go-openai. Transcripts map directly:
// tool results travel as "tool" messages addressed by tool-call id, which is
// the dialect the platform transcript already speaks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client issues the chat completion calls. Required.
	Client ChatClient
	// DefaultModel is used when the request names no model. Required.
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", model.ErrMissingCredentials)
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Tools:     tools,
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.FrequencyPenalty != nil {
		request.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		request.PresencePenalty = float32(*req.PresencePenalty)
	}
	switch req.ToolChoice {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit the field.
	case model.ToolChoiceNone:
		request.ToolChoice = "none"
	case model.ToolChoiceRequired:
		request.ToolChoice = "required"
	default:
		name, _ := req.ToolChoice.ForcedTool()
		if !hasToolDefinition(req.Tools, name) {
			return nil, &model.ProviderError{
				Provider: "openai",
				Kind:     model.ErrorKindInvalidRequest,
				Message:  fmt.Sprintf("tool choice %q does not match any tool", name),
			}
		}
		request.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: name},
		}
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, providerError(err)
	}
	return translateResponse(response), nil
}

// Stream reports that Chat Completions streaming is not supported by this
// adapter. Callers fall back to Complete.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == model.RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, call := range m.ToolCalls {
			args := []byte("{}")
			if call.Arguments != nil {
				encoded, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call %s arguments: %w", call.Name, err)
				}
				args = encoded
			}
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:       call.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: call.Name, Arguments: string(args)},
			})
		}
		out = append(out, cm)
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func hasToolDefinition(defs []model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Model: resp.Model,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.FinishReason = model.FinishStop
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.Function.Arguments),
		})
	}
	out.FinishReason = mapFinishReason(choice.FinishReason, len(out.ToolCalls) > 0)
	return out
}

func mapFinishReason(r openai.FinishReason, hasToolCalls bool) model.FinishReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.FinishToolCalls
	case openai.FinishReasonLength:
		return model.FinishLength
	case openai.FinishReasonContentFilter:
		return model.FinishContentFilter
	}
	if hasToolCalls {
		return model.FinishToolCalls
	}
	return model.FinishStop
}

// parseToolArguments decodes the provider's argument JSON. Providers
// occasionally emit malformed fragments; those surface under a "raw" key so
// the schema validator rejects them with the original text attached.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func providerError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "openai",
			HTTPStatus: apiErr.HTTPStatusCode,
			Kind:       model.ClassifyStatus(apiErr.HTTPStatusCode),
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &model.ProviderError{
			Provider:   "openai",
			HTTPStatus: reqErr.HTTPStatusCode,
			Kind:       model.ClassifyStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}
	return &model.ProviderError{Provider: "openai", Kind: model.ErrorKindUnavailable, Err: err}
}
