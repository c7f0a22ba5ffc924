// Package bedrock adapts the AWS Bedrock Converse API to the model.Client
// contract. Converse shares Anthropic's transcript shape (dedicated system
// blocks, tool_use blocks on assistant messages, tool results inside user
// messages) but imposes stricter tool naming: provider-visible tool names
// must match [a-zA-Z0-9_-]{1,64}. Registry identifiers such as
// "server:tool" violate that, so the adapter sanitizes names on the way out
// and keeps a per-request reverse map to translate tool_use blocks back to
// their registry identifiers.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ensembleworks/ensemble/runtime/model"
)

const providerName = "bedrock"

// Runtime is the subset of the Bedrock runtime client the adapter calls.
// ConverseStream returns the StreamOutput interface rather than the concrete
// SDK type so tests can substitute a fake event stream.
type Runtime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// StreamOutput exposes the event stream of a ConverseStream call. It is
// satisfied by *bedrockruntime.ConverseStreamOutput.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// sdkRuntime adapts *bedrockruntime.Client to the Runtime interface.
type sdkRuntime struct {
	client *bedrockruntime.Client
}

func (r sdkRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Options configures the Bedrock adapter.
type Options struct {
	// Runtime provides access to the Converse API. Required.
	Runtime Runtime

	// DefaultModel is the model identifier used when a request does not name
	// one, for example "anthropic.claude-sonnet-4-5-20250929-v1:0". Required.
	DefaultModel string

	// MaxTokens caps completion length when a request does not set one.
	// Zero leaves the cap to the provider.
	MaxTokens int
}

// Client calls the Bedrock Converse API.
type Client struct {
	runtime      Runtime
	defaultModel string
	maxTokens    int
}

// New returns a Client backed by the given runtime.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// NewFromConfig builds a Client from an AWS SDK configuration. Credentials
// and region resolution follow whatever the supplied config carries.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Client, error) {
	return New(Options{
		Runtime:      sdkRuntime{client: bedrockruntime.NewFromConfig(cfg)},
		DefaultModel: defaultModel,
	})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.resolveModel(req)),
		Messages:        parts.messages,
		System:          parts.system,
		InferenceConfig: c.inferenceConfig(req),
		ToolConfig:      parts.toolConfig,
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(out, parts.canonical)
}

// Stream implements model.Client. Text deltas are surfaced as chunks; tool
// use requires the non-streaming path.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(c.resolveModel(req)),
		Messages:        parts.messages,
		System:          parts.system,
		InferenceConfig: c.inferenceConfig(req),
		ToolConfig:      parts.toolConfig,
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}
	return &streamer{stream: out.GetStream()}, nil
}

func (c *Client) resolveModel(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if max := req.MaxTokens; max > 0 {
		cfg.MaxTokens = aws.Int32(int32(max))
		set = true
	} else if c.maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTokens))
		set = true
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
		set = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

// converseParts carries an encoded request plus the reverse tool name map
// used to translate the response.
type converseParts struct {
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	canonical  map[string]string
}

func (c *Client) encodeRequest(req *model.Request) (*converseParts, error) {
	if req == nil {
		return nil, errors.New("bedrock: request is required")
	}
	names := newToolNames(req.Tools)
	if err := names.err(); err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, err
	}
	toolConfig, err := encodeTools(req, names)
	if err != nil {
		return nil, err
	}
	return &converseParts{
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		canonical:  names.reverse,
	}, nil
}

func encodeMessages(msgs []model.Message, names *toolNames) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
		pending      []brtypes.ContentBlock
		useIDs       = newToolUseIDs()
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		conversation = append(conversation, brtypes.Message{
			Role:    brtypes.ConversationRoleUser,
			Content: pending,
		})
		pending = nil
	}
	for i, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			if msg.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: msg.Content})
			}
		case model.RoleTool:
			// Converse correlates results to tool_use blocks inside user
			// messages. Consecutive results merge so parallel calls come
			// back as one turn.
			pending = append(pending, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(useIDs.lookup(msg.ToolCallID)),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		case model.RoleUser:
			flush()
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: msg.Content}},
			})
		case model.RoleAssistant:
			flush()
			blocks := make([]brtypes.ContentBlock, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				sanitized, ok := names.provider[call.Name]
				if !ok {
					return nil, nil, fmt.Errorf("bedrock: transcript references tool %q which is not in the request tool set", call.Name)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(useIDs.lookup(call.ID)),
						Name:      aws.String(sanitized),
						Input:     schemaDocument(call.Arguments),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: message %d has unsupported role %q", i, msg.Role)
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(req *model.Request, names *toolNames) (*brtypes.ToolConfiguration, error) {
	if len(req.Tools) == 0 {
		if name, forced := req.ToolChoice.ForcedTool(); forced {
			return nil, invalidToolChoice(name)
		}
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(req.Tools))
	for _, def := range req.Tools {
		if def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(names.provider[def.Name]),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	cfg := brtypes.ToolConfiguration{Tools: toolList}
	switch req.ToolChoice {
	case "", model.ToolChoiceAuto:
	case model.ToolChoiceNone:
		// Converse has no "none" mode. The tool configuration stays so the
		// provider can interpret tool_use blocks already in the transcript;
		// prompts are expected to suppress further calls.
	case model.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	default:
		name, _ := req.ToolChoice.ForcedTool()
		sanitized, ok := names.provider[name]
		if !ok {
			return nil, invalidToolChoice(name)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)},
		}
	}
	return &cfg, nil
}

func invalidToolChoice(name string) error {
	return &model.ProviderError{
		Provider: providerName,
		Kind:     model.ErrorKindInvalidRequest,
		Message:  fmt.Sprintf("tool choice %q does not match any tool", name),
	}
}

// schemaDocument converts a JSON-shaped value into a smithy document. Nil
// becomes the empty object schema Converse requires.
func schemaDocument(v any) document.Interface {
	if v == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(v)
}

func translateResponse(out *bedrockruntime.ConverseOutput, canonical map[string]string) (*model.Response, error) {
	if out == nil {
		return nil, errors.New("bedrock: empty response")
	}
	resp := &model.Response{}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var text []byte
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text = append(text, v.Value...)
			case *brtypes.ContentBlockMemberToolUse:
				call := model.ToolCall{Arguments: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					name, ok := canonical[*v.Value.Name]
					if !ok {
						return nil, fmt.Errorf("bedrock: response references unknown tool %q", *v.Value.Name)
					}
					call.Name = name
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
		resp.Content = string(text)
	}
	if usage := out.Usage; usage != nil {
		resp.Usage = model.Usage{
			PromptTokens:     int(aws.ToInt32(usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	resp.FinishReason = mapStopReason(out.StopReason, len(resp.ToolCalls) > 0)
	return resp, nil
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil || len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}

func mapStopReason(reason brtypes.StopReason, hasToolCalls bool) model.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return model.FinishStop
	case brtypes.StopReasonToolUse:
		return model.FinishToolCalls
	case brtypes.StopReasonMaxTokens:
		return model.FinishLength
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return model.FinishContentFilter
	}
	if hasToolCalls {
		return model.FinishToolCalls
	}
	return model.FinishStop
}

// wrapError classifies Converse failures. AWS signals throttling through
// error codes rather than bare status codes, so codes are checked first.
func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe := &model.ProviderError{
			Provider: providerName,
			Kind:     classifyCode(apiErr.ErrorCode()),
			Message:  apiErr.ErrorMessage(),
			Err:      err,
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			pe.HTTPStatus = respErr.HTTPStatusCode()
			if pe.Kind == model.ErrorKindUnknown {
				pe.Kind = model.ClassifyStatus(pe.HTTPStatus)
			}
		}
		return pe
	}
	return &model.ProviderError{Provider: providerName, Kind: model.ErrorKindUnavailable, Err: err}
}

func classifyCode(code string) model.ErrorKind {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return model.ErrorKindRateLimited
	case "ValidationException":
		return model.ErrorKindInvalidRequest
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return model.ErrorKindAuth
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException", "ModelTimeoutException":
		return model.ErrorKindUnavailable
	}
	return model.ErrorKindUnknown
}
