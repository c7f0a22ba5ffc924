package activity

import (
	"context"
	"errors"
	"time"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
)

type (
	// LLMInput is one chat completion scheduled by a workflow. The transcript
	// arrives fully assembled; the activity adds nothing but the binding's
	// generation parameters.
	LLMInput struct {
		// Binding selects the provider, model, and generation parameters.
		Binding agent.LLMBinding `json:"binding"`
		// Messages is the transcript for the call, system prompt included.
		Messages []model.Message `json:"messages"`
		// Tools are the schemas offered to the model, in sanitized form.
		Tools []model.ToolDefinition `json:"tools,omitempty"`
		// ToolChoice constrains tool use for this call.
		ToolChoice model.ToolChoice `json:"tool_choice,omitempty"`
	}

	// LLMOutput carries the normalized completion.
	LLMOutput struct {
		Response model.Response `json:"response"`
	}
)

// LLMCompletion resolves the binding to a provider client and runs one chat
// completion. Credential and request-shape failures surface as configuration
// errors; throttling and outages surface as transport errors the engine
// retries.
func (s *Service) LLMCompletion(ctx context.Context, in LLMInput) (LLMOutput, error) {
	client, err := s.models.Resolve(ctx, in.Binding)
	if err != nil {
		return LLMOutput{}, agent.WrapError(agent.KindConfigInvalid, err,
			"resolve model binding %s/%s", in.Binding.Provider, in.Binding.Model)
	}
	req := &model.Request{
		Model:            in.Binding.Model,
		Messages:         in.Messages,
		Temperature:      in.Binding.Temperature,
		MaxTokens:        in.Binding.MaxTokens,
		FrequencyPenalty: in.Binding.FrequencyPenalty,
		PresencePenalty:  in.Binding.PresencePenalty,
		Tools:            in.Tools,
		ToolChoice:       in.ToolChoice,
	}
	started := time.Now()
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return LLMOutput{}, classifyModelError(err, in.Binding)
	}
	s.metrics.RecordTimer("llm_completion_duration", time.Since(started),
		"provider", in.Binding.Provider, "model", in.Binding.Model)
	s.metrics.IncCounter("llm_completion_tokens", float64(resp.Usage.TotalTokens),
		"provider", in.Binding.Provider, "model", in.Binding.Model)
	return LLMOutput{Response: *resp}, nil
}

// classifyModelError converts a provider failure into the run error taxonomy.
// Anything not provably permanent stays transport so the retry policy owns
// the decision.
func classifyModelError(err error, binding agent.LLMBinding) error {
	if errors.Is(err, model.ErrMissingCredentials) {
		return agent.WrapError(agent.KindConfigInvalid, err,
			"provider %s credentials", binding.Provider)
	}
	if pe, ok := model.AsProviderError(err); ok {
		switch pe.Kind {
		case model.ErrorKindAuth, model.ErrorKindInvalidRequest:
			return agent.WrapError(agent.KindConfigInvalid, err,
				"provider %s rejected the request", binding.Provider)
		}
	}
	return agent.WrapError(agent.KindTransport, err, "provider %s", binding.Provider)
}
