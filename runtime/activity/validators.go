package activity

import (
	"context"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/validators"
)

type (
	// SanitizeInputRequest screens user input for injection content.
	SanitizeInputRequest struct {
		Input string `json:"input"`
	}

	// SanitizeToolResultRequest screens external tool output.
	SanitizeToolResultRequest struct {
		ToolName string `json:"tool_name"`
		Output   string `json:"output"`
	}

	// SanitizeResponse carries the usable text either way: the rewrite when
	// the screen fired, the original otherwise.
	SanitizeResponse struct {
		Result validators.SanitizeResult `json:"result"`
	}

	// ValidateActionRequest describes a completed turn for review.
	ValidateActionRequest struct {
		Purpose        string   `json:"purpose,omitempty"`
		AvailableTools []string `json:"available_tools,omitempty"`
		UserInput      string   `json:"user_input"`
		Response       string   `json:"response"`
		ToolCalls      []string `json:"tool_calls,omitempty"`
	}

	// ValidateActionResponse reports whether the turn served the request.
	ValidateActionResponse struct {
		Verdict validators.ActionVerdict `json:"verdict"`
	}

	// DetectLoopRequest checks a draft against recent history.
	DetectLoopRequest struct {
		History []model.Message `json:"history,omitempty"`
		Draft   string          `json:"draft"`
	}

	// DetectLoopResponse reports repetition.
	DetectLoopResponse struct {
		Verdict validators.LoopVerdict `json:"verdict"`
	}

	// CheckHallucinationRequest carries the response and its evidence.
	CheckHallucinationRequest struct {
		Response    string   `json:"response"`
		Context     []string `json:"context,omitempty"`
		ToolOutputs []string `json:"tool_outputs,omitempty"`
	}

	// CheckHallucinationResponse reports contradictions.
	CheckHallucinationResponse struct {
		Verdict validators.GroundingVerdict `json:"verdict"`
	}
)

// SanitizeInput screens user input before the first model step. Without a
// configured checker the input passes through unchanged; validator coverage
// is a deployment choice, not a run requirement.
func (s *Service) SanitizeInput(ctx context.Context, in SanitizeInputRequest) (SanitizeResponse, error) {
	if s.validators == nil {
		return SanitizeResponse{Result: validators.SanitizeResult{Content: in.Input}}, nil
	}
	result, err := s.validators.SanitizeInput(ctx, in.Input)
	if err != nil {
		return SanitizeResponse{}, agent.WrapError(agent.KindTransport, err, "sanitize input")
	}
	if result.Modified {
		s.metrics.IncCounter("input_sanitized", 1)
	}
	return SanitizeResponse{Result: result}, nil
}

// SanitizeToolResult screens external tool output before it re-enters the
// conversation.
func (s *Service) SanitizeToolResult(ctx context.Context, in SanitizeToolResultRequest) (SanitizeResponse, error) {
	if s.validators == nil {
		return SanitizeResponse{Result: validators.SanitizeResult{Content: in.Output}}, nil
	}
	result, err := s.validators.SanitizeToolResult(ctx, in.ToolName, in.Output)
	if err != nil {
		return SanitizeResponse{}, agent.WrapError(agent.KindTransport, err,
			"sanitize %s result", in.ToolName)
	}
	if result.Modified {
		s.metrics.IncCounter("tool_result_sanitized", 1, "tool", in.ToolName)
	}
	return SanitizeResponse{Result: result}, nil
}

// ValidateAction reviews whether the response served the request given the
// tools the agent had. Without a checker every turn passes.
func (s *Service) ValidateAction(ctx context.Context, in ValidateActionRequest) (ValidateActionResponse, error) {
	if s.validators == nil {
		return ValidateActionResponse{Verdict: validators.ActionVerdict{IsValid: true}}, nil
	}
	verdict, err := s.validators.ValidateAction(ctx, validators.ActionCheck{
		Purpose:        in.Purpose,
		AvailableTools: in.AvailableTools,
		UserInput:      in.UserInput,
		Response:       in.Response,
		ToolCalls:      in.ToolCalls,
	})
	if err != nil {
		return ValidateActionResponse{}, agent.WrapError(agent.KindTransport, err, "validate action")
	}
	return ValidateActionResponse{Verdict: verdict}, nil
}

// DetectLoop checks whether the draft repeats an earlier answer.
func (s *Service) DetectLoop(ctx context.Context, in DetectLoopRequest) (DetectLoopResponse, error) {
	if s.validators == nil {
		return DetectLoopResponse{}, nil
	}
	verdict, err := s.validators.DetectLoop(ctx, in.History, in.Draft)
	if err != nil {
		return DetectLoopResponse{}, agent.WrapError(agent.KindTransport, err, "detect loop")
	}
	return DetectLoopResponse{Verdict: verdict}, nil
}

// CheckHallucination flags contradictions between the response and its
// evidence.
func (s *Service) CheckHallucination(ctx context.Context, in CheckHallucinationRequest) (CheckHallucinationResponse, error) {
	if s.validators == nil {
		return CheckHallucinationResponse{
			Verdict: validators.GroundingVerdict{IsGrounded: true, Confidence: 0.5},
		}, nil
	}
	verdict, err := s.validators.CheckHallucination(ctx, validators.GroundingCheck{
		Response:    in.Response,
		Context:     in.Context,
		ToolOutputs: in.ToolOutputs,
	})
	if err != nil {
		return CheckHallucinationResponse{}, agent.WrapError(agent.KindTransport, err, "check hallucination")
	}
	if !verdict.IsGrounded {
		s.metrics.IncCounter("hallucinations_flagged", 1)
	}
	return CheckHallucinationResponse{Verdict: verdict}, nil
}
