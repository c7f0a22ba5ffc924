package activity

import (
	"context"

	"github.com/ensembleworks/ensemble/runtime/safety"
)

type (
	// SafetyInput is one content screen.
	SafetyInput struct {
		Check safety.Check `json:"check"`
	}

	// SafetyOutput carries the verdict. Violations are data, not errors: the
	// workflow decides whether a verdict refuses the run or rewrites the
	// response.
	SafetyOutput struct {
		Verdict safety.Verdict `json:"verdict"`
	}
)

// CheckInputSafety screens user input before any model call.
func (s *Service) CheckInputSafety(ctx context.Context, in SafetyInput) (SafetyOutput, error) {
	verdict := s.safety.CheckInput(ctx, in.Check)
	if !verdict.Safe {
		s.metrics.IncCounter("safety_violations", 1, "stage", "input")
	}
	return SafetyOutput{Verdict: verdict}, nil
}

// CheckOutputSafety screens final content before it is returned to the
// caller.
func (s *Service) CheckOutputSafety(ctx context.Context, in SafetyInput) (SafetyOutput, error) {
	verdict := s.safety.CheckOutput(ctx, in.Check)
	if !verdict.Safe {
		s.metrics.IncCounter("safety_violations", 1, "stage", "output")
	}
	return SafetyOutput{Verdict: verdict}, nil
}
