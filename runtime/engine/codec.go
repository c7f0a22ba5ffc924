package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Activity adapts a typed function to the registered byte form. The input
// decodes from JSON and the output encodes back; the engine never sees the
// concrete types.
func Activity[I, O any](fn func(ctx context.Context, input I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode activity input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode activity output: %w", err)
		}
		return encoded, nil
	}
}

// Workflow adapts a typed workflow function to the registered byte form.
func Workflow[I, O any](fn func(wf WorkflowContext, input I) (O, error)) WorkflowHandler {
	return func(wf WorkflowContext, raw []byte) ([]byte, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode workflow input: %w", err)
			}
		}
		out, err := fn(wf, in)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode workflow output: %w", err)
		}
		return encoded, nil
	}
}
