package activity

import (
	"context"

	"github.com/ensembleworks/ensemble/runtime/stream"
)

// PublishInput carries one stream event in wire form.
type PublishInput struct {
	Event stream.Envelope `json:"event"`
}

// PublishOutput reports whether the event reached the sink. Delivery is
// advisory; the workflow ignores Delivered and never fails on it.
type PublishOutput struct {
	Delivered bool `json:"delivered"`
}

// PublishEvent forwards a workflow-emitted event to the stream sink. A
// worker without a sink drops events silently: runs behave identically
// whether or not anyone is watching.
func (s *Service) PublishEvent(ctx context.Context, in PublishInput) (PublishOutput, error) {
	if s.sink == nil {
		return PublishOutput{}, nil
	}
	ev, err := in.Event.Decode()
	if err != nil {
		s.logger.Warn(ctx, "dropping malformed stream event", "err", err)
		return PublishOutput{}, nil
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		// Unreachable clients stop the stream, not the run.
		s.logger.Warn(ctx, "stream sink rejected event",
			"event", ev.Type(), "run", ev.RunID(), "err", err)
		return PublishOutput{}, nil
	}
	return PublishOutput{Delivered: true}, nil
}
