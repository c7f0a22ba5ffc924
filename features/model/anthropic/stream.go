package anthropic

import (
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// streamer adapts the SDK's SSE iterator to the model.Streamer pull
// interface. Each Recv drives the iterator until the next text delta or the
// end of the message; the final chunk carries the finish reason.
type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	finish model.FinishReason
	done   bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.done {
		return model.Chunk{}, io.EOF
	}
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return model.Chunk{Content: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			s.finish = mapStopReason(string(ev.Delta.StopReason), false)
		case sdk.MessageStopEvent:
			s.done = true
			finish := s.finish
			if finish == "" {
				finish = model.FinishStop
			}
			return model.Chunk{FinishReason: finish}, nil
		}
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, providerError(err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	s.done = true
	return s.stream.Close()
}
