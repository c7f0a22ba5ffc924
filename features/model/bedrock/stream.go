package bedrock

import (
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ensembleworks/ensemble/runtime/model"
)

// streamer drains a ConverseStream event stream. Recv pulls SDK events until
// one yields a text delta, then returns it as a chunk. The message stop event
// produces a final chunk carrying the finish reason, after which Recv reports
// io.EOF.
type streamer struct {
	stream *bedrockruntime.ConverseStreamEventStream
	done   bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.done {
		return model.Chunk{}, io.EOF
	}
	for {
		event, ok := <-s.stream.Events()
		if !ok {
			break
		}
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if delta, isText := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); isText && delta.Value != "" {
				return model.Chunk{Content: delta.Value}, nil
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			s.done = true
			return model.Chunk{FinishReason: mapStopReason(ev.Value.StopReason, false)}, nil
		}
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, wrapError(err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	s.done = true
	return s.stream.Close()
}
