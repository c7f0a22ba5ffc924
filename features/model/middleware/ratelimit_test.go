package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ensembleworks/ensemble/runtime/model"
)

type fakeClient struct {
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &model.Response{Content: "ok", FinishReason: model.FinishStop}, nil
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

func userRequest(text string) *model.Request {
	return &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: text},
		},
		MaxTokens: 10,
	}
}

func TestBackoffOnRateLimited(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Less(t, limiter.currentTPM, initialTPM)
}

func TestProbeOnSuccess(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	wrapped := limiter.Middleware()(&fakeClient{})
	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Greater(t, limiter.currentTPM, initialTPM)
}

func TestNonRateLimitErrorsDoNotBackOff(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: context.DeadlineExceeded}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.Error(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Equal(t, initialTPM, limiter.currentTPM)
}

func TestLimiterBlocksBeforeClient(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	// An impossible limiter fails any non-zero request immediately, which
	// exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.Error(t, err)
	require.Zero(t, client.completeCalls)
}

func TestEstimateTokensMonotonic(t *testing.T) {
	t.Parallel()

	small := estimateTokens(userRequest("short"))
	big := estimateTokens(userRequest("this is a much longer message than the short one"))
	require.Positive(t, small)
	require.Greater(t, big, small)

	// Tool calls contribute to the estimate.
	withTools := userRequest("short")
	withTools.Messages = append(withTools.Messages, model.Message{
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "search", Arguments: map[string]any{"query": "a long query string"}},
		},
	})
	require.Greater(t, estimateTokens(withTools), small)

	// Empty transcripts still cost something.
	require.Positive(t, estimateTokens(&model.Request{}))
}
