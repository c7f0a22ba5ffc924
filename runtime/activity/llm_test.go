package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
)

type captureClient struct {
	lastReq *model.Request
	resp    *model.Response
	err     error
}

func (c *captureClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *captureClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestLLMCompletionPassesBindingParameters(t *testing.T) {
	t.Parallel()
	client := &captureClient{resp: &model.Response{
		Content:      "done",
		FinishReason: model.FinishStop,
		Usage:        model.Usage{TotalTokens: 12},
	}}
	svc, err := New(Deps{Models: &stubResolver{client: client}})
	require.NoError(t, err)

	binding := agent.LLMBinding{
		Provider:    "openai",
		Model:       "gpt-4o",
		Temperature: model.Temperature(0.2),
		MaxTokens:   512,
	}
	out, err := svc.LLMCompletion(context.Background(), LLMInput{
		Binding: binding,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be terse"},
			{Role: model.RoleUser, Content: "hello"},
		},
		ToolChoice: model.ToolChoiceAuto,
	})
	require.NoError(t, err)
	require.Equal(t, "done", out.Response.Content)

	req := client.lastReq
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, 512, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	require.Equal(t, 0.2, *req.Temperature)
	require.Len(t, req.Messages, 2)
	require.Equal(t, model.ToolChoiceAuto, req.ToolChoice)
}

func TestLLMCompletionClassifiesCredentialErrors(t *testing.T) {
	t.Parallel()
	client := &captureClient{err: model.ErrMissingCredentials}
	svc, err := New(Deps{Models: &stubResolver{client: client}})
	require.NoError(t, err)

	_, err = svc.LLMCompletion(context.Background(), LLMInput{
		Binding:  agent.LLMBinding{Provider: "anthropic", Model: "claude"},
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestLLMCompletionClassifiesProviderErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		kind model.ErrorKind
		want agent.ErrorKind
	}{
		{"auth", model.ErrorKindAuth, agent.KindConfigInvalid},
		{"invalid request", model.ErrorKindInvalidRequest, agent.KindConfigInvalid},
		{"rate limited", model.ErrorKindRateLimited, agent.KindTransport},
		{"unavailable", model.ErrorKindUnavailable, agent.KindTransport},
		{"unknown", model.ErrorKindUnknown, agent.KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := &captureClient{err: &model.ProviderError{Provider: "openai", Kind: tc.kind}}
			svc, err := New(Deps{Models: &stubResolver{client: client}})
			require.NoError(t, err)

			_, err = svc.LLMCompletion(context.Background(), LLMInput{
				Binding:  agent.LLMBinding{Provider: "openai", Model: "gpt-4o"},
				Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			require.Equal(t, tc.want, agent.KindOf(err))
		})
	}
}

func TestLLMCompletionResolverFailureIsConfigError(t *testing.T) {
	t.Parallel()
	svc, err := New(Deps{Models: &stubResolver{err: agent.NewError(agent.KindConfigInvalid, "unknown provider")}})
	require.NoError(t, err)

	_, err = svc.LLMCompletion(context.Background(), LLMInput{
		Binding: agent.LLMBinding{Provider: "nonesuch", Model: "x"},
	})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}
