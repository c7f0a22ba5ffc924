package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
)

type secretsMap map[string]string

func (s secretsMap) Get(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", store.ErrSecretNotFound
	}
	return v, nil
}

type failingSecrets struct{ err error }

func (f failingSecrets) Get(context.Context, string) (string, error) { return "", f.err }

func clientFactory(client model.Client, calls *int, creds *[]string) ModelFactory {
	return func(_ context.Context, _ agent.LLMBinding, credential string) (model.Client, error) {
		*calls++
		*creds = append(*creds, credential)
		return client, nil
	}
}

func TestModelsResolveCachesPerProviderAndSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewModels(secretsMap{"OPENAI_KEY": "sk-test"})

	var (
		calls int
		creds []string
	)
	want := &fakeModel{}
	m.Register(" OpenAI ", clientFactory(want, &calls, &creds))

	first, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai", Model: "gpt-4o", SecretRef: "OPENAI_KEY"})
	require.NoError(t, err)
	require.Same(t, want, first)
	require.Equal(t, []string{"sk-test"}, creds)

	// Provider lookup is case-insensitive and a second binding with the same
	// credential reference reuses the cached client.
	second, err := m.Resolve(ctx, agent.LLMBinding{Provider: "OpenAI", Model: "gpt-4o-mini", SecretRef: "OPENAI_KEY"})
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, calls)
}

func TestModelsResolveSeparatesSecretRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewModels(secretsMap{"KEY_A": "a", "KEY_B": "b"})

	var (
		calls int
		creds []string
	)
	m.Register("openai", clientFactory(&fakeModel{}, &calls, &creds))

	_, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai", SecretRef: "KEY_A"})
	require.NoError(t, err)
	_, err = m.Resolve(ctx, agent.LLMBinding{Provider: "openai", SecretRef: "KEY_B"})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, []string{"a", "b"}, creds)
}

func TestModelsResolveUnknownProvider(t *testing.T) {
	t.Parallel()
	m := NewModels(nil)

	_, err := m.Resolve(context.Background(), agent.LLMBinding{Provider: "anthropic"})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestModelsResolveEmptyProvider(t *testing.T) {
	t.Parallel()
	m := NewModels(nil)

	_, err := m.Resolve(context.Background(), agent.LLMBinding{Model: "gpt-4o"})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestModelsResolveMissingSecret(t *testing.T) {
	t.Parallel()
	m := NewModels(secretsMap{})
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		return &fakeModel{}, nil
	})

	_, err := m.Resolve(context.Background(), agent.LLMBinding{Provider: "openai", SecretRef: "NOPE"})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestModelsResolveWithoutSecretStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewModels(nil)
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		return &fakeModel{}, nil
	})

	// A binding without a credential reference resolves fine.
	_, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai"})
	require.NoError(t, err)

	// One that references a secret cannot.
	_, err = m.Resolve(ctx, agent.LLMBinding{Provider: "openai", SecretRef: "KEY"})
	require.Error(t, err)
	require.Equal(t, agent.KindConfigInvalid, agent.KindOf(err))
}

func TestModelsResolveSecretStoreFailure(t *testing.T) {
	t.Parallel()
	m := NewModels(failingSecrets{err: errors.New("vault sealed")})
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		return &fakeModel{}, nil
	})

	_, err := m.Resolve(context.Background(), agent.LLMBinding{Provider: "openai", SecretRef: "KEY"})
	require.Error(t, err)
	require.Equal(t, agent.KindTransport, agent.KindOf(err))
}

func TestModelsRegisterReplacesFactory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewModels(nil)

	first := &fakeModel{}
	second := &fakeModel{}
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		return first, nil
	})
	got, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai"})
	require.NoError(t, err)
	require.Same(t, first, got)

	// Re-registering drops the cached client so the new factory takes over.
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		return second, nil
	})
	got, err = m.Resolve(ctx, agent.LLMBinding{Provider: "openai"})
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestModelsResolveFactoryErrorNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewModels(nil)

	calls := 0
	m.Register("openai", func(context.Context, agent.LLMBinding, string) (model.Client, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("endpoint unreachable")
		}
		return &fakeModel{}, nil
	})

	_, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai"})
	require.Error(t, err)

	got, err := m.Resolve(ctx, agent.LLMBinding{Provider: "openai"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, calls)
}
