package runner

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/store"
)

type (
	// ModelFactory builds a provider client for one LLM binding. credential
	// is the resolved secret for the binding's SecretRef, empty when the
	// binding carries none; factories fall back to their provider's ambient
	// credentials in that case.
	ModelFactory func(ctx context.Context, binding agent.LLMBinding, credential string) (model.Client, error)

	// Models resolves LLM bindings to provider clients. Providers register a
	// factory once at startup; resolved clients are cached per provider and
	// credential reference so activities can resolve on every call.
	Models struct {
		secrets store.SecretStore

		mu        sync.RWMutex
		factories map[string]ModelFactory
		clients   map[string]model.Client
	}
)

// NewModels returns an empty resolver. secrets may be nil when no binding
// uses credential references.
func NewModels(secrets store.SecretStore) *Models {
	return &Models{
		secrets:   secrets,
		factories: make(map[string]ModelFactory),
		clients:   make(map[string]model.Client),
	}
}

// Register installs the factory for a provider name. Registering a name
// again replaces the factory and drops its cached clients.
func (m *Models) Register(provider string, factory ModelFactory) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" || factory == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
	for key := range m.clients {
		if strings.HasPrefix(key, name+"\x00") {
			delete(m.clients, key)
		}
	}
}

// Resolve implements activity.ModelResolver.
func (m *Models) Resolve(ctx context.Context, binding agent.LLMBinding) (model.Client, error) {
	provider := strings.ToLower(strings.TrimSpace(binding.Provider))
	if provider == "" {
		return nil, agent.NewError(agent.KindConfigInvalid, "llm binding names no provider")
	}
	key := provider + "\x00" + binding.SecretRef

	m.mu.RLock()
	client, cached := m.clients[key]
	factory := m.factories[provider]
	m.mu.RUnlock()
	if cached {
		return client, nil
	}
	if factory == nil {
		return nil, agent.NewError(agent.KindConfigInvalid, "no model client registered for provider %q", binding.Provider)
	}

	credential, err := m.credential(ctx, binding)
	if err != nil {
		return nil, err
	}
	built, err := factory(ctx, binding, credential)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[key]; ok {
		return client, nil
	}
	m.clients[key] = built
	return built, nil
}

func (m *Models) credential(ctx context.Context, binding agent.LLMBinding) (string, error) {
	if binding.SecretRef == "" {
		return "", nil
	}
	if m.secrets == nil {
		return "", agent.NewError(agent.KindConfigInvalid,
			"llm binding references secret %q but no secret store is configured", binding.SecretRef)
	}
	v, err := m.secrets.Get(ctx, binding.SecretRef)
	if err != nil {
		if errors.Is(err, store.ErrSecretNotFound) {
			return "", agent.NewError(agent.KindConfigInvalid,
				"llm binding secret %q does not resolve", binding.SecretRef)
		}
		return "", agent.WrapError(agent.KindTransport, err, "resolve llm secret %q", binding.SecretRef)
	}
	return v, nil
}
