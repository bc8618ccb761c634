package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MultiClient routes chat requests to a provider. A model is resolved,
// in order, by an explicit AddModel mapping, by a "provider/model"
// prefix naming a registered provider (the prefix is stripped before
// the request is sent), and finally by the fallback client.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unresolved models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel pins a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve returns the client for model and the model name to send.
func (m *MultiClient) resolve(model string) (Client, string) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, model
		}
	}
	if provider, rest, ok := strings.Cut(model, "/"); ok && rest != "" {
		if client, ok := m.clients[provider]; ok {
			return client, rest
		}
	}
	return m.fallback, model
}

// Chat sends req to the provider resolved for req.Model. The caller's
// request is not modified.
func (m *MultiClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	client, model := m.resolve(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	if model != req.Model {
		routed := *req
		routed.Model = model
		req = &routed
	}
	return client.Chat(ctx, req)
}

// Ping checks the fallback and every registered provider and joins
// the failures, each prefixed with its provider name.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return errors.New("no chat provider configured")
	}
	var errs []error
	pinged := make(map[Client]bool)
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
		pinged[m.fallback] = true
	}
	for _, name := range m.Providers() {
		c := m.clients[name]
		if pinged[c] {
			continue
		}
		pinged[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
