package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter for one decrypted credential secret
type Factory func(ctx context.Context, secret string, opts Options) (Adapter, error)

// Registry maps provider ids to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	options   map[string]Options
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		options:   make(map[string]Options),
	}
}

// DefaultRegistry registers the built-in adapters with per-provider options
func DefaultRegistry(opts map[string]Options) *Registry {
	r := NewRegistry()
	r.Register("openai", func(ctx context.Context, secret string, o Options) (Adapter, error) {
		return NewOpenAIProvider(secret, o), nil
	}, opts["openai"])
	r.Register("anthropic", func(ctx context.Context, secret string, o Options) (Adapter, error) {
		return NewAnthropicProvider(secret, o), nil
	}, opts["anthropic"])
	r.Register("gemini", func(ctx context.Context, secret string, o Options) (Adapter, error) {
		return NewGeminiProvider(secret, o), nil
	}, opts["gemini"])
	r.Register("bedrock", func(ctx context.Context, secret string, o Options) (Adapter, error) {
		return NewBedrockProvider(ctx, secret, o)
	}, opts["bedrock"])
	return r
}

// Register adds or replaces a provider factory
func (r *Registry) Register(provider string, f Factory, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
	r.options[provider] = opts
}

// New builds the adapter for provider using secret
func (r *Registry) New(ctx context.Context, provider, secret string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[provider]
	opts := r.options[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s is not supported", provider)
	}
	return f(ctx, secret, opts)
}

// Supports reports whether provider has a registered factory
func (r *Registry) Supports(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[provider]
	return ok
}

// Providers returns the registered provider ids, sorted
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
