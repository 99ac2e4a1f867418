package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// Options configures the built-in providers.
type Options struct {
	OllamaBaseURL     string
	OllamaModel       string
	OllamaEmbedModel  string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
}

// DefaultRegistry registers "ollama" and "openrouter". An empty model selects the
// configured default.
func DefaultRegistry(opts Options) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		if model == "" {
			model = opts.OllamaModel
		}
		p := NewOllamaProvider(opts.OllamaBaseURL, model)
		p.EmbedModel = opts.OllamaEmbedModel
		return p, nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		if model == "" {
			model = opts.OpenRouterModel
		}
		return NewOpenRouterProvider(opts.OpenRouterBaseURL, opts.OpenRouterAPIKey, model,
			opts.OpenRouterSiteURL, opts.OpenRouterAppName), nil
	})
	return reg
}
