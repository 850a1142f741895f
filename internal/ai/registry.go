package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ModelSelection identifies one backend model configuration. A session is
// bound to exactly one selection at creation time.
type ModelSelection string

const (
	ModelDoubao   ModelSelection = "doubao"
	ModelDeepSeek ModelSelection = "deepseek"
	ModelOllama   ModelSelection = "ollama"
)

// ParseModelSelection normalizes a user-supplied model name.
func ParseModelSelection(s string) (ModelSelection, error) {
	switch ModelSelection(strings.ToLower(strings.TrimSpace(s))) {
	case ModelDoubao:
		return ModelDoubao, nil
	case ModelDeepSeek:
		return ModelDeepSeek, nil
	case ModelOllama:
		return ModelOllama, nil
	}
	return "", fmt.Errorf("unknown model selection: %q", s)
}

type ProviderFactory func(ctx context.Context) (Provider, error)

type registryEntry struct {
	factory      ProviderFactory
	systemPrompt string
}

// Registry maps a ModelSelection to its provider factory and system prompt.
// The lookup happens once per generation; nothing is re-resolved mid-stream.
type Registry struct {
	mu      sync.RWMutex
	entries map[ModelSelection]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ModelSelection]registryEntry)}
}

func (r *Registry) Register(sel ModelSelection, systemPrompt string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sel] = registryEntry{factory: f, systemPrompt: systemPrompt}
}

// Resolve returns the provider and the system prompt for a selection.
func (r *Registry) Resolve(ctx context.Context, sel ModelSelection) (Provider, string, error) {
	r.mu.RLock()
	e, ok := r.entries[sel]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("unknown ai provider: %s", sel)
	}
	p, err := e.factory(ctx)
	if err != nil {
		return nil, "", err
	}
	return p, e.systemPrompt, nil
}
