package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers map[string]Provider
	fallbacks map[string][]string // providerID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried, in order, when providerID fails.
func (r *Router) SetFallbacks(providerID string, fallbackIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[providerID] = fallbackIDs
}

// Has reports whether a provider with the given ID is registered.
func (r *Router) Has(providerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[providerID]
	return ok
}

// Route sends a chat request to providerID, or to the default provider when
// providerID is empty, walking the fallback chain on failure.
func (r *Router) Route(ctx context.Context, providerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.getProvider(providerID)
	var chain []Provider
	if primary != nil {
		for _, fbID := range r.fallbacks[primary.ID()] {
			if fb, ok := r.providers[fbID]; ok {
				chain = append(chain, fb)
			}
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, providerID)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if len(chain) > 0 {
		r.logger.Warn("primary provider failed, trying fallbacks",
			zap.String("provider", primary.ID()), zap.Error(err))
	}

	for _, fb := range chain {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(chain) == 0 {
		return nil, err
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", primary.ID(), err)
}

func (r *Router) getProvider(providerID string) Provider {
	if providerID != "" {
		if p, ok := r.providers[providerID]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
