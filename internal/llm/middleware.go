package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppiankov/cityledger/internal/cache"
)

// Waiter blocks until a call for key may proceed
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

type rateLimited struct {
	Provider
	waiter Waiter
}

// WithRateLimit throttles every Chat call through waiter, keyed by provider name
func WithRateLimit(p Provider, waiter Waiter) Provider {
	if waiter == nil {
		return p
	}
	return &rateLimited{Provider: p, waiter: waiter}
}

func (r *rateLimited) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.waiter.Wait(ctx, r.Provider.Name()); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.Provider.Chat(ctx, req)
}

type cached struct {
	Provider
	store cache.Cache
	ttl   time.Duration
}

// WithCache memoizes responses that contain tool calls. Identical requests
// (same history, tools and model) return the stored response, which makes
// reruns of deterministic mapping reproducible.
func WithCache(p Provider, store cache.Cache, ttl time.Duration) Provider {
	if store == nil {
		return p
	}
	return &cached{Provider: p, store: store, ttl: ttl}
}

func (c *cached) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	key, err := c.key(req)
	if err != nil {
		return c.Provider.Chat(ctx, req)
	}

	if data, ok := c.store.Get(key); ok {
		var resp ChatResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			return &resp, nil
		}
	}

	resp, err := c.Provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) > 0 {
		if data, err := json.Marshal(resp); err == nil {
			_ = c.store.Set(key, data, c.ttl)
		}
	}
	return resp, nil
}

func (c *cached) key(req ChatRequest) (string, error) {
	data, err := json.Marshal(struct {
		Provider string      `json:"provider"`
		Request  ChatRequest `json:"request"`
	}{c.Provider.Name(), req})
	if err != nil {
		return "", err
	}
	return cache.CacheKey(string(data)), nil
}
