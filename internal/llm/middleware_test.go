package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/cityledger/internal/cache"
)

// countingProvider answers with a fixed tool call and counts calls
type countingProvider struct {
	mu    sync.Mutex
	calls int
	resp  *ChatResponse
}

func (p *countingProvider) Name() string                       { return "counting" }
func (p *countingProvider) IsAvailable(_ context.Context) bool { return true }

func (p *countingProvider) Chat(_ context.Context, _ ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.resp, nil
}

type recordingWaiter struct {
	keys []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, key string) error {
	w.keys = append(w.keys, key)
	return w.err
}

func TestWithRateLimit(t *testing.T) {
	inner := &countingProvider{resp: &ChatResponse{Content: "ok"}}
	waiter := &recordingWaiter{}
	p := WithRateLimit(inner, waiter)

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(waiter.keys) != 1 || waiter.keys[0] != "counting" {
		t.Errorf("Expected wait keyed by provider name, got %v", waiter.keys)
	}

	waiter.err = context.Canceled
	if _, err := p.Chat(context.Background(), ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected limiter error to propagate, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("Expected provider not to be called when limiter fails, got %d calls", inner.calls)
	}
}

func TestWithRateLimit_NilWaiter(t *testing.T) {
	inner := &countingProvider{}
	if p := WithRateLimit(inner, nil); p != Provider(inner) {
		t.Error("Expected nil waiter to return the provider unchanged")
	}
}

func TestWithCache(t *testing.T) {
	inner := &countingProvider{resp: &ChatResponse{
		ToolCalls: []ToolCall{{ID: "c1", Name: ToolChooseLink, Arguments: `{"candidate_id":"s2"}`}},
	}}
	p := WithCache(inner, cache.NewMemoryCache(time.Minute, time.Minute), time.Minute)

	req := ChatRequest{System: "map", Messages: []Message{{Role: RoleUser, Content: "pick"}}, Tools: MappingTools()}
	first, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	second, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if inner.calls != 1 {
		t.Errorf("Expected 1 provider call, got %d", inner.calls)
	}
	if second.ToolCalls[0].Arguments != first.ToolCalls[0].Arguments {
		t.Errorf("Expected cached tool call, got %+v", second.ToolCalls)
	}

	req.Messages[0].Content = "pick again"
	if _, err := p.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected a different request to miss the cache, got %d calls", inner.calls)
	}
}

func TestWithCache_SkipsTextOnlyResponses(t *testing.T) {
	inner := &countingProvider{resp: &ChatResponse{Content: "I think s2"}}
	p := WithCache(inner, cache.NewMemoryCache(time.Minute, time.Minute), time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
	}
	if inner.calls != 2 {
		t.Errorf("Expected responses without tool calls to bypass the cache, got %d calls", inner.calls)
	}
}
