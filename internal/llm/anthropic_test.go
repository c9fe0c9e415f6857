package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicProvider_Chat_ToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected path /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header test-key, got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("Expected anthropic-version header 2023-06-01, got %s", r.Header.Get("anthropic-version"))
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "map" {
			t.Errorf("Expected system prompt 'map', got %q", req.System)
		}
		if req.ToolChoice == nil || req.ToolChoice.Type != "any" {
			t.Errorf("Expected tool_choice any, got %+v", req.ToolChoice)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != ToolChooseLink {
			t.Errorf("Expected choose_link tool, got %+v", req.Tools)
		}

		resp := anthropicResponse{
			ID:    "msg_123",
			Type:  "message",
			Role:  "assistant",
			Model: "claude-3-5-sonnet-20241022",
			Content: []anthropicContent{
				{Type: "text", Text: "Transport matches."},
				{Type: "tool_use", ID: "toolu_1", Name: ToolChooseLink, Input: json.RawMessage(`{"candidate_id":"s2"}`)},
			},
		}
		resp.Usage.InputTokens = 50
		resp.Usage.OutputTokens = 10
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	resp, err := provider.Chat(context.Background(), ChatRequest{
		System:     "map",
		Messages:   []Message{{Role: RoleUser, Content: "pick one"}},
		Tools:      MappingTools(),
		ToolChoice: ToolChoiceRequired,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "Transport matches." {
		t.Errorf("Unexpected content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("Unexpected tool calls: %+v", resp.ToolCalls)
	}

	var args ChooseLinkArgs
	if err := ParseArgs(resp.ToolCalls[0], &args); err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if args.Choice() != "s2" {
		t.Errorf("Expected choice s2, got %q", args.Choice())
	}
	if resp.TokensUsed != 60 {
		t.Errorf("Expected 60 tokens, got %d", resp.TokensUsed)
	}
}

func TestAnthropicProvider_Chat_Overloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, err = provider.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !IsTransient(err) {
		t.Errorf("Expected overloaded error to be transient: %v", err)
	}
}

func TestToAnthropicMessages_GroupsToolResults(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: RoleUser, Content: "extract"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "a", Name: ToolRecordInstances, Arguments: `{"items":[]}`},
			{ID: "b", Name: ToolAllExtracted, Arguments: ``},
		}},
		{Role: RoleTool, ToolCallID: "a", Content: `{"status":"ok"}`},
		{Role: RoleTool, ToolCallID: "b", Content: `{"status":"done"}`},
	})

	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || len(msgs[1].Content) != 2 {
		t.Errorf("Expected assistant turn with 2 tool_use blocks, got %+v", msgs[1])
	}
	if string(msgs[1].Content[1].Input) != "{}" {
		t.Errorf("Expected empty arguments to become {}, got %s", msgs[1].Content[1].Input)
	}
	if msgs[2].Role != RoleUser || len(msgs[2].Content) != 2 {
		t.Errorf("Expected one user turn with both tool results, got %+v", msgs[2])
	}
}

func TestNewAnthropicProvider_MissingKey(t *testing.T) {
	if _, err := NewAnthropicProvider(Config{}); err == nil {
		t.Fatal("Expected error for missing API key")
	}
}
