package llm

import (
	"context"
)

// Provider defines the interface for tool-calling LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Chat sends one request-response turn, returning text and any tool calls
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation history
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // Assistant turns only
	ToolCallID string     `json:"tool_call_id,omitempty"` // Tool turns only
	Name       string     `json:"name,omitempty"`         // Tool name for tool turns
}

// ToolCall is a structured call emitted by the model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // Raw JSON object
}

// Tool declares a function the model may call
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolChoice controls whether the model must call a tool
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ChatRequest contains the input for one model turn
type ChatRequest struct {
	// Model overrides the provider's configured model
	Model string `json:"model,omitempty"`

	// System carries the system instructions
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, oldest first
	Messages []Message `json:"messages"`

	// Tools the model may call
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice forces or forbids tool calls
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature for sampling (0 for deterministic mapping)
	Temperature float32 `json:"temperature"`
}

// ChatResponse contains one model turn
type ChatResponse struct {
	// Content is any free text the model produced
	Content string `json:"content,omitempty"`

	// ToolCalls are the structured calls, in model order
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Model is the model that generated the response
	Model string `json:"model,omitempty"`

	// TokensUsed tracks token consumption
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama, OpenRouter)
	BaseURL string

	// Timeout for API requests
	Timeout int // seconds

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "", // Disabled by default
		Model:     "",
		Timeout:   180,
		MaxTokens: 4096,
	}
}
