package providers

import "context"

// Provider is the interface a model-router-facing LLM backend implements.
// modelrouter.ProviderCall is satisfied by RouterAdapter, which translates
// the router's provider-agnostic Request/Response into this shape.
type Provider interface {
	// Chat sends messages to the LLM and returns a single response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams response chunks via callback,
	// returning the fully accumulated response once the stream ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest is the input to a Chat/ChatStream call.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
	Model    string
	Options  map[string]any
}

// ChatResponse is the accumulated result of an LLM call.
type ChatResponse struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        *Usage
}

// StreamChunk is a single piece of a streaming response.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string
	Data     string
}

// Message is a single turn in a conversation.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	Images     []ImageContent
	ToolCalls  []ToolCall
	ToolCallID string // set when Role == "tool"
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	Metadata  map[string]string
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Type     string // "function"
	Function ToolFunctionSchema
}

// ToolFunctionSchema is the JSON-Schema description of a function tool.
type ToolFunctionSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
	CacheReadTokens  int
}
