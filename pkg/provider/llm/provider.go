// Package llm defines the Provider interface for text-generation backends.
//
// A text provider wraps a hosted completion service (OpenAI, Anthropic via
// any-llm, a local Ollama instance) and presents a uniform streaming
// interface. The dispatcher consumes [Chunk] values: text deltas feed
// text_chunk events, reasoning deltas feed thinking_chunk events, and an
// accumulated tool-call set with finish reason "tool_calls" hands control to
// the tool loop.
//
// Implementations must be safe for concurrent use; one provider instance
// serves many sessions.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Finish reasons reported on the last chunk of a stream.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// ContentPart is one element of a multimodal message. Text parts carry Text;
// image and audio parts carry either a URL or inline Data with a MIME type.
type ContentPart struct {
	Type string `json:"type"` // "text", "image_url", "input_audio"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Message is a single conversation turn in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Parts carries multimodal content for providers that accept it. When
	// non-empty it supersedes Content for user messages.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on role "tool" messages carrying results.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// argument string exactly as accumulated from the stream.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionRequest is a provider-neutral completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
	MaxTokens   int

	// Audio carries raw input audio for audio-capable models; Format names
	// its encoding ("wav", "pcm16"). Ignored by providers without
	// SupportsAudioInput.
	Audio       []byte
	AudioFormat string
}

// Chunk is one unit of streamed output.
//
// Exactly one of the delta fields is usually set. The final chunk of a
// stream carries FinishReason; a FinishReason of [FinishToolCalls] means
// ToolCalls holds the fully accumulated calls. Stream transport failures are
// delivered in-band as a chunk with FinishReason [FinishError] and the
// message in Text, so consumers observe them in order.
type Chunk struct {
	Text         string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        Usage
}

// APIStyle distinguishes the wire protocol family a model is served over.
type APIStyle string

const (
	APIStyleChatCompletions APIStyle = "chat_completions"
	APIStyleResponses       APIStyle = "responses"
)

// Capabilities describes what a provider supports for a given model.
type Capabilities struct {
	SupportsStreaming   bool
	SupportsReasoning   bool
	SupportsImageInput  bool
	SupportsAudioInput  bool
	SupportsToolCalling bool
	APIStyle            APIStyle
	ContextWindow       int
	MaxOutputTokens     int
}

// Provider is the abstraction over any text-generation backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider instance name used in event metadata and logs.
	Name() string

	// StreamCompletion starts a streaming completion. The returned channel is
	// closed by the implementation when the stream ends, whether normally or
	// after an in-band error chunk. Returns a non-nil error only if the
	// stream cannot be started.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete performs a blocking completion and returns the full result.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Capabilities reports what the provider supports for the given model id.
	Capabilities(model string) Capabilities
}
