// Package translate implements the provider translator (C6): converting
// between each upstream AI provider's wire schema (OpenAI, Anthropic,
// Gemini) and a single provider-agnostic envelope, so the rest of the
// pipeline — policy, audit, the dispatcher — only ever has to reason about
// one request/response shape regardless of which provider a token's
// upstream happens to be.
package translate

import "github.com/sujan174/Ai-Link-sub000/pkg/contracts"

// Role identifies the speaker of an envelope message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of a message's content: text, an inlined image,
// a tool call the assistant wants to make, or a tool call's result.
//
//nolint:govet // fieldalignment: struct layout kept readable
type ContentPart struct {
	Type       string      `json:"type"` // "text" | "image" | "tool_call" | "tool_result"
	Text       string      `json:"text,omitempty"`
	ImageURL   string      `json:"image_url,omitempty"`
	ImageMIME  string      `json:"image_mime,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolArgs   string      `json:"tool_args,omitempty"`   // raw JSON arguments
	ToolResult string      `json:"tool_result,omitempty"` // raw JSON or text result
}

// Message is one turn in the envelope's conversation.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// ToolDefinition is a tool the model may call, in provider-agnostic form.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParamSchema string `json:"param_schema,omitempty"` // raw JSON Schema
}

// ChatRequest is the envelope's request shape, populated by parsing whatever
// the client sent and consumed by each provider codec's Encode.
//
//nolint:govet // fieldalignment: struct layout kept readable
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// Usage is token accounting, extracted from the response for rate-limit and
// spend tracking.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse is the envelope's response shape, produced by each provider
// codec's Decode and consumed by policy post-phase evaluation, sanitize,
// and audit.
//
//nolint:govet // fieldalignment: struct layout kept readable
type ChatResponse struct {
	Model        string        `json:"model"`
	Message      Message       `json:"message"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
}

// Codec translates one provider's wire schema to and from the envelope.
// Implementations are stateless and safe for concurrent use across
// requests; any per-request state (e.g. a streaming decoder's running
// buffer) lives in a StreamDecoder instead.
type Codec interface {
	Provider() contracts.ProviderType

	// EncodeRequest renders env into this provider's wire body and returns
	// the request path to call it on (relative to the credential's
	// UpstreamBaseURL).
	EncodeRequest(env *ChatRequest) (path string, body []byte, err error)

	// DecodeRequest parses this provider's wire body back into the
	// envelope, used when the inbound client request already speaks this
	// provider's schema (e.g. a native Anthropic client hitting an
	// Anthropic-backed token) and the pipeline still wants a normalized
	// facet to evaluate policy against.
	DecodeRequest(body []byte) (*ChatRequest, error)

	// DecodeResponse parses a complete (non-streaming) response body.
	DecodeResponse(body []byte) (*ChatResponse, error)

	// EncodeResponse renders resp back into this provider's wire schema,
	// used when the client expects a different provider's schema than the
	// upstream actually returned (cross-provider translation).
	EncodeResponse(resp *ChatResponse) ([]byte, error)

	// NewStreamDecoder returns a fresh per-request SSE decoder for this
	// provider's event stream.
	NewStreamDecoder() StreamDecoder

	// EncodeStreamEvent renders one normalized StreamEvent as a wire-ready
	// SSE frame (including the trailing blank line) in this provider's
	// streaming format. Returns a nil slice for an event that this
	// provider's wire format has nothing to emit for.
	EncodeStreamEvent(ev StreamEvent) ([]byte, error)
}

// StreamEvent is one normalized increment of a streaming response: a delta
// to append to the running message, or a terminal usage/finish-reason
// report.
//
//nolint:govet // fieldalignment: struct layout kept readable
type StreamEvent struct {
	DeltaText    string
	ToolCallDelta *ContentPart
	FinishReason string
	Usage        *Usage
	Done         bool
}

// StreamDecoder incrementally parses one provider's SSE event stream into
// normalized StreamEvents. Callers feed it raw bytes as they arrive off the
// wire; it buffers partial frames internally. Not safe for concurrent use.
type StreamDecoder interface {
	// Feed processes one chunk of raw SSE bytes and returns the events it
	// completed, if any.
	Feed(chunk []byte) ([]StreamEvent, error)
}
