package translate_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
)

func newRegistry(t *testing.T) *translate.Registry {
	t.Helper()
	return translate.NewRegistry()
}

// TestAnthropicEncodeRequest_PromotesSystemMessage covers S2: a system-role
// envelope message is promoted out of the message list into Anthropic's
// top-level "system" parameter, and max_tokens is filled with the provider
// default when the envelope didn't set one.
func TestAnthropicEncodeRequest_PromotesSystemMessage(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderAnthropic)
	require.NoError(t, err)

	env := &translate.ChatRequest{
		Model: "claude-3-opus",
		Messages: []translate.Message{
			{Role: translate.RoleSystem, Content: []translate.ContentPart{{Type: "text", Text: "be terse"}}},
			{Role: translate.RoleUser, Content: []translate.ContentPart{{Type: "text", Text: "hi"}}},
		},
	}

	path, body, err := codec.EncodeRequest(env)
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages", path)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "be terse", wire["system"])
	assert.Greater(t, wire["max_tokens"].(float64), float64(0))

	messages, ok := wire["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1, "system message must not appear in the messages array")
}

// TestAnthropicDecodeResponse_MapsStopReasonAndUsage covers S2: Anthropic's
// end_turn maps to the envelope's "stop", and usage.input_tokens/
// output_tokens sum into the envelope's total.
func TestAnthropicDecodeResponse_MapsStopReasonAndUsage(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderAnthropic)
	require.NoError(t, err)

	body := []byte(`{
		"model": "claude-3-opus",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 5}
	}`)

	resp, err := codec.DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	require.Len(t, resp.Message.Content, 1)
	assert.Equal(t, "hello there", resp.Message.Content[0].Text)
}

// TestAnthropicDecodeResponse_ToolUseMapsToToolCallsFinish covers the S2
// edge case: a response whose content includes a tool_use block reports
// "tool_calls" as its finish reason regardless of stop_reason.
func TestAnthropicDecodeResponse_ToolUseMapsToToolCallsFinish(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderAnthropic)
	require.NoError(t, err)

	body := []byte(`{
		"model": "claude-3-opus",
		"content": [{"type": "tool_use", "id": "call_1", "name": "lookup", "input": {"q": "weather"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 8, "output_tokens": 3}
	}`)

	resp, err := codec.DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.Message.Content, 1)
	assert.Equal(t, "tool_call", resp.Message.Content[0].Type)
	assert.Equal(t, "lookup", resp.Message.Content[0].ToolName)
}

// TestRegistry_TranslateRequestOpenAIToAnthropic exercises C6's
// cross-provider request path end to end: an OpenAI-shaped client body is
// decoded into the envelope and re-encoded as Anthropic's wire shape.
func TestRegistry_TranslateRequestOpenAIToAnthropic(t *testing.T) {
	reg := newRegistry(t)

	oaBody := []byte(`{
		"model": "claude-3-opus",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "what's 2+2?"}
		],
		"max_tokens": 256
	}`)

	path, out, err := reg.Translate(contracts.ProviderOpenAI, contracts.ProviderAnthropic, oaBody)
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages", path)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, "be terse", wire["system"])
	assert.Equal(t, float64(256), wire["max_tokens"])
}

// TestRegistry_TranslateResponseAnthropicToOpenAI exercises C6's
// cross-provider response path: an Anthropic-shaped upstream reply is
// decoded into the envelope and re-encoded as the OpenAI shape the client
// that spoke OpenAI originally expects.
func TestRegistry_TranslateResponseAnthropicToOpenAI(t *testing.T) {
	reg := newRegistry(t)

	anthBody := []byte(`{
		"model": "claude-3-opus",
		"content": [{"type": "text", "text": "4"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 1}
	}`)

	out, err := reg.TranslateResponse(contracts.ProviderAnthropic, contracts.ProviderOpenAI, anthBody)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(out, &wire))
	choices, ok := wire["choices"].([]any)
	require.True(t, ok)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	usage := wire["usage"].(map[string]any)
	assert.Equal(t, float64(11), usage["total_tokens"])
}

// TestOpenAIStreamDecoder_FeedParsesChunkedDeltasAndDone covers the decode
// half of C6's SSE transducer (spec §4.6/§9): a multi-chunk "data: {...}"
// stream decodes into one StreamEvent per chunk plus a terminal Done event
// for "[DONE]".
func TestOpenAIStreamDecoder_FeedParsesChunkedDeltasAndDone(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderOpenAI)
	require.NoError(t, err)

	dec := codec.NewStreamDecoder()
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n" +
		"data: [DONE]\n\n"

	events, err := dec.Feed([]byte(raw))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "he", events[0].DeltaText)
	assert.Equal(t, "llo", events[1].DeltaText)
	assert.Equal(t, "stop", events[1].FinishReason)
	require.NotNil(t, events[1].Usage)
	assert.Equal(t, 5, events[1].Usage.TotalTokens)
	assert.True(t, events[2].Done)
}

// TestOpenAIStreamEncodeDecodeRoundTrip feeds a decoded event back through
// EncodeStreamEvent and a fresh decoder, verifying the transducer composes
// with itself (spec §9: "SSE translation is a stream transducer, not a
// collector").
func TestOpenAIStreamEncodeDecodeRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderOpenAI)
	require.NoError(t, err)

	dec := codec.NewStreamDecoder()
	events, err := dec.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)

	encoded, err := codec.EncodeStreamEvent(events[0])
	require.NoError(t, err)

	dec2 := codec.NewStreamDecoder()
	roundTripped, err := dec2.Feed(encoded)
	require.NoError(t, err)
	require.Len(t, roundTripped, 1)
	assert.Equal(t, "partial", roundTripped[0].DeltaText)
}

// TestAnthropicStreamDecoder_ToolUseSequence walks a realistic
// content_block_start/content_block_delta/content_block_stop/message_delta/
// message_stop sequence and checks the decoded tool call's name and
// accumulated arguments.
func TestAnthropicStreamDecoder_ToolUseSequence(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderAnthropic)
	require.NoError(t, err)

	dec := codec.NewStreamDecoder()
	raw := "event: content_block_start\ndata: {\"content_block\":{\"type\":\"tool_use\",\"id\":\"call_1\",\"name\":\"lookup\"}}\n\n" +
		"event: content_block_delta\ndata: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n" +
		"event: content_block_delta\ndata: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\\\"sf\\\"}\"}}\n\n" +
		"event: content_block_stop\ndata: {}\n\n" +
		"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":4}}\n\n" +
		"event: message_stop\ndata: {}\n\n"

	events, err := dec.Feed([]byte(raw))
	require.NoError(t, err)
	// start, delta, delta, message_delta, message_stop (content_block_stop emits nothing)
	require.Len(t, events, 5)

	require.NotNil(t, events[0].ToolCallDelta)
	assert.Equal(t, "lookup", events[0].ToolCallDelta.ToolName)
	require.NotNil(t, events[2].ToolCallDelta)
	assert.Contains(t, events[2].ToolCallDelta.ToolArgs, "sf")
	assert.Equal(t, "tool_calls", events[3].FinishReason)
	assert.True(t, events[4].Done)
}

// TestGeminiStreamEncodeDecodeRoundTrip mirrors the OpenAI round-trip test
// for Gemini's bare (non-named-event) SSE framing.
func TestGeminiStreamEncodeDecodeRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderGemini)
	require.NoError(t, err)

	ev := translate.StreamEvent{DeltaText: "bonjour", FinishReason: "stop"}
	encoded, err := codec.EncodeStreamEvent(ev)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	dec := codec.NewStreamDecoder()
	events, err := dec.Feed(encoded)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bonjour", events[0].DeltaText)
	assert.Equal(t, "stop", events[0].FinishReason)
}

// TestGeminiCodec_EncodeStreamEvent_DoneEmitsNothing covers Gemini's lack
// of a terminal sentinel comparable to OpenAI's [DONE]: a Done event must
// not write a malformed or empty data frame onto the wire.
func TestGeminiCodec_EncodeStreamEvent_DoneEmitsNothing(t *testing.T) {
	reg := newRegistry(t)
	codec, err := reg.Codec(contracts.ProviderGemini)
	require.NoError(t, err)

	out, err := codec.EncodeStreamEvent(translate.StreamEvent{Done: true})
	require.NoError(t, err)
	assert.Empty(t, out)
}
