package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// openAICodec is the identity codec for the envelope's native shape: the
// wire body IS the envelope, modulo field naming, since the envelope is
// itself OpenAI Chat Completions shaped per spec §4.5.
type openAICodec struct{}

func (openAICodec) Provider() contracts.ProviderType { return contracts.ProviderOpenAI }

type oaMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []oaToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model          string      `json:"model"`
	Messages       []oaMessage `json:"messages"`
	Tools          []oaTool    `json:"tools,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	Temperature    *float64    `json:"temperature,omitempty"`
	TopP           *float64    `json:"top_p,omitempty"`
	Stream         bool        `json:"stream,omitempty"`
	Stop           []string    `json:"stop,omitempty"`
	StreamOptions  *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaChoice struct {
	Index        int       `json:"index"`
	Message      oaMessage `json:"message"`
	FinishReason string    `json:"finish_reason"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaResponse struct {
	Model   string     `json:"model"`
	Choices []oaChoice `json:"choices"`
	Usage   oaUsage    `json:"usage"`
}

func (openAICodec) EncodeRequest(env *ChatRequest) (string, []byte, error) {
	req := oaRequest{
		Model:       env.Model,
		MaxTokens:   env.MaxTokens,
		Temperature: env.Temperature,
		TopP:        env.TopP,
		Stream:      env.Stream,
		Stop:        env.Stop,
	}
	if env.Stream {
		req.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	for _, m := range env.Messages {
		req.Messages = append(req.Messages, envelopeMessageToOA(m))
	}
	for _, t := range env.Tools {
		var oat oaTool
		oat.Type = "function"
		oat.Function.Name = t.Name
		oat.Function.Description = t.Description
		if t.ParamSchema != "" {
			oat.Function.Parameters = json.RawMessage(t.ParamSchema)
		}
		req.Tools = append(req.Tools, oat)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("translate: encode openai request: %w", err)
	}
	return "/v1/chat/completions", body, nil
}

func envelopeMessageToOA(m Message) oaMessage {
	out := oaMessage{Role: string(m.Role)}
	var textParts []string
	var mixed []oaContentPart
	hasNonText := false
	for _, p := range m.Content {
		switch p.Type {
		case "text":
			textParts = append(textParts, p.Text)
			mixed = append(mixed, oaContentPart{Type: "text", Text: p.Text})
		case "image":
			hasNonText = true
			mixed = append(mixed, oaContentPart{Type: "image_url", ImageURL: &struct {
				URL string `json:"url"`
			}{URL: p.ImageURL}})
		case "tool_call":
			var tc oaToolCall
			tc.ID = p.ToolCallID
			tc.Type = "function"
			tc.Function.Name = p.ToolName
			tc.Function.Arguments = p.ToolArgs
			out.ToolCalls = append(out.ToolCalls, tc)
		case "tool_result":
			out.ToolCallID = p.ToolCallID
			textParts = append(textParts, p.ToolResult)
		}
	}
	if hasNonText {
		out.Content = mixed
	} else if len(textParts) > 0 {
		out.Content = strings.Join(textParts, "")
	}
	return out
}

func (openAICodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req oaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("translate: decode openai request: %w", err)
	}
	env := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		env.Messages = append(env.Messages, oaMessageToEnvelope(m))
	}
	for _, t := range req.Tools {
		env.Tools = append(env.Tools, ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			ParamSchema: string(t.Function.Parameters),
		})
	}
	return env, nil
}

func oaMessageToEnvelope(m oaMessage) Message {
	out := Message{Role: Role(m.Role)}
	switch c := m.Content.(type) {
	case string:
		if c != "" {
			out.Content = append(out.Content, ContentPart{Type: "text", Text: c})
		}
	case []any:
		for _, raw := range c {
			partBytes, _ := json.Marshal(raw)
			var part oaContentPart
			if err := json.Unmarshal(partBytes, &part); err == nil {
				if part.Type == "image_url" && part.ImageURL != nil {
					out.Content = append(out.Content, ContentPart{Type: "image", ImageURL: part.ImageURL.URL})
				} else if part.Text != "" {
					out.Content = append(out.Content, ContentPart{Type: "text", Text: part.Text})
				}
			}
		}
	}
	for _, tc := range m.ToolCalls {
		out.Content = append(out.Content, ContentPart{
			Type:       "tool_call",
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			ToolArgs:   tc.Function.Arguments,
		})
	}
	if m.ToolCallID != "" {
		var result string
		if s, ok := m.Content.(string); ok {
			result = s
		}
		out.Content = append(out.Content, ContentPart{Type: "tool_result", ToolCallID: m.ToolCallID, ToolResult: result})
	}
	return out
}

func (openAICodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp oaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("translate: decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translate: openai response has no choices")
	}
	choice := resp.Choices[0]
	return &ChatResponse{
		Model:        resp.Model,
		Message:      oaMessageToEnvelope(choice.Message),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (openAICodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	out := oaResponse{
		Model: resp.Model,
		Choices: []oaChoice{{
			Index:        0,
			Message:      envelopeMessageToOA(resp.Message),
			FinishReason: resp.FinishReason,
		}},
		Usage: oaUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: encode openai response: %w", err)
	}
	return body, nil
}

func (openAICodec) NewStreamDecoder() StreamDecoder {
	return &oaStreamDecoder{}
}

// oaStreamDecoder parses OpenAI's SSE "data: {...}" chunked-delta format;
// since the envelope itself mirrors OpenAI's shape, this is the identity
// transform with SSE framing stripped.
type oaStreamDecoder struct {
	buf bytes.Buffer
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string       `json:"content,omitempty"`
			ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage,omitempty"`
}

// EncodeStreamEvent renders ev back into OpenAI's "data: {...}" chunked-delta
// format, the mirror image of oaStreamDecoder.Feed.
func (openAICodec) EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	if ev.Done {
		return []byte("data: [DONE]\n\n"), nil
	}

	var chunk oaStreamChunk
	choice := struct {
		Delta struct {
			Content   string       `json:"content,omitempty"`
			ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}{}
	choice.Delta.Content = ev.DeltaText
	if ev.ToolCallDelta != nil {
		var tc oaToolCall
		tc.ID = ev.ToolCallDelta.ToolCallID
		tc.Type = "function"
		tc.Function.Name = ev.ToolCallDelta.ToolName
		tc.Function.Arguments = ev.ToolCallDelta.ToolArgs
		choice.Delta.ToolCalls = []oaToolCall{tc}
	}
	if ev.FinishReason != "" {
		choice.FinishReason = &ev.FinishReason
	}
	chunk.Choices = []struct {
		Delta struct {
			Content   string       `json:"content,omitempty"`
			ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}{choice}
	if ev.Usage != nil {
		chunk.Usage = &oaUsage{PromptTokens: ev.Usage.InputTokens, CompletionTokens: ev.Usage.OutputTokens, TotalTokens: ev.Usage.TotalTokens}
	}

	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("translate: encode openai stream event: %w", err)
	}
	return append(append([]byte("data: "), body...), '\n', '\n'), nil
}

func (d *oaStreamDecoder) Feed(chunk []byte) ([]StreamEvent, error) {
	d.buf.Write(chunk)
	var events []StreamEvent
	for {
		line, err := d.buf.ReadString('\n')
		if err != nil {
			// Put back the partial line for the next Feed call.
			d.buf.Reset()
			d.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			events = append(events, StreamEvent{Done: true})
			continue
		}
		var c oaStreamChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}
		ev := StreamEvent{}
		if c.Usage != nil {
			ev.Usage = &Usage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens, TotalTokens: c.Usage.TotalTokens}
		}
		if len(c.Choices) > 0 {
			ch := c.Choices[0]
			ev.DeltaText = ch.Delta.Content
			if ch.FinishReason != nil {
				ev.FinishReason = *ch.FinishReason
			}
			if len(ch.Delta.ToolCalls) > 0 {
				tc := ch.Delta.ToolCalls[0]
				ev.ToolCallDelta = &ContentPart{Type: "tool_call", ToolCallID: tc.ID, ToolName: tc.Function.Name, ToolArgs: tc.Function.Arguments}
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
