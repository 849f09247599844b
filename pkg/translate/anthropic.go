package translate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// anthropicCodec translates between the envelope and Anthropic's Messages
// API, per spec §4.6: system prompt promoted out of the message list into
// a top-level parameter, max_tokens required, tool_use/tool_result blocks
// in place of OpenAI's tool_calls.
type anthropicCodec struct{}

func (anthropicCodec) Provider() contracts.ProviderType { return contracts.ProviderAnthropic }

type anthBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *anthImgSource  `json:"source,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

type anthImgSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthMessage struct {
	Role    string      `json:"role"`
	Content []anthBlock `json:"content"`
}

type anthTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	Tools       []anthTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthResponse struct {
	Model      string      `json:"model"`
	Content    []anthBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      anthUsage   `json:"usage"`
}

const defaultAnthropicMaxTokens = 4096

func (anthropicCodec) EncodeRequest(env *ChatRequest) (string, []byte, error) {
	req := anthRequest{
		Model:       env.Model,
		Temperature: env.Temperature,
		TopP:        env.TopP,
		Stream:      env.Stream,
		StopSeqs:    env.Stop,
		MaxTokens:   env.MaxTokens,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultAnthropicMaxTokens
	}

	var systemParts []string
	for _, m := range env.Messages {
		if m.Role == RoleSystem {
			for _, p := range m.Content {
				systemParts = append(systemParts, p.Text)
			}
			continue
		}
		req.Messages = append(req.Messages, envelopeMessageToAnthropic(m))
	}
	req.System = strings.Join(systemParts, "\n")

	for _, t := range env.Tools {
		req.Tools = append(req.Tools, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.ParamSchema),
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("translate: encode anthropic request: %w", err)
	}
	return "/v1/messages", body, nil
}

func envelopeMessageToAnthropic(m Message) anthMessage {
	out := anthMessage{Role: string(m.Role)}
	if out.Role == string(RoleAssistant) || out.Role == string(RoleTool) {
		// Anthropic has no "tool" role; tool results are user-turn blocks.
		if out.Role == string(RoleTool) {
			out.Role = "user"
		}
	}
	for _, p := range m.Content {
		switch p.Type {
		case "text":
			out.Content = append(out.Content, anthBlock{Type: "text", Text: p.Text})
		case "image":
			src := &anthImgSource{}
			if strings.HasPrefix(p.ImageURL, "data:") {
				src.Type = "base64"
				src.MediaType = p.ImageMIME
				if idx := strings.Index(p.ImageURL, ","); idx >= 0 {
					src.Data = p.ImageURL[idx+1:]
				}
			} else {
				src.Type = "url"
				src.URL = p.ImageURL
			}
			out.Content = append(out.Content, anthBlock{Type: "image", Source: src})
		case "tool_call":
			out.Content = append(out.Content, anthBlock{
				Type: "tool_use", ID: p.ToolCallID, Name: p.ToolName, Input: json.RawMessage(p.ToolArgs),
			})
		case "tool_result":
			out.Content = append(out.Content, anthBlock{
				Type: "tool_result", ToolUseID: p.ToolCallID, Content: p.ToolResult,
			})
		}
	}
	return out
}

func (anthropicCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req anthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("translate: decode anthropic request: %w", err)
	}
	env := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSeqs,
	}
	if req.System != "" {
		env.Messages = append(env.Messages, Message{Role: RoleSystem, Content: []ContentPart{{Type: "text", Text: req.System}}})
	}
	for _, m := range req.Messages {
		env.Messages = append(env.Messages, anthropicMessageToEnvelope(m))
	}
	for _, t := range req.Tools {
		env.Tools = append(env.Tools, ToolDefinition{Name: t.Name, Description: t.Description, ParamSchema: string(t.InputSchema)})
	}
	return env, nil
}

func anthropicMessageToEnvelope(m anthMessage) Message {
	out := Message{Role: Role(m.Role)}
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, ContentPart{Type: "text", Text: b.Text})
		case "image":
			url := ""
			mime := ""
			if b.Source != nil {
				if b.Source.Type == "base64" {
					mime = b.Source.MediaType
					url = "data:" + mime + ";base64," + b.Source.Data
				} else {
					url = b.Source.URL
				}
			}
			out.Content = append(out.Content, ContentPart{Type: "image", ImageURL: url, ImageMIME: mime})
		case "tool_use":
			out.Content = append(out.Content, ContentPart{Type: "tool_call", ToolCallID: b.ID, ToolName: b.Name, ToolArgs: string(b.Input)})
		case "tool_result":
			out.Role = RoleTool
			var result string
			switch c := b.Content.(type) {
			case string:
				result = c
			default:
				raw, _ := json.Marshal(c)
				result = string(raw)
			}
			out.Content = append(out.Content, ContentPart{Type: "tool_result", ToolCallID: b.ToolUseID, ToolResult: result})
		}
	}
	return out
}

func (anthropicCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("translate: decode anthropic response: %w", err)
	}
	msg := anthropicMessageToEnvelope(anthMessage{Role: "assistant", Content: resp.Content})
	msg.Role = RoleAssistant
	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		FinishReason: mapAnthropicStopReason(resp.StopReason, msg),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// mapAnthropicStopReason converts Anthropic's stop_reason vocabulary to
// OpenAI's finish_reason vocabulary, per spec §4.6/S2: end_turn -> stop.
func mapAnthropicStopReason(reason string, msg Message) string {
	for _, p := range msg.Content {
		if p.Type == "tool_call" {
			return "tool_calls"
		}
	}
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func reverseFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

func (anthropicCodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	blocks := envelopeMessageToAnthropic(resp.Message).Content
	out := anthResponse{
		Model:      resp.Model,
		Content:    blocks,
		StopReason: reverseFinishReason(resp.FinishReason),
		Usage:      anthUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: encode anthropic response: %w", err)
	}
	return body, nil
}

func (anthropicCodec) NewStreamDecoder() StreamDecoder {
	return &anthStreamDecoder{}
}

// anthStreamDecoder parses Anthropic's named-event SSE stream
// (message_start, content_block_delta, message_delta, message_stop) into
// normalized StreamEvents.
type anthStreamDecoder struct {
	buf         bytes.Buffer
	pendingEvt  string
	toolCallID  string
	toolCallBuf strings.Builder
	inToolCall  bool
}

// EncodeStreamEvent renders ev as one of Anthropic's named SSE events, the
// mirror image of anthStreamDecoder.handleEvent. A tool-call delta whose
// ToolArgs is still empty is encoded as the block's opening event; once
// arguments start accumulating it's encoded as an input_json_delta.
func (anthropicCodec) EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	switch {
	case ev.Done:
		return sseEvent("message_stop", map[string]any{"type": "message_stop"})
	case ev.ToolCallDelta != nil && ev.ToolCallDelta.ToolArgs == "":
		return sseEvent("content_block_start", map[string]any{
			"type": "content_block_start",
			"content_block": map[string]any{
				"type": "tool_use",
				"id":   ev.ToolCallDelta.ToolCallID,
				"name": ev.ToolCallDelta.ToolName,
			},
		})
	case ev.ToolCallDelta != nil:
		return sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolCallDelta.ToolArgs},
		})
	case ev.DeltaText != "":
		return sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": ev.DeltaText},
		})
	case ev.FinishReason != "" || ev.Usage != nil:
		payload := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": reverseFinishReason(ev.FinishReason)},
		}
		if ev.Usage != nil {
			payload["usage"] = anthUsage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
		return sseEvent("message_delta", payload)
	default:
		return nil, nil
	}
}

// sseEvent marshals payload and frames it as a named SSE event.
func sseEvent(name string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("translate: encode %s event: %w", name, err)
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteString("\ndata: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

func (d *anthStreamDecoder) Feed(chunk []byte) ([]StreamEvent, error) {
	d.buf.Write(chunk)
	var events []StreamEvent
	for {
		line, err := d.buf.ReadString('\n')
		if err != nil {
			d.buf.Reset()
			d.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			d.pendingEvt = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			ev, ok := d.handleEvent(d.pendingEvt, data)
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (d *anthStreamDecoder) handleEvent(evtType, data string) (StreamEvent, bool) {
	switch evtType {
	case "content_block_start":
		var payload struct {
			ContentBlock anthBlock `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.ContentBlock.Type == "tool_use" {
			d.inToolCall = true
			d.toolCallID = payload.ContentBlock.ID
			d.toolCallBuf.Reset()
			return StreamEvent{ToolCallDelta: &ContentPart{Type: "tool_call", ToolCallID: d.toolCallID, ToolName: payload.ContentBlock.Name}}, true
		}
		return StreamEvent{}, false
	case "content_block_delta":
		var payload struct {
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return StreamEvent{}, false
		}
		if payload.Delta.Type == "input_json_delta" && d.inToolCall {
			d.toolCallBuf.WriteString(payload.Delta.PartialJSON)
			return StreamEvent{ToolCallDelta: &ContentPart{Type: "tool_call", ToolCallID: d.toolCallID, ToolArgs: d.toolCallBuf.String()}}, true
		}
		if payload.Delta.Text != "" {
			return StreamEvent{DeltaText: payload.Delta.Text}, true
		}
		return StreamEvent{}, false
	case "content_block_stop":
		d.inToolCall = false
		return StreamEvent{}, false
	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage anthUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return StreamEvent{}, false
		}
		ev := StreamEvent{FinishReason: mapAnthropicStopReason(payload.Delta.StopReason, Message{})}
		if payload.Usage.OutputTokens > 0 {
			ev.Usage = &Usage{OutputTokens: payload.Usage.OutputTokens, TotalTokens: payload.Usage.InputTokens + payload.Usage.OutputTokens}
		}
		return ev, true
	case "message_stop":
		return StreamEvent{Done: true}, true
	default:
		return StreamEvent{}, false
	}
}

// decodeBase64Image decodes the base64 payload of a data URL. Nothing in
// the repository calls it.
func decodeBase64Image(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, fmt.Errorf("translate: not a data URL")
	}
	return base64.StdEncoding.DecodeString(dataURL[idx+1:])
}
