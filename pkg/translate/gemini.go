package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// geminiCodec translates between the envelope and Google's generateContent
// API, per spec §4.6: contents[].parts[] instead of messages[].content,
// inlineData for base64 images, fileData for URL references, and
// functionCall/functionResponse parts in place of OpenAI tool_calls.
type geminiCodec struct{}

func (geminiCodec) Provider() contracts.ProviderType { return contracts.ProviderGemini }

type gmPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *gmBlob         `json:"inlineData,omitempty"`
	FileData         *gmFileData     `json:"fileData,omitempty"`
	FunctionCall     *gmFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *gmFuncResponse `json:"functionResponse,omitempty"`
}

type gmBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gmFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type gmFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type gmFuncResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gmTool struct {
	FunctionDeclarations []gmFunctionDecl `json:"functionDeclarations,omitempty"`
}

type gmGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type gmRequest struct {
	Contents          []gmContent         `json:"contents"`
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Tools             []gmTool            `json:"tools,omitempty"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type gmCandidate struct {
	Content      gmContent `json:"content"`
	FinishReason string    `json:"finishReason"`
}

type gmResponse struct {
	Candidates    []gmCandidate   `json:"candidates"`
	UsageMetadata gmUsageMetadata `json:"usageMetadata"`
	ModelVersion  string          `json:"modelVersion,omitempty"`
}

func (geminiCodec) EncodeRequest(env *ChatRequest) (string, []byte, error) {
	req := gmRequest{}

	var systemParts []gmPart
	for _, m := range env.Messages {
		if m.Role == RoleSystem {
			for _, p := range m.Content {
				systemParts = append(systemParts, gmPart{Text: p.Text})
			}
			continue
		}
		req.Contents = append(req.Contents, envelopeMessageToGemini(m))
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &gmContent{Parts: systemParts}
	}

	if len(env.Tools) > 0 {
		var decls []gmFunctionDecl
		for _, t := range env.Tools {
			decls = append(decls, gmFunctionDecl{Name: t.Name, Description: t.Description, Parameters: json.RawMessage(t.ParamSchema)})
		}
		req.Tools = []gmTool{{FunctionDeclarations: decls}}
	}

	if env.MaxTokens > 0 || env.Temperature != nil || env.TopP != nil || len(env.Stop) > 0 {
		req.GenerationConfig = &gmGenerationConfig{
			Temperature:     env.Temperature,
			TopP:            env.TopP,
			MaxOutputTokens: env.MaxTokens,
			StopSequences:   env.Stop,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("translate: encode gemini request: %w", err)
	}

	action := "generateContent"
	if env.Stream {
		action = "streamGenerateContent"
	}
	path := fmt.Sprintf("/v1beta/models/%s:%s", env.Model, action)
	return path, body, nil
}

func geminiRole(r Role) string {
	switch r {
	case RoleAssistant:
		return "model"
	default:
		return "user"
	}
}

func envelopeRoleFromGemini(r string) Role {
	if r == "model" {
		return RoleAssistant
	}
	return RoleUser
}

func envelopeMessageToGemini(m Message) gmContent {
	out := gmContent{Role: geminiRole(m.Role)}
	for _, p := range m.Content {
		switch p.Type {
		case "text":
			out.Parts = append(out.Parts, gmPart{Text: p.Text})
		case "image":
			if strings.HasPrefix(p.ImageURL, "data:") {
				data := p.ImageURL
				if idx := strings.Index(data, ","); idx >= 0 {
					data = data[idx+1:]
				}
				out.Parts = append(out.Parts, gmPart{InlineData: &gmBlob{MimeType: p.ImageMIME, Data: data}})
			} else {
				out.Parts = append(out.Parts, gmPart{FileData: &gmFileData{MimeType: p.ImageMIME, FileURI: p.ImageURL}})
			}
		case "tool_call":
			out.Parts = append(out.Parts, gmPart{FunctionCall: &gmFunctionCall{Name: p.ToolName, Args: json.RawMessage(p.ToolArgs)}})
		case "tool_result":
			out.Parts = append(out.Parts, gmPart{FunctionResponse: &gmFuncResponse{Name: p.ToolName, Response: json.RawMessage(wrapGeminiFunctionResult(p.ToolResult))}})
		}
	}
	return out
}

func wrapGeminiFunctionResult(result string) string {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return result
	}
	raw, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: result})
	if err != nil {
		return `{}`
	}
	return string(raw)
}

func (geminiCodec) DecodeRequest(body []byte) (*ChatRequest, error) {
	var req gmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("translate: decode gemini request: %w", err)
	}
	env := &ChatRequest{}
	if req.SystemInstruction != nil {
		var sb strings.Builder
		for _, p := range req.SystemInstruction.Parts {
			sb.WriteString(p.Text)
		}
		env.Messages = append(env.Messages, Message{Role: RoleSystem, Content: []ContentPart{{Type: "text", Text: sb.String()}}})
	}
	for _, c := range req.Contents {
		env.Messages = append(env.Messages, geminiContentToEnvelope(c))
	}
	for _, t := range req.Tools {
		for _, d := range t.FunctionDeclarations {
			env.Tools = append(env.Tools, ToolDefinition{Name: d.Name, Description: d.Description, ParamSchema: string(d.Parameters)})
		}
	}
	if req.GenerationConfig != nil {
		env.Temperature = req.GenerationConfig.Temperature
		env.TopP = req.GenerationConfig.TopP
		env.MaxTokens = req.GenerationConfig.MaxOutputTokens
		env.Stop = req.GenerationConfig.StopSequences
	}
	return env, nil
}

func geminiContentToEnvelope(c gmContent) Message {
	out := Message{Role: envelopeRoleFromGemini(c.Role)}
	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			out.Content = append(out.Content, ContentPart{Type: "text", Text: p.Text})
		case p.InlineData != nil:
			out.Content = append(out.Content, ContentPart{
				Type: "image", ImageMIME: p.InlineData.MimeType,
				ImageURL: "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data,
			})
		case p.FileData != nil:
			out.Content = append(out.Content, ContentPart{Type: "image", ImageURL: p.FileData.FileURI, ImageMIME: p.FileData.MimeType})
		case p.FunctionCall != nil:
			out.Content = append(out.Content, ContentPart{Type: "tool_call", ToolName: p.FunctionCall.Name, ToolArgs: string(p.FunctionCall.Args)})
		case p.FunctionResponse != nil:
			out.Role = RoleTool
			out.Content = append(out.Content, ContentPart{Type: "tool_result", ToolName: p.FunctionResponse.Name, ToolResult: string(p.FunctionResponse.Response)})
		}
	}
	return out
}

func (geminiCodec) DecodeResponse(body []byte) (*ChatResponse, error) {
	var resp gmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("translate: decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("translate: gemini response has no candidates")
	}
	cand := resp.Candidates[0]
	msg := geminiContentToEnvelope(cand.Content)
	msg.Role = RoleAssistant
	return &ChatResponse{
		Model:        resp.ModelVersion,
		Message:      msg,
		FinishReason: mapGeminiFinishReason(cand.FinishReason, msg),
		Usage: Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func mapGeminiFinishReason(reason string, msg Message) string {
	for _, p := range msg.Content {
		if p.Type == "tool_call" {
			return "tool_calls"
		}
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func reverseGeminiFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	case "tool_calls":
		return "STOP"
	default:
		return strings.ToUpper(reason)
	}
}

func (geminiCodec) EncodeResponse(resp *ChatResponse) ([]byte, error) {
	content := envelopeMessageToGemini(resp.Message)
	content.Role = "model"
	out := gmResponse{
		Candidates: []gmCandidate{{Content: content, FinishReason: reverseGeminiFinishReason(resp.FinishReason)}},
		UsageMetadata: gmUsageMetadata{
			PromptTokenCount:     resp.Usage.InputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
		ModelVersion: resp.Model,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: encode gemini response: %w", err)
	}
	return body, nil
}

func (geminiCodec) NewStreamDecoder() StreamDecoder {
	return &gmStreamDecoder{}
}

// gmStreamDecoder parses Gemini's streamGenerateContent output. Google
// serves this either as an SSE "data: {...}" stream or as a bare JSON
// array of candidate chunks depending on endpoint; this decoder handles
// the SSE framing, which the dispatcher requests via alt=sse.
type gmStreamDecoder struct {
	buf bytes.Buffer
}

// EncodeStreamEvent renders ev as one Gemini streamGenerateContent SSE
// chunk, the mirror image of gmStreamDecoder.Feed. Gemini's wire format has
// no terminal sentinel comparable to OpenAI's [DONE]; a Done event closes
// the stream without emitting a frame.
func (geminiCodec) EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	if ev.Done {
		return nil, nil
	}

	var cand gmCandidate
	if ev.DeltaText != "" {
		cand.Content.Parts = append(cand.Content.Parts, gmPart{Text: ev.DeltaText})
	}
	if ev.ToolCallDelta != nil {
		cand.Content.Parts = append(cand.Content.Parts, gmPart{
			FunctionCall: &gmFunctionCall{Name: ev.ToolCallDelta.ToolName, Args: json.RawMessage(ev.ToolCallDelta.ToolArgs)},
		})
	}
	if ev.FinishReason != "" {
		cand.FinishReason = reverseGeminiFinishReason(ev.FinishReason)
	}
	cand.Content.Role = "model"

	resp := gmResponse{Candidates: []gmCandidate{cand}}
	if ev.Usage != nil {
		resp.UsageMetadata = gmUsageMetadata{
			PromptTokenCount:     ev.Usage.InputTokens,
			CandidatesTokenCount: ev.Usage.OutputTokens,
			TotalTokenCount:      ev.Usage.TotalTokens,
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("translate: encode gemini stream event: %w", err)
	}
	return append(append([]byte("data: "), body...), '\n', '\n'), nil
}

func (d *gmStreamDecoder) Feed(chunk []byte) ([]StreamEvent, error) {
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
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var resp gmResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		ev := StreamEvent{}
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				ev.DeltaText += p.Text
			}
			if p.FunctionCall != nil {
				ev.ToolCallDelta = &ContentPart{Type: "tool_call", ToolName: p.FunctionCall.Name, ToolArgs: string(p.FunctionCall.Args)}
			}
		}
		if cand.FinishReason != "" {
			ev.FinishReason = mapGeminiFinishReason(cand.FinishReason, Message{})
		}
		if resp.UsageMetadata.TotalTokenCount > 0 {
			ev.Usage = &Usage{
				InputTokens:  resp.UsageMetadata.PromptTokenCount,
				OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  resp.UsageMetadata.TotalTokenCount,
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
