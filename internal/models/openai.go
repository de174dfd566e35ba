package models

import (
	"encoding/json"
	"strings"

	"claude-relay-go/internal/constants"
)

// ChatCompletionRequest is the OpenAI-compatible inbound body.
type ChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
}

// OpenAIMessage is one OpenAI-style turn; content may be a string or a list
// of typed parts.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAITool wraps a function declaration.
type OpenAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// OpenAIToolCall is an assistant-side function invocation.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToMessagesRequest converts the OpenAI body into the internal Claude-style
// request the pipeline operates on. System messages fold into the system
// prompt; tool messages become tool_result blocks.
func (r *ChatCompletionRequest) ToMessagesRequest() (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = constants.DefaultMaxTokens
	}
	if len(r.Stop) > 0 {
		out.StopSequences = parseStopSequences(r.Stop)
	}
	for _, t := range r.Tools {
		if t.Type != "function" || t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	var system []string
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, "developer":
			system = append(system, openAIContentText(m.Content))
		case RoleTool:
			out.Messages = append(out.Messages, Message{
				Role: RoleUser,
				Content: []ContentBlock{{
					Type:      BlockToolResult,
					ToolUseID: m.ToolCallID,
					Content:   mustJSONString(openAIContentText(m.Content)),
				}},
			})
		case RoleAssistant:
			msg := Message{Role: RoleAssistant}
			if text := openAIContentText(m.Content); text != "" {
				msg.Content = append(msg.Content, ContentBlock{Type: BlockText, Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = mustJSONString(tc.Function.Arguments)
				}
				msg.Content = append(msg.Content, ContentBlock{
					Type:  BlockToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(msg.Content) > 0 {
				out.Messages = append(out.Messages, msg)
			}
		default:
			blocks, err := openAIContentBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, Message{Role: RoleUser, Content: blocks})
		}
	}
	if len(system) > 0 {
		out.System = SystemPrompt(strings.Join(system, "\n"))
	}
	return out, nil
}

func parseStopSequences(raw json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func openAIContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func openAIContentBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	var blocks []ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: p.Text})
		case "image_url":
			blocks = append(blocks, ContentBlock{
				Type:   BlockImage,
				Source: &ImageSource{Type: "url", URL: p.ImageURL.URL},
			})
		}
	}
	return blocks, nil
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ChatCompletionChunk is the OpenAI streaming delta frame emitted on the
// chat completions surface.
type ChatCompletionChunk struct {
	ID      string                `json:"id"`
	Object  string                `json:"object"`
	Created int64                 `json:"created"`
	Model   string                `json:"model"`
	Choices []ChatCompletionDelta `json:"choices"`
	Usage   *OpenAIUsage          `json:"usage,omitempty"`
}

// ChatCompletionDelta is one choice within a chunk.
type ChatCompletionDelta struct {
	Index int `json:"index"`
	Delta struct {
		Role      string           `json:"role,omitempty"`
		Content   string           `json:"content,omitempty"`
		ToolCalls []map[string]any `json:"tool_calls,omitempty"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// OpenAIUsage mirrors OpenAI token accounting fields.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
