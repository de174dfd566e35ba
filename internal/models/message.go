package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role values accepted on the inbound Claude surface.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content block types. Inbound content is either a bare string or a
// heterogeneous list of these tagged variants.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is the tagged variant for one part of a message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageSource carries inline image data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Message is one conversational turn. Content unmarshals from either a JSON
// string or an array of blocks.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	blocks, err := unmarshalContent(raw.Content)
	if err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	m.Content = blocks
	return nil
}

func unmarshalContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// PlainText extracts the concatenated text content of a message. Non-text
// blocks contribute nothing; tool results contribute their string content.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockToolResult:
			sb.WriteString(toolResultText(b.Content))
		}
	}
	return sb.String()
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// SystemPrompt unmarshals from either a string or a list of text blocks.
type SystemPrompt string

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SystemPrompt(str)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	*s = SystemPrompt(sb.String())
	return nil
}

// Tool declares a client-side tool the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesRequest is the inbound Claude-style request body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// MergeAdjacentSameRole joins adjacent same-role messages with a newline.
// Upstreams that model the conversation as strictly alternating turns
// require this normalization before encoding.
func MergeAdjacentSameRole(messages []Message) []Message {
	if len(messages) < 2 {
		return messages
	}
	merged := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if len(merged) > 0 && merged[len(merged)-1].Role == msg.Role {
			last := &merged[len(merged)-1]
			last.Content = joinContent(last.Content, msg.Content)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// joinContent concatenates two block lists, joining a trailing and leading
// text block with a newline so the merged turn reads as one message.
func joinContent(a, b []ContentBlock) []ContentBlock {
	if len(a) > 0 && len(b) > 0 &&
		a[len(a)-1].Type == BlockText && b[0].Type == BlockText {
		a[len(a)-1].Text = a[len(a)-1].Text + "\n" + b[0].Text
		return append(a, b[1:]...)
	}
	return append(a, b...)
}

// Usage carries token counts on responses and usage events.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageResponse is the non-streaming Claude-style response object.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}
