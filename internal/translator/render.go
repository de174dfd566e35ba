package translator

import (
	"time"

	"claude-relay-go/internal/models"
)

// MessageMeta carries the request-scoped identity rendered into client
// frames.
type MessageMeta struct {
	ID    string
	Model string
}

// RenderClaude converts one normalized event into its Claude SSE wire frame.
// The returned name becomes the `event:` field and the payload the `data:`
// JSON.
func RenderClaude(ev Event, meta MessageMeta) (name string, payload map[string]any) {
	switch ev.Type {
	case EventMessageStart:
		return "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            meta.ID,
				"type":          "message",
				"role":          models.RoleAssistant,
				"model":         meta.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}
	case EventContentBlockStart:
		block := map[string]any{"type": ev.BlockType}
		if ev.BlockType == "tool_use" {
			block["id"] = ev.ToolID
			block["name"] = ev.ToolName
			block["input"] = map[string]any{}
		} else {
			block["text"] = ""
		}
		return "content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": block,
		}
	case EventContentBlockDelta:
		var delta map[string]any
		if ev.PartialJSON != "" {
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.PartialJSON}
		} else {
			delta = map[string]any{"type": "text_delta", "text": ev.Text}
		}
		return "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": delta,
		}
	case EventContentBlockStop:
		return "content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": ev.Index,
		}
	case EventMessageDelta:
		usage := map[string]int{"output_tokens": 0}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				usage["input_tokens"] = ev.Usage.InputTokens
			}
		}
		return "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": ev.StopReason, "stop_sequence": nil},
			"usage": usage,
		}
	default:
		return "message_stop", map[string]any{"type": "message_stop"}
	}
}

// OpenAIRenderer converts normalized events into chat.completion.chunk
// frames for the OpenAI-compatible surface.
type OpenAIRenderer struct {
	meta      MessageMeta
	created   int64
	sentRole  bool
	toolIndex int
	toolOpen  bool
}

// NewOpenAIRenderer builds a renderer for one response.
func NewOpenAIRenderer(meta MessageMeta) *OpenAIRenderer {
	return &OpenAIRenderer{meta: meta, created: time.Now().Unix(), toolIndex: -1}
}

// Render returns zero or one chunk per event; nil means the event has no
// OpenAI representation.
func (r *OpenAIRenderer) Render(ev Event) *models.ChatCompletionChunk {
	switch ev.Type {
	case EventMessageStart:
		chunk := r.chunk()
		chunk.Choices[0].Delta.Role = models.RoleAssistant
		r.sentRole = true
		return chunk
	case EventContentBlockStart:
		if ev.BlockType != "tool_use" {
			return nil
		}
		r.toolIndex++
		r.toolOpen = true
		chunk := r.chunk()
		chunk.Choices[0].Delta.ToolCalls = []map[string]any{{
			"index": r.toolIndex,
			"id":    ev.ToolID,
			"type":  "function",
			"function": map[string]any{
				"name":      ev.ToolName,
				"arguments": "",
			},
		}}
		return chunk
	case EventContentBlockDelta:
		chunk := r.chunk()
		if ev.PartialJSON != "" {
			if !r.toolOpen {
				return nil
			}
			chunk.Choices[0].Delta.ToolCalls = []map[string]any{{
				"index":    r.toolIndex,
				"function": map[string]any{"arguments": ev.PartialJSON},
			}}
			return chunk
		}
		if ev.Text == "" {
			return nil
		}
		chunk.Choices[0].Delta.Content = ev.Text
		return chunk
	case EventContentBlockStop:
		r.toolOpen = false
		return nil
	case EventMessageDelta:
		chunk := r.chunk()
		reason := mapStopReasonOpenAI(ev.StopReason)
		chunk.Choices[0].FinishReason = &reason
		if ev.Usage != nil {
			chunk.Usage = &models.OpenAIUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		return chunk
	default:
		return nil
	}
}

func (r *OpenAIRenderer) chunk() *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:      r.meta.ID,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.meta.Model,
		Choices: []models.ChatCompletionDelta{{Index: 0}},
	}
}

func mapStopReasonOpenAI(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// ToOpenAIResponse converts a collected Claude message into a non-streaming
// chat completion body.
func ToOpenAIResponse(msg *models.MessageResponse) map[string]any {
	var content string
	var toolCalls []map[string]any
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			content += block.Text
		case models.BlockToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.ID,
				"type": "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": args,
				},
			})
		}
	}
	message := map[string]any{"role": models.RoleAssistant, "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	reason := mapStopReasonOpenAI(msg.StopReason)
	return map[string]any{
		"id":      msg.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   msg.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": reason,
		}},
		"usage": models.OpenAIUsage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}
}
