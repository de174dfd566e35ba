package translator

import (
	"encoding/json"
	"strings"

	"claude-relay-go/internal/models"
)

// Collector folds a normalized event stream into a single Claude-style
// message object. The non-streaming path and the retry path share it so both
// run the same parser as the streaming path.
type Collector struct {
	blocks     map[int]*collectedBlock
	order      []int
	stopReason string
	usage      models.Usage
}

type collectedBlock struct {
	blockType string
	text      strings.Builder
	toolID    string
	toolName  string
	toolInput strings.Builder
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{blocks: make(map[int]*collectedBlock)}
}

// Add consumes one normalized event.
func (c *Collector) Add(ev Event) {
	switch ev.Type {
	case EventContentBlockStart:
		if _, ok := c.blocks[ev.Index]; !ok {
			c.blocks[ev.Index] = &collectedBlock{
				blockType: ev.BlockType,
				toolID:    ev.ToolID,
				toolName:  ev.ToolName,
			}
			c.order = append(c.order, ev.Index)
		}
	case EventContentBlockDelta:
		block, ok := c.blocks[ev.Index]
		if !ok {
			return
		}
		block.text.WriteString(ev.Text)
		block.toolInput.WriteString(ev.PartialJSON)
	case EventMessageDelta:
		if ev.StopReason != "" {
			c.stopReason = ev.StopReason
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				c.usage.InputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.OutputTokens > 0 {
				c.usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	}
}

// AddAll consumes a batch of events.
func (c *Collector) AddAll(evs []Event) {
	for _, ev := range evs {
		c.Add(ev)
	}
}

// Message assembles the final response object. Tool input that parses as
// JSON becomes the structured input; anything else is retained verbatim as a
// JSON string.
func (c *Collector) Message(id, model string) *models.MessageResponse {
	resp := &models.MessageResponse{
		ID:         id,
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      model,
		StopReason: c.stopReason,
		Usage:      c.usage,
	}
	if resp.StopReason == "" {
		resp.StopReason = "end_turn"
	}
	for _, idx := range c.order {
		block := c.blocks[idx]
		switch block.blockType {
		case "tool_use":
			resp.Content = append(resp.Content, models.ContentBlock{
				Type:  models.BlockToolUse,
				ID:    block.toolID,
				Name:  block.toolName,
				Input: toolInputJSON(block.toolInput.String()),
			})
			if resp.StopReason == "end_turn" {
				resp.StopReason = "tool_use"
			}
		default:
			resp.Content = append(resp.Content, models.ContentBlock{
				Type: models.BlockText,
				Text: block.text.String(),
			})
		}
	}
	return resp
}

// PlainText returns the concatenated text content collected so far.
func (c *Collector) PlainText() string {
	var sb strings.Builder
	for _, idx := range c.order {
		if block := c.blocks[idx]; block.blockType != "tool_use" {
			sb.WriteString(block.text.String())
		}
	}
	return sb.String()
}

// Usage returns the token counts observed on the stream.
func (c *Collector) Usage() models.Usage {
	return c.usage
}

func toolInputJSON(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}
