package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEJSONTextAndUsage(t *testing.T) {
	input := `data: {"candidates":[{"content":{"parts":[{"text":"Hel"}],"role":"model"}}]}` + "\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"lo"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":5}}` + "\n" +
		"data: [DONE]\n"
	events := runParser(t, FormatSSEJSON, input, nil)

	assert.Equal(t, "Hello", collectText(events))

	var messageDelta *Event
	for i := range events {
		if events[i].Type == EventMessageDelta {
			messageDelta = &events[i]
		}
	}
	require.NotNil(t, messageDelta)
	assert.Equal(t, "end_turn", messageDelta.StopReason)
	require.NotNil(t, messageDelta.Usage)
	assert.Equal(t, 12, messageDelta.Usage.InputTokens)
	assert.Equal(t, 5, messageDelta.Usage.OutputTokens)
}

func TestSSEJSONChunkBoundaryInvariance(t *testing.T) {
	input := `data: {"candidates":[{"content":{"parts":[{"text":"abc"}]}}]}` + "\n" +
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"id":"fc1","name":"weather","args":{"city":"Oslo"}}}]}}]}` + "\n" +
		"data: [DONE]\n"

	whole := runParser(t, FormatSSEJSON, input, nil)
	for _, size := range []int{1, 3, 10, 40} {
		var chunks []int
		for total := 0; total < len(input); total += size {
			chunks = append(chunks, size)
		}
		split := runParser(t, FormatSSEJSON, input, chunks)
		assert.Equal(t, whole, split, "chunk size %d changed the event sequence", size)
	}
}

func TestSSEJSONFunctionCall(t *testing.T) {
	input := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"id":"fc1","name":"weather","args":{"city":"Oslo"}}}]}}]}` + "\n" +
		"data: [DONE]\n"
	events := runParser(t, FormatSSEJSON, input, nil)

	collector := NewCollector()
	collector.AddAll(events)
	msg := collector.Message("msg_1", "gemini-2.5-pro")
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "tool_use", msg.Content[0].Type)
	assert.Equal(t, "weather", msg.Content[0].Name)
	assert.Equal(t, "fc1", msg.Content[0].ID)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(msg.Content[0].Input))
	assert.Equal(t, "tool_use", msg.StopReason)
}

func TestSSEJSONIgnoresComments(t *testing.T) {
	input := ": keepalive\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}` + "\n" +
		"data: [DONE]\n"
	events := runParser(t, FormatSSEJSON, input, nil)
	assert.Equal(t, "ok", collectText(events))
}

func TestJSONLinesClaudePassthrough(t *testing.T) {
	input := `data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}` + "\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi "}}` + "\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}` + "\n" +
		`data: {"type":"content_block_stop","index":0}` + "\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}` + "\n" +
		`data: {"type":"message_stop"}` + "\n"
	events := runParser(t, FormatJSONLines, input, nil)

	assert.Equal(t, "hi there", collectText(events))
	assert.Equal(t, EventMessageStart, events[0].Type)
	assert.Equal(t, EventMessageStop, events[len(events)-1].Type)

	collector := NewCollector()
	collector.AddAll(events)
	assert.Equal(t, 9, collector.Usage().InputTokens)
	assert.Equal(t, 4, collector.Usage().OutputTokens)
}

func TestJSONLinesToolCalls(t *testing.T) {
	input := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"calc"}}` + "\n" +
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}` + "\n" +
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"2}"}}` + "\n" +
		`{"type":"content_block_stop","index":0}` + "\n" +
		`{"type":"message_stop"}` + "\n"
	events := runParser(t, FormatJSONLines, input, nil)

	collector := NewCollector()
	collector.AddAll(events)
	msg := collector.Message("msg_2", "claude-sonnet-4-5")
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "calc", msg.Content[0].Name)
	assert.JSONEq(t, `{"x":2}`, string(msg.Content[0].Input))
}

func TestCollectorRetainsInvalidToolInputVerbatim(t *testing.T) {
	collector := NewCollector()
	collector.AddAll([]Event{
		{Type: EventMessageStart},
		{Type: EventContentBlockStart, Index: 0, BlockType: "tool_use", ToolID: "t1", ToolName: "f"},
		{Type: EventContentBlockDelta, Index: 0, PartialJSON: `{"broken":`},
		{Type: EventContentBlockStop, Index: 0},
		{Type: EventMessageStop},
	})
	msg := collector.Message("msg_3", "m")
	require.Len(t, msg.Content, 1)
	// Invalid JSON input survives as a quoted string.
	assert.Equal(t, `"{\"broken\":"`, string(msg.Content[0].Input))
}
