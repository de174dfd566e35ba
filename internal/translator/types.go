package translator

import (
	"claude-relay-go/internal/models"
)

// StreamFormat names the upstream byte framing an adapter produces.
type StreamFormat string

const (
	// FormatEventStream is the AWS event-stream framing used by
	// CodeWhisperer and Vertex-hosted Claude. JSON events are located by
	// content-prefix scanning and brace counting, not by the framing
	// headers.
	FormatEventStream StreamFormat = "event-stream"
	// FormatSSEJSON is the Gemini SSE variant: `data:` lines carrying
	// generateContent response objects, terminated by [DONE].
	FormatSSEJSON StreamFormat = "sse-json"
	// FormatJSONLines covers the Claude-style SSE variants (Anthropic
	// direct, Bedrock, Warp, Orchids): one JSON event per line, with or
	// without a `data:` prefix.
	FormatJSONLines StreamFormat = "json-lines"
)

// EventType enumerates the normalized Claude-style stream events.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
)

// Event is one normalized stream event. Every upstream framing reduces to a
// sequence of these; the gateway renders them to client SSE frames and the
// non-streaming path folds them into a message object.
type Event struct {
	Type  EventType
	Index int

	// content_block_start
	BlockType string // text | tool_use | thinking
	ToolID    string
	ToolName  string

	// content_block_delta
	Text        string // text_delta
	PartialJSON string // input_json_delta
	Thinking    string // thinking_delta

	// message_delta
	StopReason string

	// message_start carries initial usage; message_delta carries the final
	// counts when the upstream exposes them.
	Usage *models.Usage
}

// Parser consumes raw upstream bytes in one framing and yields normalized
// events. Feed may be called with chunks split at arbitrary byte boundaries;
// the emitted event sequence is identical to that produced from the
// concatenated input. Finish flushes buffered state and terminates the
// message.
type Parser interface {
	Feed(chunk []byte) []Event
	Finish() []Event
}

// New returns a parser for the given upstream framing.
func New(format StreamFormat) Parser {
	switch format {
	case FormatSSEJSON:
		return newSSEJSONParser()
	case FormatJSONLines:
		return newJSONLinesParser()
	default:
		return newEventStreamParser()
	}
}
