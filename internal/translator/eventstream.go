package translator

import (
	"bytes"
	"encoding/json"

	"claude-relay-go/internal/constants"
)

// eventStreamParser extracts JSON events embedded in the AWS event-stream
// framing used by CodeWhisperer and Vertex-hosted Claude. Rather than
// honoring the binary framing headers, it scans the buffer for known JSON
// object prefixes and brace-counts to the matching close. Incomplete objects
// stay buffered until the next chunk completes them.
type eventStreamParser struct {
	emitter
	buf      []byte
	lastText string
}

// eventPrefixes are the object starts the scanner recognizes, in the order
// the upstream interleaves them.
var eventPrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
}

func newEventStreamParser() *eventStreamParser {
	return &eventStreamParser{}
}

// cwEvent is the union of the JSON events the assistant-response stream
// carries. Pointer fields distinguish absent from zero-valued.
type cwEvent struct {
	Content        *string         `json:"content"`
	FollowupPrompt json.RawMessage `json:"followupPrompt"`
	Name           string          `json:"name"`
	ToolUseID      string          `json:"toolUseId"`
	Input          *string         `json:"input"`
	Stop           *bool           `json:"stop"`
}

func (p *eventStreamParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	if len(p.buf) > constants.SSEScannerMaxBufferSize {
		// Runaway buffer means the framing is not what we expect; drop the
		// oldest half rather than grow without bound.
		p.buf = p.buf[len(p.buf)-constants.SSEScannerMaxBufferSize/2:]
	}

	var out []Event
	for {
		start := p.findEventStart()
		if start < 0 {
			// No candidate prefix; keep only a tail long enough to hold a
			// prefix split across the chunk boundary.
			if keep := longestPrefixLen() - 1; len(p.buf) > keep {
				p.buf = p.buf[len(p.buf)-keep:]
			}
			return out
		}
		end := scanJSONObject(p.buf[start:])
		if end < 0 {
			// Object is still arriving. Discard the leading noise and wait.
			p.buf = p.buf[start:]
			return out
		}
		slice := p.buf[start : start+end]
		p.buf = p.buf[start+end:]

		var ev cwEvent
		if err := json.Unmarshal(slice, &ev); err != nil {
			// A prefix match inside binary padding; skip past the opening
			// brace and rescan.
			continue
		}
		out = append(out, p.classify(&ev)...)
	}
}

// findEventStart returns the earliest offset at which any known prefix
// begins, or -1.
func (p *eventStreamParser) findEventStart() int {
	best := -1
	for _, prefix := range eventPrefixes {
		if idx := bytes.Index(p.buf, prefix); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

func longestPrefixLen() int {
	n := 0
	for _, prefix := range eventPrefixes {
		if len(prefix) > n {
			n = len(prefix)
		}
	}
	return n
}

// classify maps one decoded event onto the normalized stream, per the
// upstream's field conventions.
func (p *eventStreamParser) classify(ev *cwEvent) []Event {
	switch {
	case ev.FollowupPrompt != nil:
		// Suggested follow-ups are not part of the assistant message.
		return nil
	case ev.Content != nil:
		// The upstream occasionally re-sends the previous fragment after a
		// frame boundary; exact consecutive duplicates are dropped.
		if *ev.Content == p.lastText {
			return nil
		}
		p.lastText = *ev.Content
		return p.text(*ev.Content)
	case ev.Name != "" && ev.ToolUseID != "":
		initial := ""
		if ev.Input != nil {
			initial = *ev.Input
		}
		out := p.toolStart(ev.ToolUseID, ev.Name, initial)
		if ev.Stop != nil && *ev.Stop {
			out = append(out, p.toolStop()...)
		}
		return out
	case ev.Input != nil:
		out := p.toolDelta(*ev.Input)
		if ev.Stop != nil && *ev.Stop {
			out = append(out, p.toolStop()...)
		}
		return out
	case ev.Stop != nil && *ev.Stop:
		return p.toolStop()
	}
	return nil
}

func (p *eventStreamParser) Finish() []Event {
	return p.finish()
}

// scanJSONObject brace-counts from the opening brace at data[0] to the
// matching close, string- and escape-aware. It returns the exclusive end
// offset, or -1 when the object is incomplete.
func scanJSONObject(data []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
