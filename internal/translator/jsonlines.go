package translator

import (
	"bytes"
	"strings"

	"claude-relay-go/internal/models"

	"github.com/tidwall/gjson"
)

// jsonLinesParser handles the Claude-style SSE variants (Anthropic direct,
// Bedrock, Warp, Orchids): one JSON event object per line, with or without a
// `data:` prefix. The upstream events are re-emitted through the shared
// emitter so the normalized guarantees hold even when the upstream sequence
// is ragged.
type jsonLinesParser struct {
	emitter
	buf []byte
}

func newJSONLinesParser() *jsonLinesParser {
	return &jsonLinesParser{}
}

func (p *jsonLinesParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var out []Event
	for {
		nl := bytes.IndexByte(p.buf, '\n')
		if nl < 0 {
			return out
		}
		line := strings.TrimSpace(string(p.buf[:nl]))
		p.buf = p.buf[nl+1:]

		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(line[len("data:"):])
		}
		if line == "[DONE]" {
			out = append(out, p.finish()...)
			continue
		}
		out = append(out, p.handleEvent(line)...)
	}
}

func (p *jsonLinesParser) handleEvent(payload string) []Event {
	if !gjson.Valid(payload) {
		return nil
	}
	ev := gjson.Parse(payload)
	switch ev.Get("type").String() {
	case "message_start":
		out := p.start()
		p.setUsage(models.Usage{
			InputTokens:  int(ev.Get("message.usage.input_tokens").Int()),
			OutputTokens: int(ev.Get("message.usage.output_tokens").Int()),
		})
		return out
	case "content_block_start":
		block := ev.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return p.toolStart(block.Get("id").String(), block.Get("name").String(), "")
		}
		// Text blocks open lazily on the first delta.
		return nil
	case "content_block_delta":
		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "input_json_delta":
			return p.toolDelta(delta.Get("partial_json").String())
		default:
			return p.text(delta.Get("text").String())
		}
	case "content_block_stop":
		return p.toolStop()
	case "message_delta":
		p.setStopReason(ev.Get("delta.stop_reason").String())
		if usage := ev.Get("usage"); usage.Exists() {
			p.setUsage(models.Usage{OutputTokens: int(usage.Get("output_tokens").Int())})
		}
		return nil
	case "message_stop":
		return p.finish()
	case "error":
		// Upstream mid-stream error objects terminate the message; the
		// taxonomy mapping happens at the gateway from the HTTP exchange.
		return p.finish()
	}
	return nil
}

func (p *jsonLinesParser) Finish() []Event {
	if len(p.buf) > 0 {
		leftovers := p.Feed([]byte("\n"))
		return append(leftovers, p.finish()...)
	}
	return p.finish()
}
