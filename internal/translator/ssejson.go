package translator

import (
	"bytes"
	"strings"

	"claude-relay-go/internal/models"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// sseJSONParser handles the Gemini streaming variant: SSE `data:` lines each
// carrying one generateContent response object, ended by a [DONE] sentinel.
type sseJSONParser struct {
	emitter
	buf  []byte
	done bool
}

func newSSEJSONParser() *sseJSONParser {
	return &sseJSONParser{}
}

func (p *sseJSONParser) Feed(chunk []byte) []Event {
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
		payload := line
		if strings.HasPrefix(line, "data:") {
			payload = strings.TrimSpace(line[len("data:"):])
		}
		if payload == "[DONE]" {
			p.done = true
			out = append(out, p.finish()...)
			continue
		}
		out = append(out, p.handlePayload(payload)...)
	}
}

// handlePayload extracts deltas from one generateContent response object.
func (p *sseJSONParser) handlePayload(payload string) []Event {
	if !gjson.Valid(payload) {
		return nil
	}
	var out []Event

	parts := gjson.Get(payload, "candidates.0.content.parts")
	parts.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			out = append(out, p.text(text.String())...)
			return true
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			// Gemini delivers the whole call in one part; open, emit the
			// full argument object, and finalize immediately.
			id := fc.Get("id").String()
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out = append(out, p.toolStart(id, fc.Get("name").String(), args)...)
			out = append(out, p.toolStop()...)
		}
		return true
	})

	if usage := gjson.Get(payload, "usageMetadata"); usage.Exists() {
		p.setUsage(models.Usage{
			InputTokens:  int(usage.Get("promptTokenCount").Int()),
			OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
		})
	}
	if reason := gjson.Get(payload, "candidates.0.finishReason"); reason.Exists() {
		p.setStopReason(mapGeminiFinishReason(reason.String()))
	}
	return out
}

func (p *sseJSONParser) Finish() []Event {
	if len(p.buf) > 0 {
		// Flush a final line that arrived without a trailing newline.
		leftovers := p.Feed([]byte("\n"))
		return append(leftovers, p.finish()...)
	}
	return p.finish()
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "FINISH_REASON_UNSPECIFIED", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
