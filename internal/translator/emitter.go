package translator

import (
	"claude-relay-go/internal/models"
)

// emitter owns the message lifecycle shared by all three parsers: lazy
// message_start, block index assignment, bracketing of text and tool blocks,
// and the tool-call assembly state machine. At most one text block and one
// tool block are open at a time; opening a tool block closes any open text
// block first.
type emitter struct {
	started  bool
	finished bool

	nextIndex int

	textOpen  bool
	textIndex int

	toolOpen  bool
	toolIndex int
	toolID    string
	toolName  string

	stopReason string
	usage      *models.Usage
}

func (e *emitter) start() []Event {
	if e.started {
		return nil
	}
	e.started = true
	return []Event{{Type: EventMessageStart}}
}

// text emits a text_delta, opening the text block if needed. An open tool
// block is finalized first: upstreams interleave at block granularity, so a
// text delta means the tool input is complete.
func (e *emitter) text(delta string) []Event {
	if delta == "" {
		return nil
	}
	out := e.start()
	out = append(out, e.closeTool()...)
	if !e.textOpen {
		e.textOpen = true
		e.textIndex = e.nextIndex
		e.nextIndex++
		out = append(out, Event{Type: EventContentBlockStart, Index: e.textIndex, BlockType: "text"})
	}
	return append(out, Event{Type: EventContentBlockDelta, Index: e.textIndex, Text: delta})
}

// toolStart opens a tool_use block. Seeing a new tool id while one is open
// finalizes the current call first; a repeated id for the open call only
// appends its input fragment.
func (e *emitter) toolStart(id, name, inputFragment string) []Event {
	if e.toolOpen && id != "" && id == e.toolID {
		return e.toolDelta(inputFragment)
	}
	out := e.start()
	out = append(out, e.closeTool()...)
	out = append(out, e.closeText()...)

	e.toolOpen = true
	e.toolIndex = e.nextIndex
	e.nextIndex++
	e.toolID = id
	e.toolName = name
	out = append(out, Event{
		Type:      EventContentBlockStart,
		Index:     e.toolIndex,
		BlockType: "tool_use",
		ToolID:    id,
		ToolName:  name,
	})
	if inputFragment != "" {
		out = append(out, Event{Type: EventContentBlockDelta, Index: e.toolIndex, PartialJSON: inputFragment})
	}
	return out
}

// toolDelta appends an input fragment to the currently open tool call.
// A continuation arriving with no call open is dropped: there is nothing to
// attach it to.
func (e *emitter) toolDelta(inputFragment string) []Event {
	if !e.toolOpen || inputFragment == "" {
		return nil
	}
	return []Event{{Type: EventContentBlockDelta, Index: e.toolIndex, PartialJSON: inputFragment}}
}

// toolStop finalizes the currently open tool call.
func (e *emitter) toolStop() []Event {
	return e.closeTool()
}

func (e *emitter) closeText() []Event {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	return []Event{{Type: EventContentBlockStop, Index: e.textIndex}}
}

func (e *emitter) closeTool() []Event {
	if !e.toolOpen {
		return nil
	}
	e.toolOpen = false
	e.toolID = ""
	e.toolName = ""
	return []Event{{Type: EventContentBlockStop, Index: e.toolIndex}}
}

func (e *emitter) setStopReason(reason string) {
	if reason != "" {
		e.stopReason = reason
	}
}

func (e *emitter) setUsage(u models.Usage) {
	if e.usage == nil {
		e.usage = &models.Usage{}
	}
	if u.InputTokens > 0 {
		e.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		e.usage.OutputTokens = u.OutputTokens
	}
}

// finish closes open blocks and terminates the message. An unfinalized tool
// call at stream end is finalized implicitly. finish is idempotent.
func (e *emitter) finish() []Event {
	if e.finished {
		return nil
	}
	e.finished = true
	out := e.start()
	out = append(out, e.closeTool()...)
	out = append(out, e.closeText()...)

	stop := e.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	out = append(out, Event{Type: EventMessageDelta, StopReason: stop, Usage: e.usage})
	return append(out, Event{Type: EventMessageStop})
}
