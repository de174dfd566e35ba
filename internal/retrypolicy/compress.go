package retrypolicy

import (
	"fmt"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
)

// CompressMessages applies one rung of the context-compression ladder.
// Level 1 keeps short excerpts of the summarized middle; levels 2 and 3
// replace it with a stub. Remaining messages are truncated progressively
// harder. The first message is always retained: it usually anchors the task.
func CompressMessages(messages []models.Message, level int) []models.Message {
	if level < 1 {
		level = 1
	}
	if level > constants.CompressionMaxLevel {
		level = constants.CompressionMaxLevel
	}

	keepRecent := constants.CompressionKeepRecentBase - constants.CompressionKeepRecentStep*level
	if keepRecent < constants.CompressionKeepRecentFloor {
		keepRecent = constants.CompressionKeepRecentFloor
	}

	var out []models.Message
	if len(messages) > keepRecent+1 {
		out = append(out, messages[0])
		middle := messages[1 : len(messages)-keepRecent]
		if summary := summarizeMiddle(middle, level); summary != nil {
			out = append(out, *summary)
		}
		out = append(out, messages[len(messages)-keepRecent:]...)
	} else {
		out = append(out, messages...)
	}

	maxChars := constants.CompressionTruncateBase - constants.CompressionTruncateStep*level
	if maxChars < constants.CompressionTruncateFloor {
		maxChars = constants.CompressionTruncateFloor
	}
	for i := range out {
		out[i] = truncateMessage(out[i], maxChars)
	}
	return out
}

// summarizeMiddle collapses the dropped span into a single user turn so the
// alternating-role structure survives compression.
func summarizeMiddle(middle []models.Message, level int) *models.Message {
	if len(middle) == 0 {
		return nil
	}
	var text string
	if level <= 1 {
		for _, msg := range middle {
			excerpt := msg.PlainText()
			if len(excerpt) > constants.CompressionExcerptChars {
				excerpt = excerpt[:constants.CompressionExcerptChars] + "..."
			}
			if excerpt == "" {
				continue
			}
			text += fmt.Sprintf("[%s] %s\n", msg.Role, excerpt)
		}
	}
	if text == "" {
		text = fmt.Sprintf("[history compressed, %d messages]", len(middle))
	}
	return &models.Message{
		Role:    models.RoleUser,
		Content: []models.ContentBlock{{Type: models.BlockText, Text: text}},
	}
}

// truncateMessage caps each text block of the message, appending a footer
// noting the original length.
func truncateMessage(msg models.Message, maxChars int) models.Message {
	out := models.Message{Role: msg.Role, Content: make([]models.ContentBlock, len(msg.Content))}
	copy(out.Content, msg.Content)
	for i, block := range out.Content {
		if block.Type != models.BlockText || len(block.Text) <= maxChars {
			continue
		}
		orig := len(block.Text)
		out.Content[i].Text = block.Text[:maxChars] + fmt.Sprintf(" [truncated, orig=%d]", orig)
	}
	return out
}
