package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"

	"github.com/google/uuid"
)

const kiroEndpointTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

// kiroAdapter shapes requests for the CodeWhisperer-hosted Claude family.
// The wire schema is a conversationState tree: alternating user/assistant
// history entries plus a currentMessage, with tools and tool results hanging
// off the user-side message context.
type kiroAdapter struct {
	signatures *SignatureCache
}

func newKiroAdapter(signatures *SignatureCache) *kiroAdapter {
	return &kiroAdapter{signatures: signatures}
}

func (a *kiroAdapter) Provider() string { return models.ProviderKiro }

// Payload DTOs. Field names follow the upstream schema.

type kiroPayload struct {
	ProfileARN        string                `json:"profileArn,omitempty"`
	ConversationState kiroConversationState `json:"conversationState"`
}

type kiroConversationState struct {
	ChatTriggerType string            `json:"chatTriggerType"`
	ConversationID  string            `json:"conversationId"`
	CurrentMessage  kiroHistoryEntry  `json:"currentMessage"`
	History         []kiroHistoryEntry `json:"history,omitempty"`
}

type kiroHistoryEntry struct {
	UserInputMessage         *kiroUserMessage      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroUserMessage struct {
	Content string           `json:"content"`
	ModelID string           `json:"modelId,omitempty"`
	Origin  string           `json:"origin,omitempty"`
	Context *kiroUserContext `json:"userInputMessageContext,omitempty"`
}

type kiroUserContext struct {
	Tools       []kiroTool       `json:"tools,omitempty"`
	ToolResults []kiroToolResult `json:"toolResults,omitempty"`
}

type kiroTool struct {
	ToolSpecification kiroToolSpec `json:"toolSpecification"`
}

type kiroToolSpec struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema kiroToolInputSchema `json:"inputSchema"`
}

type kiroToolInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type kiroToolResult struct {
	ToolUseID string            `json:"toolUseId"`
	Content   []kiroTextContent `json:"content"`
	Status    string            `json:"status"`
}

type kiroTextContent struct {
	Text string `json:"text"`
}

type kiroAssistantMessage struct {
	Content  string        `json:"content"`
	ToolUses []kiroToolUse `json:"toolUses,omitempty"`
}

type kiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func (a *kiroAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	msgs := models.MergeAdjacentSameRole(in.Request.Messages)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("kiro: empty message list")
	}

	entries := make([]kiroHistoryEntry, 0, len(msgs)+1)
	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			entries = append(entries, kiroHistoryEntry{
				AssistantResponseMessage: a.buildAssistantMessage(ctx, msg),
			})
		default:
			user := a.buildUserMessage(msg, in.Model)
			if i == 0 && in.Request.System != "" {
				// The upstream has no system slot; the prompt rides at the
				// head of the first user turn.
				user.Content = string(in.Request.System) + "\n\n" + user.Content
			}
			entries = append(entries, kiroHistoryEntry{UserInputMessage: user})
		}
	}
	// currentMessage must be user-side; a trailing assistant turn gets a
	// continuation prompt appended.
	if entries[len(entries)-1].UserInputMessage == nil {
		entries = append(entries, kiroHistoryEntry{
			UserInputMessage: &kiroUserMessage{Content: "Continue.", ModelID: in.Model, Origin: "AI_EDITOR"},
		})
	}

	current := entries[len(entries)-1]
	if len(in.Request.Tools) > 0 {
		if current.UserInputMessage.Context == nil {
			current.UserInputMessage.Context = &kiroUserContext{}
		}
		current.UserInputMessage.Context.Tools = buildKiroTools(in.Request.Tools)
	}

	payload := kiroPayload{
		ProfileARN: cred.ProfileARN,
		ConversationState: kiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			CurrentMessage:  current,
			History:         entries[:len(entries)-1],
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kiro: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+in.AccessToken)
	header.Set("Content-Type", "application/x-amz-json-1.0")
	header.Set("amz-sdk-invocation-id", uuid.NewString())

	return &Request{
		Provider: models.ProviderKiro,
		URL:      fmt.Sprintf(kiroEndpointTemplate, regionOrDefault(cred.Region)),
		Header:   header,
		Body:     body,
		Format:   translator.FormatEventStream,
	}, nil
}

func (a *kiroAdapter) buildUserMessage(msg models.Message, modelID string) *kiroUserMessage {
	user := &kiroUserMessage{
		Content: msg.PlainText(),
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}
	var results []kiroToolResult
	for _, block := range msg.Content {
		if block.Type != models.BlockToolResult {
			continue
		}
		status := "success"
		if block.IsError {
			status = "error"
		}
		results = append(results, kiroToolResult{
			ToolUseID: block.ToolUseID,
			Content:   []kiroTextContent{{Text: toolResultAsText(block.Content)}},
			Status:    status,
		})
	}
	if len(results) > 0 {
		user.Context = &kiroUserContext{ToolResults: results}
	}
	return user
}

func (a *kiroAdapter) buildAssistantMessage(ctx context.Context, msg models.Message) *kiroAssistantMessage {
	out := &kiroAssistantMessage{Content: msg.PlainText()}
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockToolUse:
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.ToolUses = append(out.ToolUses, kiroToolUse{
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     input,
			})
		case models.BlockThinking:
			if block.Thinking == "" {
				continue
			}
			sig := block.Signature
			if a.signatures != nil {
				if sig != "" {
					a.signatures.Remember(ctx, block.Thinking, sig)
				} else {
					// Clients routinely strip signatures when replaying
					// turns; the cache restores them.
					sig = a.signatures.Lookup(ctx, block.Thinking)
				}
			}
			// Only thinking with a verifiable signature is replayed.
			if sig != "" {
				out.Content = "<thinking>" + block.Thinking + "</thinking>\n" + out.Content
			}
		}
	}
	return out
}

func buildKiroTools(tools []models.Tool) []kiroTool {
	out := make([]kiroTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, kiroTool{ToolSpecification: kiroToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: kiroToolInputSchema{JSON: schema},
		}})
	}
	return out
}

func toolResultAsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []models.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == models.BlockText {
				text += b.Text
			}
		}
		return text
	}
	return string(raw)
}

func regionOrDefault(region string) string {
	if region == "" {
		return "us-east-1"
	}
	return region
}
