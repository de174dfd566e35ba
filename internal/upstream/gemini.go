package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/translator"
)

const geminiEndpointTemplate = "https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?alt=sse"

// geminiAdapter converts Claude-style requests to the Gemini generateContent
// schema. API-key credentials authenticate via x-goog-api-key; OAuth
// credentials send a bearer token.
type geminiAdapter struct{}

func newGeminiAdapter() *geminiAdapter { return &geminiAdapter{} }

func (a *geminiAdapter) Provider() string { return models.ProviderGemini }

func (a *geminiAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	body, err := json.Marshal(buildGeminiPayload(in.Request))
	if err != nil {
		return nil, fmt.Errorf("gemini: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if cred.AuthMethod == token.MethodAPIKey {
		header.Set("x-goog-api-key", in.AccessToken)
	} else {
		header.Set("Authorization", "Bearer "+in.AccessToken)
	}

	return &Request{
		Provider: models.ProviderGemini,
		URL:      fmt.Sprintf(geminiEndpointTemplate, in.Model),
		Header:   header,
		Body:     body,
		Format:   translator.FormatSSEJSON,
	}, nil
}

// Gemini wire DTOs, shared with the vertex adapter.

type geminiPayload struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// buildGeminiPayload translates the inbound Claude shape to Gemini's:
// assistant becomes "model", tool results become functionResponse parts,
// and the system prompt moves to systemInstruction.
func buildGeminiPayload(req *models.MessagesRequest) geminiPayload {
	payload := geminiPayload{}

	if req.System != "" {
		payload.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: string(req.System)}},
		}
	}

	// Tool names keyed by use ID so functionResponse parts can name the
	// function they answer.
	toolNames := make(map[string]string)

	for _, msg := range models.MergeAdjacentSameRole(req.Messages) {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					parts = append(parts, geminiPart{Text: block.Text})
				}
			case models.BlockToolUse:
				toolNames[block.ID] = block.Name
				args := block.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: block.Name,
					Args: args,
				}})
			case models.BlockToolResult:
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResp{
					Name:     toolNames[block.ToolUseID],
					Response: wrapFunctionResponse(block.Content),
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		payload.Contents = append(payload.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		payload.Tools = []geminiToolGroup{{FunctionDeclarations: decls}}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = constants.DefaultMaxTokens
	}
	if maxTokens > constants.MaxOutputTokens {
		maxTokens = constants.MaxOutputTokens
	}
	payload.GenerationConfig = &geminiGenConfig{
		MaxOutputTokens: maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSequences,
	}
	return payload
}

// wrapFunctionResponse shapes a tool result as the JSON object Gemini
// expects. Raw objects pass through; anything else is wrapped under an
// "output" key as text.
func wrapFunctionResponse(raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 && raw[0] == '{' {
		return raw
	}
	wrapped, err := json.Marshal(map[string]string{"output": toolResultAsText(raw)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}
