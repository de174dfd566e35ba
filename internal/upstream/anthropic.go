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

const (
	anthropicMessagesURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersionHeader   = "2023-06-01"
	anthropicOAuthBetaHeader = "oauth-2025-04-20"
)

// anthropicAdapter passes the Claude-style request through to the Anthropic
// API. API-key credentials use x-api-key; OAuth credentials use a bearer
// token plus the oauth beta header.
type anthropicAdapter struct{}

func newAnthropicAdapter() *anthropicAdapter { return &anthropicAdapter{} }

func (a *anthropicAdapter) Provider() string { return models.ProviderAnthropic }

// claudeWirePayload is the outbound Claude messages body shared by the
// providers that speak the format natively.
type claudeWirePayload struct {
	Model         string              `json:"model,omitempty"`
	Messages      []models.Message    `json:"messages"`
	System        models.SystemPrompt `json:"system,omitempty"`
	MaxTokens     int                 `json:"max_tokens"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Tools         []models.Tool       `json:"tools,omitempty"`
	ToolChoice    json.RawMessage     `json:"tool_choice,omitempty"`
	Stream        bool                `json:"stream"`

	// Bedrock replaces the model field with a version marker.
	AnthropicVersion string `json:"anthropic_version,omitempty"`
}

func buildClaudeWireBody(req *models.MessagesRequest, model, anthropicVersion string) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = constants.DefaultMaxTokens
	}
	return json.Marshal(claudeWirePayload{
		Model:            model,
		Messages:         req.Messages,
		System:           req.System,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.StopSequences,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		Stream:           true,
		AnthropicVersion: anthropicVersion,
	})
}

func (a *anthropicAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	body, err := buildClaudeWireBody(in.Request, in.Model, "")
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("anthropic-version", anthropicVersionHeader)
	if cred.AuthMethod == token.MethodOAuth {
		header.Set("Authorization", "Bearer "+in.AccessToken)
		header.Set("anthropic-beta", anthropicOAuthBetaHeader)
	} else {
		header.Set("x-api-key", in.AccessToken)
	}

	return &Request{
		Provider: models.ProviderAnthropic,
		URL:      anthropicMessagesURL,
		Header:   header,
		Body:     body,
		Format:   translator.FormatJSONLines,
	}, nil
}
