package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/translator"
)

const (
	vertexClaudeEndpointTemplate = "https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:streamRawPredict"
	vertexGeminiEndpointTemplate = "https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:streamGenerateContent?alt=sse"

	vertexAnthropicVersion = "vertex-2023-10-16"

	defaultVertexClaudeRegion = "us-east5"
	defaultVertexGeminiRegion = "us-central1"
)

// vertexAdapter routes to Vertex AI. Claude models go through the anthropic
// publisher's streamRawPredict; Gemini models go through the google
// publisher's streamGenerateContent. The two families stream in different
// framings, so Format is decided per request.
type vertexAdapter struct{}

func newVertexAdapter() *vertexAdapter { return &vertexAdapter{} }

func (a *vertexAdapter) Provider() string { return models.ProviderVertex }

type vertexClaudePayload struct {
	AnthropicVersion string               `json:"anthropic_version"`
	Messages         []models.Message     `json:"messages"`
	System           models.SystemPrompt  `json:"system,omitempty"`
	MaxTokens        int                  `json:"max_tokens"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	StopSequences    []string             `json:"stop_sequences,omitempty"`
	Tools            []models.Tool        `json:"tools,omitempty"`
	ToolChoice       json.RawMessage      `json:"tool_choice,omitempty"`
	Stream           bool                 `json:"stream"`
}

func (a *vertexAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	project := cred.ProjectID
	if project == "" {
		var err error
		project, err = token.ServiceAccountProject(cred.AccessSecret)
		if err != nil {
			return nil, fmt.Errorf("vertex: credential %s has no project: %w", cred.ID, err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+in.AccessToken)

	if isClaudeModel(in.Model) {
		region := cred.Region
		if region == "" {
			region = defaultVertexClaudeRegion
		}
		maxTokens := in.Request.MaxTokens
		if maxTokens <= 0 {
			maxTokens = constants.DefaultMaxTokens
		}
		body, err := json.Marshal(vertexClaudePayload{
			AnthropicVersion: vertexAnthropicVersion,
			Messages:         in.Request.Messages,
			System:           in.Request.System,
			MaxTokens:        maxTokens,
			Temperature:      in.Request.Temperature,
			TopP:             in.Request.TopP,
			StopSequences:    in.Request.StopSequences,
			Tools:            in.Request.Tools,
			ToolChoice:       in.Request.ToolChoice,
			Stream:           true,
		})
		if err != nil {
			return nil, fmt.Errorf("vertex: encode payload: %w", err)
		}
		return &Request{
			Provider: models.ProviderVertex,
			URL:      fmt.Sprintf(vertexClaudeEndpointTemplate, region, project, region, in.Model),
			Header:   header,
			Body:     body,
			Format:   translator.FormatEventStream,
		}, nil
	}

	region := cred.Region
	if region == "" {
		region = defaultVertexGeminiRegion
	}
	body, err := json.Marshal(buildGeminiPayload(in.Request))
	if err != nil {
		return nil, fmt.Errorf("vertex: encode payload: %w", err)
	}
	return &Request{
		Provider: models.ProviderVertex,
		URL:      fmt.Sprintf(vertexGeminiEndpointTemplate, region, project, region, in.Model),
		Header:   header,
		Body:     body,
		Format:   translator.FormatSSEJSON,
	}, nil
}

func isClaudeModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}
