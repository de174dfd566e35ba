package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"
)

const (
	bedrockEndpointTemplate = "https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke-with-response-stream"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// bedrockAdapter targets the Bedrock runtime invoke-with-response-stream
// API. The body is the Claude wire format with the model moved into the URL
// and replaced by Bedrock's anthropic_version marker.
type bedrockAdapter struct{}

func newBedrockAdapter() *bedrockAdapter { return &bedrockAdapter{} }

func (a *bedrockAdapter) Provider() string { return models.ProviderBedrock }

func (a *bedrockAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	body, err := buildClaudeWireBody(in.Request, "", bedrockAnthropicVersion)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+in.AccessToken)

	return &Request{
		Provider: models.ProviderBedrock,
		URL: fmt.Sprintf(bedrockEndpointTemplate,
			regionOrDefault(cred.Region), url.PathEscape(in.Model)),
		Header: header,
		Body:   body,
		Format: translator.FormatJSONLines,
	}, nil
}
