package upstream

import (
	"context"
	"fmt"
	"net/http"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"
)

const orchidsDefaultBaseURL = "https://api.orchids.app"

// orchidsAdapter proxies the Claude wire format to the Orchids endpoint.
type orchidsAdapter struct{}

func newOrchidsAdapter() *orchidsAdapter { return &orchidsAdapter{} }

func (a *orchidsAdapter) Provider() string { return models.ProviderOrchids }

func (a *orchidsAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	body, err := buildClaudeWireBody(in.Request, in.Model, "")
	if err != nil {
		return nil, fmt.Errorf("orchids: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+in.AccessToken)
	header.Set("anthropic-version", anthropicVersionHeader)

	return &Request{
		Provider: models.ProviderOrchids,
		URL:      baseURLOrDefault(cred.StartURL, orchidsDefaultBaseURL) + "/v1/messages",
		Header:   header,
		Body:     body,
		Format:   translator.FormatJSONLines,
	}, nil
}
