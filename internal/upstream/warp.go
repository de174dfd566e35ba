package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"
)

const warpDefaultBaseURL = "https://app.warp.dev/ai/claude"

// warpAdapter proxies the Claude wire format to Warp's hosted endpoint. A
// credential may override the base URL via its start_url column.
type warpAdapter struct{}

func newWarpAdapter() *warpAdapter { return &warpAdapter{} }

func (a *warpAdapter) Provider() string { return models.ProviderWarp }

func (a *warpAdapter) BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error) {
	body, err := buildClaudeWireBody(in.Request, in.Model, "")
	if err != nil {
		return nil, fmt.Errorf("warp: encode payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+in.AccessToken)
	header.Set("anthropic-version", anthropicVersionHeader)

	return &Request{
		Provider: models.ProviderWarp,
		URL:      baseURLOrDefault(cred.StartURL, warpDefaultBaseURL) + "/v1/messages",
		Header:   header,
		Body:     body,
		Format:   translator.FormatJSONLines,
	}, nil
}

func baseURLOrDefault(configured, fallback string) string {
	if configured == "" {
		return fallback
	}
	return strings.TrimRight(configured, "/")
}
