package upstream

import (
	"context"
	"fmt"
	"net/http"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/translator"
)

// Request is a fully shaped upstream HTTP exchange: URL, headers, encoded
// body, and the stream framing the response will arrive in.
type Request struct {
	Provider string
	URL      string
	Header   http.Header
	Body     []byte
	Format   translator.StreamFormat
}

// BuildInput bundles what an adapter needs to shape one upstream call. Model
// is the already-resolved upstream model identifier; AccessToken is the
// bearer the token manager produced for the credential.
type BuildInput struct {
	Request     *models.MessagesRequest
	Model       string
	AccessToken string
}

// Adapter shapes requests for one provider: endpoint URL template, wire
// schema, auth headers, and stream framing.
type Adapter interface {
	Provider() string
	BuildRequest(ctx context.Context, cred *storage.Credential, in BuildInput) (*Request, error)
}

// Registry holds the adapter per provider tag.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry wires the full provider set. The signature cache may be nil;
// the kiro adapter then skips signature replay.
func NewRegistry(signatures *SignatureCache) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		newKiroAdapter(signatures),
		newVertexAdapter(),
		newGeminiAdapter(),
		newAnthropicAdapter(),
		newBedrockAdapter(),
		newWarpAdapter(),
		newOrchidsAdapter(),
	} {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Register installs or replaces the adapter for its provider tag.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

// For returns the adapter for a provider tag.
func (r *Registry) For(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", provider)
	}
	return a, nil
}
