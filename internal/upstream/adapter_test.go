package upstream

import (
	"context"
	"encoding/json"
	"testing"

	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/translator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func userText(text string) models.Message {
	return models.Message{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: text}}}
}

func assistantText(text string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockText, Text: text}}}
}

func TestKiroConversationState(t *testing.T) {
	a := newKiroAdapter(nil)
	cred := &storage.Credential{ID: "c1", Region: "eu-west-1", ProfileARN: "arn:aws:codewhisperer:profile/x"}
	req, err := a.BuildRequest(context.Background(), cred, BuildInput{
		Request: &models.MessagesRequest{
			System: "be terse",
			Messages: []models.Message{
				userText("first question"),
				assistantText("first answer"),
				userText("second question"),
			},
		},
		Model:       "CLAUDE_SONNET_4_5_20250929_V1_0",
		AccessToken: "tok",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com/generateAssistantResponse", req.URL)
	assert.Equal(t, translator.FormatEventStream, req.Format)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "application/x-amz-json-1.0", req.Header.Get("Content-Type"))

	body := string(req.Body)
	assert.Equal(t, "arn:aws:codewhisperer:profile/x", gjson.Get(body, "profileArn").String())
	assert.Equal(t, "MANUAL", gjson.Get(body, "conversationState.chatTriggerType").String())
	assert.NotEmpty(t, gjson.Get(body, "conversationState.conversationId").String())

	history := gjson.Get(body, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "be terse\n\nfirst question",
		history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "first answer",
		history[1].Get("assistantResponseMessage.content").String())

	current := gjson.Get(body, "conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "second question", current.Get("content").String())
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", current.Get("modelId").String())
}

func TestKiroToolsAndResults(t *testing.T) {
	a := newKiroAdapter(nil)
	req, err := a.BuildRequest(context.Background(), &storage.Credential{ID: "c1"}, BuildInput{
		Request: &models.MessagesRequest{
			Messages: []models.Message{
				userText("look this up"),
				{Role: models.RoleAssistant, Content: []models.ContentBlock{
					{Type: models.BlockToolUse, ID: "tool_1", Name: "search", Input: json.RawMessage(`{"q":"cats"}`)},
				}},
				{Role: models.RoleUser, Content: []models.ContentBlock{
					{Type: models.BlockToolResult, ToolUseID: "tool_1", Content: json.RawMessage(`"found 3 cats"`), IsError: false},
				}},
			},
			Tools: []models.Tool{{Name: "search", Description: "web search", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		},
		Model:       "m",
		AccessToken: "tok",
	})
	require.NoError(t, err)

	body := string(req.Body)
	use := gjson.Get(body, "conversationState.history.1.assistantResponseMessage.toolUses.0")
	assert.Equal(t, "tool_1", use.Get("toolUseId").String())
	assert.Equal(t, "search", use.Get("name").String())
	assert.Equal(t, "cats", use.Get("input.q").String())

	current := gjson.Get(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext")
	result := current.Get("toolResults.0")
	assert.Equal(t, "tool_1", result.Get("toolUseId").String())
	assert.Equal(t, "found 3 cats", result.Get("content.0.text").String())
	assert.Equal(t, "success", result.Get("status").String())
	assert.Equal(t, "search", current.Get("tools.0.toolSpecification.name").String())
}

func TestKiroTrailingAssistantGetsContinuation(t *testing.T) {
	a := newKiroAdapter(nil)
	req, err := a.BuildRequest(context.Background(), &storage.Credential{ID: "c1"}, BuildInput{
		Request: &models.MessagesRequest{Messages: []models.Message{
			userText("q"),
			assistantText("partial answer"),
		}},
		Model:       "m",
		AccessToken: "tok",
	})
	require.NoError(t, err)

	body := string(req.Body)
	assert.Equal(t, "Continue.",
		gjson.Get(body, "conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, int64(2), gjson.Get(body, "conversationState.history.#").Int())
}

func TestGeminiPayloadConversion(t *testing.T) {
	a := newGeminiAdapter()
	temp := 0.4
	req, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "g1", AuthMethod: token.MethodAPIKey},
		BuildInput{
			Request: &models.MessagesRequest{
				System:      "stay factual",
				MaxTokens:   512,
				Temperature: &temp,
				Messages: []models.Message{
					userText("hello"),
					{Role: models.RoleAssistant, Content: []models.ContentBlock{
						{Type: models.BlockToolUse, ID: "fc1", Name: "lookup", Input: json.RawMessage(`{"id":7}`)},
					}},
					{Role: models.RoleUser, Content: []models.ContentBlock{
						{Type: models.BlockToolResult, ToolUseID: "fc1", Content: json.RawMessage(`"row seven"`)},
					}},
				},
				Tools: []models.Tool{{Name: "lookup", InputSchema: json.RawMessage(`{"type":"object"}`)}},
			},
			Model:       "gemini-2.0-flash",
			AccessToken: "api-key-1",
		})
	require.NoError(t, err)

	assert.Contains(t, req.URL, "models/gemini-2.0-flash:streamGenerateContent?alt=sse")
	assert.Equal(t, translator.FormatSSEJSON, req.Format)
	assert.Equal(t, "api-key-1", req.Header.Get("x-goog-api-key"))
	assert.Empty(t, req.Header.Get("Authorization"))

	body := string(req.Body)
	assert.Equal(t, "stay factual", gjson.Get(body, "systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", gjson.Get(body, "contents.0.role").String())
	assert.Equal(t, "model", gjson.Get(body, "contents.1.role").String())
	assert.Equal(t, "lookup", gjson.Get(body, "contents.1.parts.0.functionCall.name").String())
	assert.Equal(t, "lookup", gjson.Get(body, "contents.2.parts.0.functionResponse.name").String())
	assert.Equal(t, "row seven", gjson.Get(body, "contents.2.parts.0.functionResponse.response.output").String())
	assert.Equal(t, "lookup", gjson.Get(body, "tools.0.functionDeclarations.0.name").String())
	assert.Equal(t, int64(512), gjson.Get(body, "generationConfig.maxOutputTokens").Int())
	assert.InDelta(t, 0.4, gjson.Get(body, "generationConfig.temperature").Float(), 1e-9)
}

func TestGeminiOAuthUsesBearer(t *testing.T) {
	a := newGeminiAdapter()
	req, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "g2", AuthMethod: token.MethodGoogle},
		BuildInput{
			Request:     &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
			Model:       "gemini-2.0-flash",
			AccessToken: "ya29.token",
		})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ya29.token", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("x-goog-api-key"))
}

func TestVertexRoutesByModelFamily(t *testing.T) {
	a := newVertexAdapter()
	cred := &storage.Credential{ID: "v1", ProjectID: "proj-1", Region: "us-east5"}
	in := BuildInput{
		Request:     &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
		AccessToken: "jwt-token",
	}

	in.Model = "claude-sonnet-4-5@20250929"
	claudeReq, err := a.BuildRequest(context.Background(), cred, in)
	require.NoError(t, err)
	assert.Contains(t, claudeReq.URL, "publishers/anthropic/models/claude-sonnet-4-5@20250929:streamRawPredict")
	assert.Contains(t, claudeReq.URL, "projects/proj-1/locations/us-east5")
	assert.Equal(t, translator.FormatEventStream, claudeReq.Format)
	assert.Equal(t, "vertex-2023-10-16", gjson.GetBytes(claudeReq.Body, "anthropic_version").String())
	assert.True(t, gjson.GetBytes(claudeReq.Body, "stream").Bool())

	in.Model = "gemini-2.5-pro"
	geminiReq, err := a.BuildRequest(context.Background(), cred, in)
	require.NoError(t, err)
	assert.Contains(t, geminiReq.URL, "publishers/google/models/gemini-2.5-pro:streamGenerateContent")
	assert.Equal(t, translator.FormatSSEJSON, geminiReq.Format)
}

func TestVertexRequiresProject(t *testing.T) {
	a := newVertexAdapter()
	_, err := a.BuildRequest(context.Background(), &storage.Credential{ID: "v2"}, BuildInput{
		Request: &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
		Model:   "claude-sonnet-4-5",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project")
}

func TestAnthropicAuthVariants(t *testing.T) {
	a := newAnthropicAdapter()
	in := BuildInput{
		Request:     &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
		Model:       "claude-sonnet-4-5",
		AccessToken: "secret",
	}

	apiKeyReq, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "a1", AuthMethod: token.MethodAPIKey}, in)
	require.NoError(t, err)
	assert.Equal(t, "secret", apiKeyReq.Header.Get("x-api-key"))
	assert.Empty(t, apiKeyReq.Header.Get("anthropic-beta"))
	assert.Equal(t, "2023-06-01", apiKeyReq.Header.Get("anthropic-version"))
	assert.Equal(t, translator.FormatJSONLines, apiKeyReq.Format)
	assert.Equal(t, "claude-sonnet-4-5", gjson.GetBytes(apiKeyReq.Body, "model").String())

	oauthReq, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "a2", AuthMethod: token.MethodOAuth}, in)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", oauthReq.Header.Get("Authorization"))
	assert.Equal(t, "oauth-2025-04-20", oauthReq.Header.Get("anthropic-beta"))
}

func TestBedrockRequest(t *testing.T) {
	a := newBedrockAdapter()
	req, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "b1", Region: "us-west-2"},
		BuildInput{
			Request:     &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
			Model:       "anthropic.claude-sonnet-4-5-20250929-v1:0",
			AccessToken: "bedrock-key",
		})
	require.NoError(t, err)

	assert.Contains(t, req.URL, "bedrock-runtime.us-west-2.amazonaws.com/model/")
	assert.Contains(t, req.URL, "/invoke-with-response-stream")
	assert.Equal(t, "bedrock-2023-05-31", gjson.GetBytes(req.Body, "anthropic_version").String())
	assert.False(t, gjson.GetBytes(req.Body, "model").Exists())
	assert.Equal(t, translator.FormatJSONLines, req.Format)
}

func TestDefaultMaxTokensApplied(t *testing.T) {
	a := newAnthropicAdapter()
	req, err := a.BuildRequest(context.Background(),
		&storage.Credential{ID: "a1", AuthMethod: token.MethodAPIKey},
		BuildInput{
			Request:     &models.MessagesRequest{Messages: []models.Message{userText("hi")}},
			Model:       "claude-sonnet-4-5",
			AccessToken: "k",
		})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), gjson.GetBytes(req.Body, "max_tokens").Int())
}

func TestRegistryCoversAllProviders(t *testing.T) {
	r := NewRegistry(nil)
	for _, provider := range models.AllProviders {
		a, err := r.For(provider)
		require.NoError(t, err, provider)
		assert.Equal(t, provider, a.Provider())
	}
	_, err := r.For("nope")
	assert.Error(t, err)
}

func TestModelResolverAliasPrecedence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.UpsertModelAlias(ctx, &storage.ModelAlias{
		Alias: "fast", Provider: models.ProviderGemini, TargetModel: "gemini-2.0-flash", Priority: 10, Active: true,
	}))
	require.NoError(t, store.UpsertModelAlias(ctx, &storage.ModelAlias{
		Alias: "fast", Provider: models.ProviderKiro, TargetModel: "CLAUDE_3_7_SONNET_20250219_V1_0", Priority: 1, Active: true,
	}))

	r := NewModelResolver(store)
	res := r.Resolve(ctx, "fast", true, models.ProviderKiro)
	assert.True(t, res.Aliased)
	assert.Equal(t, models.ProviderGemini, res.Provider)
	assert.Equal(t, "gemini-2.0-flash", res.Model)

	// Aliases disabled: fall through to the default provider mapping.
	res = r.Resolve(ctx, "fast", false, models.ProviderAnthropic)
	assert.False(t, res.Aliased)
	assert.Equal(t, models.ProviderAnthropic, res.Provider)
}

func TestModelResolverFallback(t *testing.T) {
	r := NewModelResolver(storage.NewMemoryBackend())
	res := r.Resolve(context.Background(), "claude-sonnet-4-5", true, "")
	assert.Equal(t, models.ProviderKiro, res.Provider)
	assert.NotEmpty(t, res.Model)
}

// testThinkingSignature is shaped like the opaque base64 blobs upstreams
// attach to thinking blocks, long enough to pass the junk filter.
const testThinkingSignature = "EqQBCkgIBBgCIkDOdLEnNpZ25hdHVyZS1ibG9iLXRlc3QtZml4dHVyZQ=="

func TestSignatureCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewSignatureCache(storage.NewMemoryBackend())

	assert.Empty(t, c.Lookup(ctx, "some reasoning"))
	c.Remember(ctx, "some reasoning", testThinkingSignature)
	assert.Equal(t, testThinkingSignature, c.Lookup(ctx, "some reasoning"))
	assert.Empty(t, c.Lookup(ctx, "other reasoning"))

	// Empty or too-short fragments are not signatures and are ignored.
	c.Remember(ctx, "", testThinkingSignature)
	c.Remember(ctx, "text", "")
	c.Remember(ctx, "text", "sig-abc")
	assert.Empty(t, c.Lookup(ctx, "text"))
}

func TestKiroThinkingReplayRestoresSignature(t *testing.T) {
	ctx := context.Background()
	a := newKiroAdapter(NewSignatureCache(storage.NewMemoryBackend()))
	cred := &storage.Credential{ID: "c1"}

	signed := models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{
		{Type: models.BlockThinking, Thinking: "step by step", Signature: testThinkingSignature},
		{Type: models.BlockText, Text: "the answer"},
	}}
	req, err := a.BuildRequest(ctx, cred, BuildInput{
		Request: &models.MessagesRequest{Messages: []models.Message{
			userText("question"), signed, userText("follow-up"),
		}},
		Model:       "CLAUDE_SONNET_4_5_20250929_V1_0",
		AccessToken: "tok",
	})
	require.NoError(t, err)
	body := string(req.Body)
	assert.Contains(t,
		gjson.Get(body, "conversationState.history.1.assistantResponseMessage.content").String(),
		"<thinking>step by step</thinking>")

	// Replay with the signature stripped: the cache vouches for the text.
	stripped := signed
	stripped.Content = []models.ContentBlock{
		{Type: models.BlockThinking, Thinking: "step by step"},
		{Type: models.BlockText, Text: "the answer"},
	}
	req, err = a.BuildRequest(ctx, cred, BuildInput{
		Request: &models.MessagesRequest{Messages: []models.Message{
			userText("question"), stripped, userText("follow-up"),
		}},
		Model:       "CLAUDE_SONNET_4_5_20250929_V1_0",
		AccessToken: "tok",
	})
	require.NoError(t, err)
	body = string(req.Body)
	assert.Contains(t,
		gjson.Get(body, "conversationState.history.1.assistantResponseMessage.content").String(),
		"<thinking>step by step</thinking>")

	// Unsigned thinking with no cache entry is dropped from the replay.
	unknown := models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{
		{Type: models.BlockThinking, Thinking: "never signed"},
		{Type: models.BlockText, Text: "plain"},
	}}
	req, err = a.BuildRequest(ctx, cred, BuildInput{
		Request: &models.MessagesRequest{Messages: []models.Message{
			userText("question"), unknown, userText("follow-up"),
		}},
		Model:       "CLAUDE_SONNET_4_5_20250929_V1_0",
		AccessToken: "tok",
	})
	require.NoError(t, err)
	body = string(req.Body)
	assert.Equal(t, "plain",
		gjson.Get(body, "conversationState.history.1.assistantResponseMessage.content").String())
}
