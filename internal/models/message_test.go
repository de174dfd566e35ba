package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantRole  string
		wantTypes []string
		wantText  string
	}{
		{
			name:      "string content",
			body:      `{"role":"user","content":"hi"}`,
			wantRole:  "user",
			wantTypes: []string{BlockText},
			wantText:  "hi",
		},
		{
			name:      "block list",
			body:      `{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`,
			wantRole:  "user",
			wantTypes: []string{BlockText, BlockText},
			wantText:  "ab",
		},
		{
			name:      "tool result with string content",
			body:      `{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"42"}]}`,
			wantRole:  "user",
			wantTypes: []string{BlockToolResult},
			wantText:  "42",
		},
		{
			name:      "tool use block",
			body:      `{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"search","input":{"q":"cats"}}]}`,
			wantRole:  "assistant",
			wantTypes: []string{BlockToolUse},
			wantText:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			require.NoError(t, json.Unmarshal([]byte(tt.body), &m))
			assert.Equal(t, tt.wantRole, m.Role)
			var types []string
			for _, b := range m.Content {
				types = append(types, b.Type)
			}
			assert.Equal(t, tt.wantTypes, types)
			assert.Equal(t, tt.wantText, m.PlainText())
		})
	}
}

func TestSystemPromptUnmarshal(t *testing.T) {
	var req MessagesRequest
	body := `{"model":"claude-sonnet-4-5","system":[{"type":"text","text":"You are"},{"type":"text","text":"terse."}],"messages":[]}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, SystemPrompt("You are\nterse."), req.System)

	body = `{"model":"claude-sonnet-4-5","system":"plain","messages":[]}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, SystemPrompt("plain"), req.System)
}

func TestMergeAdjacentSameRole(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "first"}}},
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "second"}}},
		{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: "reply"}}},
		{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: "more"}}},
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "third"}}},
	}

	merged := MergeAdjacentSameRole(msgs)
	require.Len(t, merged, 3)
	assert.Equal(t, "first\nsecond", merged[0].PlainText())
	assert.Equal(t, "reply\nmore", merged[1].PlainText())
	assert.Equal(t, "third", merged[2].PlainText())
}

func TestMergeKeepsNonTextBlocks(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "look"}}},
		{Role: RoleUser, Content: []ContentBlock{
			{Type: BlockToolResult, ToolUseID: "t1", Content: json.RawMessage(`"ok"`)},
		}},
	}
	merged := MergeAdjacentSameRole(msgs)
	require.Len(t, merged, 1)
	require.Len(t, merged[0].Content, 2)
	assert.Equal(t, BlockToolResult, merged[0].Content[1].Type)
}

func TestOpenAIConversion(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role":"system","content":"be brief"},
			{"role":"user","content":"hello"},
			{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":\"x\"}"}}]},
			{"role":"tool","tool_call_id":"c1","content":"result text"}
		],
		"stream": true
	}`
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	converted, err := req.ToMessagesRequest()
	require.NoError(t, err)
	assert.Equal(t, SystemPrompt("be brief"), converted.System)
	assert.True(t, converted.Stream)
	require.Len(t, converted.Messages, 3)

	assert.Equal(t, RoleUser, converted.Messages[0].Role)
	assert.Equal(t, RoleAssistant, converted.Messages[1].Role)
	assert.Equal(t, BlockToolUse, converted.Messages[1].Content[0].Type)
	assert.Equal(t, "search", converted.Messages[1].Content[0].Name)

	assert.Equal(t, RoleUser, converted.Messages[2].Role)
	assert.Equal(t, BlockToolResult, converted.Messages[2].Content[0].Type)
	assert.Equal(t, "c1", converted.Messages[2].Content[0].ToolUseID)
}

func TestMapModelForProvider(t *testing.T) {
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", MapModelForProvider(ProviderKiro, "claude-sonnet-4-5"))
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", MapModelForProvider(ProviderKiro, "Claude-Sonnet-4-5"))
	assert.Equal(t, "us.anthropic.claude-haiku-4-5-20251001-v1:0", MapModelForProvider(ProviderBedrock, "claude-haiku-4-5"))
	// passthrough providers keep the public name
	assert.Equal(t, "claude-sonnet-4-5", MapModelForProvider(ProviderAnthropic, "claude-sonnet-4-5"))
	assert.Equal(t, "weird-model", MapModelForProvider(ProviderKiro, "weird-model"))
}
