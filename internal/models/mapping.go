package models

import "strings"

// Provider tags. A credential belongs to exactly one provider pool.
const (
	ProviderKiro      = "kiro"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOrchids   = "orchids"
	ProviderWarp      = "warp"
	ProviderVertex    = "vertex"
	ProviderBedrock   = "bedrock"
)

// AllProviders lists every known provider tag in registry order.
var AllProviders = []string{
	ProviderKiro, ProviderAnthropic, ProviderGemini,
	ProviderOrchids, ProviderWarp, ProviderVertex, ProviderBedrock,
}

// IsKnownProvider reports whether the tag names a configured provider.
func IsKnownProvider(p string) bool {
	for _, known := range AllProviders {
		if known == p {
			return true
		}
	}
	return false
}

// kiroModelTable maps public Claude model names to CodeWhisperer internal
// identifiers. Alias rows in the store override these built-ins.
var kiroModelTable = map[string]string{
	"claude-sonnet-4-5":            "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929":   "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":     "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-0":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219":   "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-haiku-4-5":             "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-haiku-4-5-20251001":    "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-opus-4-1":              "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-opus-4-1-20250805":     "CLAUDE_OPUS_4_1_20250805_V1_0",
}

// bedrockModelTable maps public names to Bedrock inference profile ids.
var bedrockModelTable = map[string]string{
	"claude-sonnet-4-5":          "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-5-20250929": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-20250514":   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	"claude-haiku-4-5":           "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-opus-4-1":            "us.anthropic.claude-opus-4-1-20250805-v1:0",
}

// MapModelForProvider resolves the upstream model identifier for a public
// model name. Unknown names pass through unchanged; providers speaking the
// Claude wire format natively need no mapping.
func MapModelForProvider(provider, model string) string {
	key := strings.ToLower(strings.TrimSpace(model))
	switch provider {
	case ProviderKiro:
		if mapped, ok := kiroModelTable[key]; ok {
			return mapped
		}
		// Thinking variants resolve to their base identifier.
		if base, ok := kiroModelTable[strings.TrimSuffix(key, "-thinking")]; ok {
			return base
		}
	case ProviderBedrock:
		if mapped, ok := bedrockModelTable[key]; ok {
			return mapped
		}
	}
	return model
}

// BuiltinModels is the catalogue served by GET /v1/models, merged with
// active alias rows at request time.
var BuiltinModels = []string{
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-haiku-4-5",
	"claude-opus-4-1",
}
