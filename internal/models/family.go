package models

import "strings"

// ModelFamily classifies a model name for pricing defaults and alias
// fallbacks.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyGPT     ModelFamily = "gpt"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return ModelFamilyClaude
	case strings.Contains(lower, "gemini"):
		return ModelFamilyGemini
	case strings.Contains(lower, "gpt"):
		return ModelFamilyGPT
	default:
		return ModelFamilyUnknown
	}
}

// IsThinkingModel checks if a model emits thinking/reasoning output.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	return strings.Contains(lower, "thinking") || strings.Contains(lower, "opus")
}
