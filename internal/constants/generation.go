package constants

const (
	// DefaultMaxTokens 是未显式指定 max_tokens 时的默认值。
	DefaultMaxTokens = 4096
	// MaxOutputTokens 是生成响应允许的最大输出 token 数。
	MaxOutputTokens = 65535
)
