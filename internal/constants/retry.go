package constants

import "time"

// 重试策略常量
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 1 * time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	RetryBackoffFactor   = 2.0

	// TokenRefreshTimeout bounds a single refresh HTTP exchange.
	TokenRefreshTimeout = 30 * time.Second
)

// 上下文压缩阶梯（ValidationException 专用）
const (
	// CompressionMaxLevel is the last rung of the ladder; past it the
	// request fails with a context-too-large error.
	CompressionMaxLevel = 3

	// keepRecent = max(CompressionKeepRecentFloor, base - step*level)
	CompressionKeepRecentBase  = 6
	CompressionKeepRecentStep  = 2
	CompressionKeepRecentFloor = 2

	// Per-message truncation: maxChars = max(floor, base - step*level).
	CompressionTruncateBase  = 2000
	CompressionTruncateStep  = 500
	CompressionTruncateFloor = 500

	// CompressionExcerptChars is the excerpt length kept for summarized
	// middle messages at level 1.
	CompressionExcerptChars = 120
)

// 错误阈值常量
const (
	MaxErrorMessageLength = 200

	// TokenExpiryThreshold triggers proactive refresh when a credential's
	// token is within this window of its expiry.
	TokenExpiryThreshold = 10 * time.Minute

	// ServiceAccountTokenMargin is the in-memory cache safety margin for
	// service-account access tokens.
	ServiceAccountTokenMargin = 60 * time.Second
)
