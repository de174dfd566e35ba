package constants

import "time"

// 凭证健康分数配置
const (
	// HealthScoreInitial is the neutral baseline assigned to a credential
	// the first time it is observed.
	HealthScoreInitial = 70.0
	// HealthScoreMax caps the score after a sustained success run.
	HealthScoreMax = 100.0
	// HealthScoreMin floors the score; a credential never goes negative.
	HealthScoreMin = 0.0

	// HealthSuccessReward is added on every successful upstream call.
	HealthSuccessReward = 1.0
	// HealthFailurePenalty is subtracted on upstream failure (5xx, timeout).
	HealthFailurePenalty = 20.0
	// HealthRateLimitPenalty is subtracted when the upstream returns 429.
	HealthRateLimitPenalty = 10.0

	// HealthMinUsable is the default health filter applied during selection.
	HealthMinUsable = 50.0
)

// 令牌桶配置
const (
	TokenBucketMax            = 50.0
	TokenBucketRegenPerMinute = 6.0
	TokenBucketInitial        = 50.0
)

// 配额新鲜度配置
const (
	// QuotaFreshTTL bounds how long a fetched quota snapshot is trusted.
	QuotaFreshTTL = 5 * time.Minute
	// QuotaLowThreshold marks the band below which a credential is deprioritized.
	QuotaLowThreshold = 0.10
	// QuotaCriticalThreshold marks near-exhaustion.
	QuotaCriticalThreshold = 0.05
	// QuotaUnknownSignal is the neutral score used when no fresh quota exists.
	QuotaUnknownSignal = 0.5
)

// 混合选择权重（hybrid 策略）
const (
	SelectionHealthWeight = 2.0
	SelectionTokenWeight  = 5.0
	SelectionQuotaWeight  = 3.0
	SelectionLRUWeight    = 0.1

	// SelectionLRUWindow is the recency window; credentials idle longer than
	// this get the full recency boost.
	SelectionLRUWindow = time.Hour
)

// Selection strategies. The settings table stores one of these per provider.
const (
	StrategyHybrid     = "hybrid"
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
)

// StickyTTL bounds how long a fingerprint keeps mapping to the same credential.
const StickyTTL = 5 * time.Minute

// QuarantineThreshold is the errorCount at which a credential becomes
// ineligible for selection and may be moved to the error table.
const QuarantineThreshold = 3
