package constants

import "time"

// 缓存相关常量
const (
	// SettingsCacheTTL controls how long runtime settings are served from
	// memory before the store is consulted again.
	SettingsCacheTTL = 60 * time.Second

	// PoolCacheTTL bounds the in-process credential pool snapshot.
	PoolCacheTTL = 30 * time.Second

	// ThinkingSignatureTTL bounds cached reasoning-trace signatures.
	ThinkingSignatureTTL = 2 * time.Hour
	// ThinkingSignatureMinLength filters out fragments too short to be a
	// real signature.
	ThinkingSignatureMinLength = 50

	// ModelAliasCacheTTL bounds the alias resolution cache.
	ModelAliasCacheTTL = 5 * time.Minute
)
