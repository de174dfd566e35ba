package config

import "claude-relay-go/internal/constants"

func defaultConfig() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8080,
		BasePath: "",

		LogLevel:  "info",
		LogFormat: "text",

		StorageBackend: "auto",
		MySQLPort:      3306,
		MongoDatabase:  "claude_relay",
		RedisPrefix:    "relay:",

		RequestTimeoutSec: int(constants.UpstreamReadTimeout.Seconds()),
		RetryEnabled:      true,
		RetryMax:          constants.DefaultMaxRetries,
		RetryIntervalSec:  int(constants.DefaultRetryInterval.Seconds()),

		SelectionStrategy: constants.StrategyHybrid,
		DefaultProvider:   "kiro",

		RequestLog:        true,
		LogRetentionDays:  constants.DefaultRetentionDays,
		DefaultConcurrent: 0,

		RateLimitEnabled: false,
		RateLimitRPS:     10,
		RateLimitBurst:   20,

		BalancerPort:      8081,
		BalancerProbePath: "/health",
	}
}
