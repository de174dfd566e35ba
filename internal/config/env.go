package config

// mergeEnvVars applies environment variables on top of the loaded file
// config. Env always wins so container deployments can override everything.
func mergeEnvVars(cfg *Config) {
	setStringFromEnv("HOST", func(v string) { cfg.Host = v })
	setIntFromEnv("PORT", func(v int) { cfg.Port = v })
	setStringFromEnv("BASE_PATH", func(v string) { cfg.BasePath = v })
	setToggleFromEnv("DEBUG", func(v bool) { cfg.Debug = v })

	setStringFromEnv("LOG_LEVEL", func(v string) { cfg.LogLevel = v })
	setStringFromEnv("LOG_FORMAT", func(v string) { cfg.LogFormat = v })
	setStringFromEnv("LOG_FILE", func(v string) { cfg.LogFile = v })

	setStringFromEnv("ADMIN_API_KEY", func(v string) { cfg.AdminAPIKey = v })
	setStringFromEnv("ADMIN_API_KEY_HASH", func(v string) { cfg.AdminAPIKeyHash = v })

	setStringFromEnv("STORAGE_BACKEND", func(v string) { cfg.StorageBackend = v })

	setStringFromEnv("MYSQL_HOST", func(v string) { cfg.MySQLHost = v })
	setIntFromEnv("MYSQL_PORT", func(v int) { cfg.MySQLPort = v })
	setStringFromEnv("MYSQL_USER", func(v string) { cfg.MySQLUser = v })
	setStringFromEnv("MYSQL_PASSWORD", func(v string) { cfg.MySQLPassword = v })
	setStringFromEnv("MYSQL_DATABASE", func(v string) { cfg.MySQLDatabase = v })
	setStringFromEnv("MYSQL_TIMEZONE", func(v string) { cfg.MySQLTimezone = v })

	setStringFromEnv("POSTGRES_DSN", func(v string) { cfg.PostgresDSN = v })
	setStringFromEnv("MONGODB_URI", func(v string) { cfg.MongoDBURI = v })
	setStringFromEnv("MONGODB_DATABASE", func(v string) { cfg.MongoDatabase = v })

	setStringFromEnv("REDIS_ADDR", func(v string) { cfg.RedisAddr = v })
	setStringFromEnv("REDIS_PASSWORD", func(v string) { cfg.RedisPassword = v })
	setIntFromEnv("REDIS_DB", func(v int) { cfg.RedisDB = v })
	setStringFromEnv("REDIS_PREFIX", func(v string) { cfg.RedisPrefix = v })

	setStringFromEnv("PROXY_URL", func(v string) { cfg.ProxyURL = v })
	setIntFromEnv("REQUEST_TIMEOUT_SEC", func(v int) { cfg.RequestTimeoutSec = v })
	setToggleFromEnv("RETRY_ENABLED", func(v bool) { cfg.RetryEnabled = v })
	setIntFromEnv("RETRY_MAX", func(v int) { cfg.RetryMax = v })
	setIntFromEnv("RETRY_INTERVAL_SEC", func(v int) { cfg.RetryIntervalSec = v })

	setStringFromEnv("SELECTION_STRATEGY", func(v string) { cfg.SelectionStrategy = v })
	setStringFromEnv("DEFAULT_PROVIDER", func(v string) { cfg.DefaultProvider = v })

	setToggleFromEnv("REQUEST_LOG", func(v bool) { cfg.RequestLog = v })
	setIntFromEnv("LOG_RETENTION_DAYS", func(v int) { cfg.LogRetentionDays = v })
	setIntFromEnv("DEFAULT_CONCURRENT", func(v int) { cfg.DefaultConcurrent = v })

	setToggleFromEnv("RATE_LIMIT_ENABLED", func(v bool) { cfg.RateLimitEnabled = v })
	setIntFromEnv("RATE_LIMIT_RPS", func(v int) { cfg.RateLimitRPS = v })
	setIntFromEnv("RATE_LIMIT_BURST", func(v int) { cfg.RateLimitBurst = v })

	setToggleFromEnv("TRACING_ENABLED", func(v bool) { cfg.TracingEnabled = v })
	setStringFromEnv("OTLP_ENDPOINT", func(v string) { cfg.OTLPEndpoint = v })

	setIntFromEnv("BALANCER_PORT", func(v int) { cfg.BalancerPort = v })
	setStringFromEnv("BALANCER_TARGETS", func(v string) { cfg.BalancerTargets = splitAndTrim(v, ",") })
	setStringFromEnv("BALANCER_PROBE_PATH", func(v string) { cfg.BalancerProbePath = v })

	cfg.BasePath = normalizeBasePath(cfg.BasePath)
}
