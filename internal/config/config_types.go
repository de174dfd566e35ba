package config

// Config is the process configuration, assembled from defaults, an optional
// config file, and environment variables (in that order of precedence).
type Config struct {
	// Server settings
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	BasePath string `yaml:"base_path" json:"base_path"`
	Debug    bool   `yaml:"debug" json:"debug"`

	// Logging
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
	LogFile   string `yaml:"log_file" json:"log_file"`

	// Admin surface. AdminAPIKeyHash is a bcrypt hash; when set it wins
	// over the plaintext key.
	AdminAPIKey     string `yaml:"admin_api_key" json:"admin_api_key"`
	AdminAPIKeyHash string `yaml:"admin_api_key_hash" json:"admin_api_key_hash"`

	// Storage
	StorageBackend string `yaml:"storage_backend" json:"storage_backend"`

	MySQLHost     string `yaml:"mysql_host" json:"mysql_host"`
	MySQLPort     int    `yaml:"mysql_port" json:"mysql_port"`
	MySQLUser     string `yaml:"mysql_user" json:"mysql_user"`
	MySQLPassword string `yaml:"mysql_password" json:"mysql_password"`
	MySQLDatabase string `yaml:"mysql_database" json:"mysql_database"`
	MySQLTimezone string `yaml:"mysql_timezone" json:"mysql_timezone"`

	PostgresDSN   string `yaml:"postgres_dsn" json:"postgres_dsn"`
	MongoDBURI    string `yaml:"mongodb_uri" json:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database" json:"mongodb_database"`

	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`

	// Upstream behavior
	ProxyURL          string `yaml:"proxy_url" json:"proxy_url"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	RetryEnabled      bool   `yaml:"retry_enabled" json:"retry_enabled"`
	RetryMax          int    `yaml:"retry_max" json:"retry_max"`
	RetryIntervalSec  int    `yaml:"retry_interval_sec" json:"retry_interval_sec"`

	// Selection
	SelectionStrategy string `yaml:"selection_strategy" json:"selection_strategy"`
	DefaultProvider   string `yaml:"default_provider" json:"default_provider"`

	// Request logging and retention
	RequestLog        bool `yaml:"request_log" json:"request_log"`
	LogRetentionDays  int  `yaml:"log_retention_days" json:"log_retention_days"`
	DefaultConcurrent int  `yaml:"default_concurrent" json:"default_concurrent"`

	// Rate limiting (per API key; key-specific limits override)
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Tracing
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint"`

	// Balancer (cmd/balancer only)
	BalancerPort      int      `yaml:"balancer_port" json:"balancer_port"`
	BalancerTargets   []string `yaml:"balancer_targets" json:"balancer_targets"`
	BalancerProbePath string   `yaml:"balancer_probe_path" json:"balancer_probe_path"`
}

// MySQLConfigured reports whether the MYSQL_* settings are complete enough
// to open a connection.
func (c *Config) MySQLConfigured() bool {
	return c.MySQLHost != "" && c.MySQLUser != "" && c.MySQLDatabase != ""
}
