package constants

import "time"

const (
	// InboundIdleTimeout bounds how long an inbound request may sit idle.
	InboundIdleTimeout = 300 * time.Second
	// UpstreamConnectTimeout bounds the TCP+TLS dial to a provider.
	UpstreamConnectTimeout = 30 * time.Second
	// UpstreamReadTimeout bounds the gap between upstream byte chunks.
	UpstreamReadTimeout = 300 * time.Second
	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 10 * time.Second
	// ServerGracefulWait defines post-shutdown wait window for cleanup.
	ServerGracefulWait = 2 * time.Second
)

// 后台清扫周期
const (
	TokenSweepInterval    = 30 * time.Minute
	QuotaSweepInterval    = 5 * time.Minute
	LogRetentionInterval  = 24 * time.Hour
	DefaultRetentionDays  = 30
	QuotaProbeTimeout     = 15 * time.Second
	SweeperStartupDelay   = 10 * time.Second
)

// 负载均衡器配置
const (
	BalancerProbeInterval   = 30 * time.Second
	BalancerProbeTimeout    = 3 * time.Second
	BalancerStartupProbe    = 5 * time.Second
	BalancerDNSRefresh      = 60 * time.Second
	IPMappingTTL            = time.Hour
	IPMappingGCInterval     = 10 * time.Minute
)
