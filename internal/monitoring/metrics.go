package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claude_relay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status_class"},
	)

	// HTTP 并发请求数
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "claude_relay_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// 凭证相关指标
	CredentialErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_credential_errors_total",
			Help: "Total number of credential errors",
		},
		[]string{"provider", "credential", "error_kind"},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_credential_refreshes_total",
			Help: "Total number of credential token refreshes",
		},
		[]string{"provider", "auth_method", "status"},
	)

	CredentialQuarantines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_credential_quarantines_total",
			Help: "Total number of credentials moved to the error table",
		},
		[]string{"provider"},
	)

	// 上游API调用指标
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"provider", "status_class"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claude_relay_upstream_request_duration_seconds",
			Help:    "Upstream API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_upstream_errors_total",
			Help: "Total number of upstream errors by reason",
		},
		[]string{"provider", "reason"},
	)

	UpstreamRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_upstream_retry_attempts_total",
			Help: "Total number of upstream retry attempts",
		},
		[]string{"provider", "outcome"},
	)

	// 选择引擎指标
	SelectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_selection_total",
			Help: "Total number of credential selections",
		},
		[]string{"provider", "strategy"},
	)

	SelectionRelaxations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_selection_relaxations_total",
			Help: "Selections that succeeded only after relaxing filters",
		},
		[]string{"provider", "stage"},
	)

	// 上下文压缩指标
	CompressionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_compression_total",
			Help: "Total number of context compressions by level",
		},
		[]string{"provider", "level"},
	)

	// 流式传输指标
	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_sse_events_total",
			Help: "Total number of SSE events sent",
		},
		[]string{"path"},
	)

	SSEDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claude_relay_sse_disconnects_total",
			Help: "Total number of client disconnects during streaming",
		},
		[]string{"path", "reason"},
	)
)

// StatusClass buckets an HTTP status code into 2xx/4xx/5xx label values.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
