package monitoring

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics provides detailed in-memory metrics for the admin surface. It
// complements the Prometheus collectors with percentile-capable aggregates.
type Metrics struct {
	mu sync.RWMutex

	// Upstream request metrics by provider
	upstreamRequests    map[string]int64
	upstreamDurations   map[string][]float64
	upstreamErrors      map[string]map[string]int64
	upstreamRetries     map[string]int64
	upstreamStatusCodes map[string]map[int]int64

	// Request metrics by endpoint
	endpointRequests  map[string]int64
	endpointDurations map[string][]float64
	endpointErrors    map[string]int64

	// Streaming metrics
	streamingRequests    int64
	streamingEvents      int64
	streamingDisconnects map[string]int64

	// Credential metrics
	credentialSelections  map[string]int64   // strategy -> count
	credentialFailures    map[string]int64   // cred_id -> failure_count
	credentialHealthScore map[string]float64 // cred_id -> score
	quarantines           map[string]int64   // provider -> count

	// Compression metrics
	compressions map[int]int64 // level -> count

	// Cache metrics
	cacheHits   int64
	cacheMisses int64

	// Token usage
	totalTokens      int64
	promptTokens     int64
	completionTokens int64

	// Storage metrics
	storageOps       map[string]map[string]*storageOpAggregate
	storageSlowOps   map[string]map[string]int64
	storagePoolStats map[string]StoragePoolStats
}

type storageOpAggregate struct {
	Count     int64
	Errors    int64
	Durations []float64
}

// StoragePoolStats captures basic pool statistics for storage backends with pooling.
type StoragePoolStats struct {
	Active int64
	Idle   int64
	Hits   int64
	Misses int64
}

// NewMetrics creates an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		upstreamRequests:      make(map[string]int64),
		upstreamDurations:     make(map[string][]float64),
		upstreamErrors:        make(map[string]map[string]int64),
		upstreamRetries:       make(map[string]int64),
		upstreamStatusCodes:   make(map[string]map[int]int64),
		endpointRequests:      make(map[string]int64),
		endpointDurations:     make(map[string][]float64),
		endpointErrors:        make(map[string]int64),
		streamingDisconnects:  make(map[string]int64),
		credentialSelections:  make(map[string]int64),
		credentialFailures:    make(map[string]int64),
		credentialHealthScore: make(map[string]float64),
		quarantines:           make(map[string]int64),
		compressions:          make(map[int]int64),
		storageOps:            make(map[string]map[string]*storageOpAggregate),
		storageSlowOps:        make(map[string]map[string]int64),
		storagePoolStats:      make(map[string]StoragePoolStats),
	}
}

// RecordUpstreamRequest records an upstream request observation.
func (m *Metrics) RecordUpstreamRequest(provider string, duration time.Duration, statusCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upstreamRequests[provider]++

	m.upstreamDurations[provider] = append(m.upstreamDurations[provider], duration.Seconds())
	if len(m.upstreamDurations[provider]) > 1000 {
		m.upstreamDurations[provider] = m.upstreamDurations[provider][500:]
	}

	if m.upstreamStatusCodes[provider] == nil {
		m.upstreamStatusCodes[provider] = make(map[int]int64)
	}
	m.upstreamStatusCodes[provider][statusCode]++

	if err != nil {
		if m.upstreamErrors[provider] == nil {
			m.upstreamErrors[provider] = make(map[string]int64)
		}
		m.upstreamErrors[provider][classifyError(err)]++
	}
}

// RecordUpstreamRetry records a retry attempt.
func (m *Metrics) RecordUpstreamRetry(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreamRetries[provider]++
}

// RecordEndpointRequest records an inbound endpoint observation.
func (m *Metrics) RecordEndpointRequest(endpoint string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endpointRequests[endpoint]++
	m.endpointDurations[endpoint] = append(m.endpointDurations[endpoint], duration.Seconds())
	if len(m.endpointDurations[endpoint]) > 1000 {
		m.endpointDurations[endpoint] = m.endpointDurations[endpoint][500:]
	}
	if err != nil {
		m.endpointErrors[endpoint]++
	}
}

// RecordStreamingRequest marks the start of a streaming response.
func (m *Metrics) RecordStreamingRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamingRequests++
}

// RecordStreamingEvent counts one emitted SSE event.
func (m *Metrics) RecordStreamingEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamingEvents++
}

// RecordStreamingDisconnect records a streaming disconnection.
func (m *Metrics) RecordStreamingDisconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamingDisconnects[reason]++
}

// RecordSelection counts one credential selection under the given strategy.
func (m *Metrics) RecordSelection(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentialSelections[strategy]++
}

// RecordCredentialFailure records a credential failure.
func (m *Metrics) RecordCredentialFailure(credID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentialFailures[credID]++
}

// UpdateCredentialHealth updates a credential health score gauge.
func (m *Metrics) UpdateCredentialHealth(credID string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentialHealthScore[credID] = score
}

// RecordQuarantine counts a credential moved to the error table.
func (m *Metrics) RecordQuarantine(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantines[provider]++
}

// RecordCompression counts one context compression at the given level.
func (m *Metrics) RecordCompression(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compressions[level]++
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// RecordTokenUsage records token usage.
func (m *Metrics) RecordTokenUsage(promptTokens, completionTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens += promptTokens
	m.completionTokens += completionTokens
	m.totalTokens += promptTokens + completionTokens
}

// RecordStorageOperation tracks a storage backend operation.
func (m *Metrics) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeBackendLabel(backend)
	if m.storageOps[key] == nil {
		m.storageOps[key] = make(map[string]*storageOpAggregate)
	}
	agg := m.storageOps[key][operation]
	if agg == nil {
		agg = &storageOpAggregate{}
		m.storageOps[key][operation] = agg
	}
	agg.Count++
	if err != nil {
		agg.Errors++
	}
	agg.Durations = append(agg.Durations, duration.Seconds())
	if len(agg.Durations) > 1000 {
		agg.Durations = agg.Durations[len(agg.Durations)/2:]
	}

	if duration >= 250*time.Millisecond {
		if m.storageSlowOps[key] == nil {
			m.storageSlowOps[key] = make(map[string]int64)
		}
		m.storageSlowOps[key][operation]++
	}
}

// UpdateStoragePoolStats captures pool metrics for a backend.
func (m *Metrics) UpdateStoragePoolStats(backend string, stats StoragePoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storagePoolStats[normalizeBackendLabel(backend)] = stats
}

// GetSnapshot returns a point-in-time view of all aggregates for the admin
// metrics endpoint.
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]interface{})

	upstream := make(map[string]interface{})
	for provider, count := range m.upstreamRequests {
		upstream[provider] = map[string]interface{}{
			"requests":     count,
			"avg_duration": calculateAverage(m.upstreamDurations[provider]),
			"p50_duration": calculatePercentile(m.upstreamDurations[provider], 0.5),
			"p95_duration": calculatePercentile(m.upstreamDurations[provider], 0.95),
			"p99_duration": calculatePercentile(m.upstreamDurations[provider], 0.99),
			"retries":      m.upstreamRetries[provider],
			"errors":       m.upstreamErrors[provider],
			"status_codes": m.upstreamStatusCodes[provider],
		}
	}
	snapshot["upstream"] = upstream

	endpoints := make(map[string]interface{})
	for endpoint, count := range m.endpointRequests {
		endpoints[endpoint] = map[string]interface{}{
			"requests":     count,
			"avg_duration": calculateAverage(m.endpointDurations[endpoint]),
			"errors":       m.endpointErrors[endpoint],
		}
	}
	snapshot["endpoints"] = endpoints

	snapshot["streaming"] = map[string]interface{}{
		"requests":    m.streamingRequests,
		"events":      m.streamingEvents,
		"disconnects": m.streamingDisconnects,
	}

	snapshot["credentials"] = map[string]interface{}{
		"selections":    m.credentialSelections,
		"failures":      m.credentialFailures,
		"health_scores": m.credentialHealthScore,
		"quarantines":   m.quarantines,
	}

	snapshot["compression"] = m.compressions

	snapshot["cache"] = map[string]interface{}{
		"hits":     m.cacheHits,
		"misses":   m.cacheMisses,
		"hit_rate": calculateCacheHitRate(m.cacheHits, m.cacheMisses),
	}

	snapshot["tokens"] = map[string]interface{}{
		"total":      m.totalTokens,
		"prompt":     m.promptTokens,
		"completion": m.completionTokens,
	}

	storageOps := make(map[string]map[string]interface{})
	for backend, opMap := range m.storageOps {
		backendMap := make(map[string]interface{}, len(opMap))
		for operation, agg := range opMap {
			backendMap[operation] = map[string]interface{}{
				"count":        agg.Count,
				"errors":       agg.Errors,
				"avg_duration": calculateAverage(agg.Durations),
			}
		}
		storageOps[backend] = backendMap
	}
	slowOps := make(map[string]map[string]int64, len(m.storageSlowOps))
	for backend, opMap := range m.storageSlowOps {
		backendMap := make(map[string]int64, len(opMap))
		for operation, count := range opMap {
			backendMap[operation] = count
		}
		slowOps[backend] = backendMap
	}
	poolStats := make(map[string]StoragePoolStats, len(m.storagePoolStats))
	for backend, stats := range m.storagePoolStats {
		poolStats[backend] = stats
	}
	snapshot["storage"] = map[string]interface{}{
		"operations": storageOps,
		"slow":       slowOps,
		"pool":       poolStats,
	}

	return snapshot
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "429"):
		return "rate_limit"
	case strings.Contains(errStr, "500"), strings.Contains(errStr, "502"), strings.Contains(errStr, "503"):
		return "server_error"
	case strings.Contains(errStr, "401"), strings.Contains(errStr, "403"):
		return "auth_error"
	default:
		return "other"
	}
}

func calculateAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculatePercentile computes the nearest-rank percentile on a sorted copy
// of the input slice. percentile is expressed in [0,1].
func calculatePercentile(values []float64, percentile float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	if percentile < 0 {
		percentile = 0
	}
	if percentile > 1 {
		percentile = 1
	}
	cp := make([]float64, n)
	copy(cp, values)
	sort.Float64s(cp)

	if percentile == 0 {
		return cp[0]
	}
	rank := int(math.Ceil(percentile * float64(n)))
	if rank < 1 {
		rank = 1
	} else if rank > n {
		rank = n
	}
	return cp[rank-1]
}

func calculateCacheHitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func normalizeBackendLabel(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return "unknown"
	}
	return label
}
