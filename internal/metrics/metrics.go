// Package metrics collects request telemetry: counts, durations,
// categories and error messages. No message payload content is recorded;
// rate-limit hits are counted per client IP address.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	slidingWindowCap = 10_000
	recentErrorsCap  = 100
)

type recentError struct {
	Timestamp time.Time
	Category  string
	Message   string
}

type state struct {
	totalRequests         uint64
	streamingRequests     uint64
	nonStreamingRequests  uint64
	cancelledRequests     uint64
	timedOutRequests      uint64
	rateLimitHits         uint64

	active map[string]time.Time

	totalPromptTokens     uint64
	totalCompletionTokens uint64
	totalChunksSent       uint64

	firstTokenLatenciesMs []uint64
	requestDurationsMs    []uint64
	tokensPerSecond       []float64

	errorsByType    map[string]uint64
	requestsByModel map[string]uint64
	rateLimitByIP   map[string]uint64

	recentErrors []recentError
}

func newState() *state {
	return &state{
		active:          make(map[string]time.Time),
		errorsByType:    make(map[string]uint64),
		requestsByModel: make(map[string]uint64),
		rateLimitByIP:   make(map[string]uint64),
	}
}

// Metrics is the gateway's single metrics record, guarded by a
// reader-preferred lock: writers take the write lock, Snapshot takes
// the read lock.
type Metrics struct {
	mu        sync.RWMutex
	s         *state
	startTime time.Time
}

// New constructs an empty Metrics record.
func New() *Metrics {
	return &Metrics{s: newState(), startTime: time.Now()}
}

// StartRequest registers request-id in the active map and records
// whether it is a streaming or non-streaming request, and which model
// it targets.
func (m *Metrics) StartRequest(requestID, modelID string, streaming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.totalRequests++
	if streaming {
		m.s.streamingRequests++
	} else {
		m.s.nonStreamingRequests++
	}
	m.s.requestsByModel[modelID]++
	m.s.active[requestID] = time.Now()
}

// CompleteRequest removes request-id from the active map and records
// its total duration. Idempotent: completing an already-completed or
// unknown request-id is a no-op.
func (m *Metrics) CompleteRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.s.active[requestID]
	if !ok {
		return
	}
	delete(m.s.active, requestID)
	durationMs := uint64(time.Since(start).Milliseconds())
	m.s.requestDurationsMs = pushBounded(m.s.requestDurationsMs, durationMs, slidingWindowCap)
}

// RecordFirstTokenLatency records the wall-clock time from admission to
// the first Delta emitted to the client.
func (m *Metrics) RecordFirstTokenLatency(latencyMs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.firstTokenLatenciesMs = pushBounded(m.s.firstTokenLatenciesMs, latencyMs, slidingWindowCap)
}

// RecordChunk increments the chunks-sent counter.
func (m *Metrics) RecordChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.totalChunksSent++
}

// RecordTokens accumulates prompt/completion token counts.
func (m *Metrics) RecordTokens(promptTokens, completionTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.totalPromptTokens += uint64(promptTokens)
	m.s.totalCompletionTokens += uint64(completionTokens)
}

// RecordTokensPerSecond records one sample of generation throughput.
func (m *Metrics) RecordTokensPerSecond(tps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.tokensPerSecond = pushBoundedFloat(m.s.tokensPerSecond, tps, slidingWindowCap)
}

// RecordCancellation increments the cancelled-request counter.
func (m *Metrics) RecordCancellation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.cancelledRequests++
}

// RecordTimeout increments the timed-out-request counter.
func (m *Metrics) RecordTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.timedOutRequests++
}

// RecordRateLimitHit increments the rate-limit-hit counters, overall
// and per-IP.
func (m *Metrics) RecordRateLimitHit(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.rateLimitHits++
	m.s.rateLimitByIP[ip]++
}

// RecordError increments the per-category error counter and appends to
// the bounded recent-error ring buffer.
func (m *Metrics) RecordError(category, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.errorsByType[category]++
	m.s.recentErrors = append(m.s.recentErrors, recentError{
		Timestamp: time.Now(),
		Category:  category,
		Message:   message,
	})
	if len(m.s.recentErrors) > recentErrorsCap {
		m.s.recentErrors = m.s.recentErrors[len(m.s.recentErrors)-recentErrorsCap:]
	}
}

// ActiveCount returns the number of requests currently in the active
// map.
func (m *Metrics) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.s.active)
}

func pushBounded(samples []uint64, v uint64, cap int) []uint64 {
	samples = append(samples, v)
	if len(samples) > cap {
		samples = samples[len(samples)-cap:]
	}
	return samples
}

func pushBoundedFloat(samples []float64, v float64, cap int) []float64 {
	samples = append(samples, v)
	if len(samples) > cap {
		samples = samples[len(samples)-cap:]
	}
	return samples
}

// Snapshot is the JSON body of GET /metrics: a point-in-time consistent
// read of every recorded quantity.
type Snapshot struct {
	Timestamp     int64  `json:"timestamp"`
	UptimeSeconds uint64 `json:"uptime_seconds"`

	TotalRequests        uint64 `json:"total_requests"`
	StreamingRequests    uint64 `json:"streaming_requests"`
	NonStreamingRequests uint64 `json:"non_streaming_requests"`
	CancelledRequests    uint64 `json:"cancelled_requests"`
	TimedOutRequests     uint64 `json:"timed_out_requests"`
	RateLimitHits        uint64 `json:"rate_limit_hits"`
	ActiveRequests       int    `json:"active_requests"`
	TotalErrors          uint64 `json:"total_errors"`

	TotalPromptTokens     uint64 `json:"total_prompt_tokens"`
	TotalCompletionTokens uint64 `json:"total_completion_tokens"`
	TotalChunksSent       uint64 `json:"total_chunks_sent"`

	AvgTokensPerSecond   float64 `json:"avg_tokens_per_second"`
	P50FirstTokenMs      uint64  `json:"p50_first_token_ms"`
	P95FirstTokenMs      uint64  `json:"p95_first_token_ms"`
	P99FirstTokenMs      uint64  `json:"p99_first_token_ms"`
	P50RequestDurationMs uint64  `json:"p50_request_duration_ms"`
	P95RequestDurationMs uint64  `json:"p95_request_duration_ms"`
	P99RequestDurationMs uint64  `json:"p99_request_duration_ms"`

	ErrorsByType    map[string]uint64 `json:"errors_by_type"`
	RequestsByModel map[string]uint64 `json:"requests_by_model"`
	RateLimitByIP   map[string]uint64 `json:"rate_limit_hits_by_ip"`
}

// Snapshot computes p50/p95/p99 over the sliding windows by copying,
// sorting, and indexing at (percentile/100)*(n-1); empty windows yield
// zero percentiles.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalErrors uint64
	for _, v := range m.s.errorsByType {
		totalErrors += v
	}

	var avgTPS float64
	if n := len(m.s.tokensPerSecond); n > 0 {
		var sum float64
		for _, v := range m.s.tokensPerSecond {
			sum += v
		}
		avgTPS = sum / float64(n)
	}

	return Snapshot{
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: uint64(time.Since(m.startTime).Seconds()),

		TotalRequests:        m.s.totalRequests,
		StreamingRequests:    m.s.streamingRequests,
		NonStreamingRequests: m.s.nonStreamingRequests,
		CancelledRequests:    m.s.cancelledRequests,
		TimedOutRequests:     m.s.timedOutRequests,
		RateLimitHits:        m.s.rateLimitHits,
		ActiveRequests:       len(m.s.active),
		TotalErrors:          totalErrors,

		TotalPromptTokens:     m.s.totalPromptTokens,
		TotalCompletionTokens: m.s.totalCompletionTokens,
		TotalChunksSent:       m.s.totalChunksSent,

		AvgTokensPerSecond:   avgTPS,
		P50FirstTokenMs:      percentile(m.s.firstTokenLatenciesMs, 50),
		P95FirstTokenMs:      percentile(m.s.firstTokenLatenciesMs, 95),
		P99FirstTokenMs:      percentile(m.s.firstTokenLatenciesMs, 99),
		P50RequestDurationMs: percentile(m.s.requestDurationsMs, 50),
		P95RequestDurationMs: percentile(m.s.requestDurationsMs, 95),
		P99RequestDurationMs: percentile(m.s.requestDurationsMs, 99),

		ErrorsByType:    copyMap(m.s.errorsByType),
		RequestsByModel: copyMap(m.s.requestsByModel),
		RateLimitByIP:   copyMap(m.s.rateLimitByIP),
	}
}

func percentile(samples []uint64, p int) uint64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]uint64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
