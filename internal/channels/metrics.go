package channels

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// Metrics tracks outbound delivery counts, error codes and send latency for
// one platform.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesFailed   atomic.Uint64
	messagesReceived atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	sendLatency *LatencyHistogram

	channelsStarted   atomic.Uint64
	channelsStopped   atomic.Uint64
	reconnectAttempts atomic.Uint64

	platform  models.Platform
	startTime time.Time
}

// NewMetrics creates a new Metrics instance for platform.
func NewMetrics(platform models.Platform) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		sendLatency:  NewLatencyHistogram(),
		platform:     platform,
		startTime:    time.Now(),
	}
}

// RecordSent counts a delivered message and its latency.
func (m *Metrics) RecordSent(latency time.Duration) {
	m.messagesSent.Add(1)
	m.sendLatency.Record(latency)
}

// RecordFailed counts a message that exhausted its retries. Channel errors
// are also counted by code; other errors are counted as SEND_FAILED.
func (m *Metrics) RecordFailed(latency time.Duration, err error) {
	m.messagesFailed.Add(1)
	m.sendLatency.Record(latency)

	code := GetErrorCode(err)
	if code == "" {
		code = ErrCodeSendFailed
	}
	m.RecordError(code)
}

// RecordReceived increments the inbound message counter.
func (m *Metrics) RecordReceived() {
	m.messagesReceived.Add(1)
}

// RecordError increments the error counter for a specific error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, exists := m.errorsByCode[code]
	if !exists {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()

	counter.Add(1)
}

// RecordChannelStarted increments the started channels counter.
func (m *Metrics) RecordChannelStarted() {
	m.channelsStarted.Add(1)
}

// RecordChannelStopped increments the stopped channels counter.
func (m *Metrics) RecordChannelStopped() {
	m.channelsStopped.Add(1)
}

// RecordReconnectAttempt increments the reconnect attempts counter.
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Add(1)
}

// Snapshot returns a point-in-time view of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errors := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errors[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		Platform:          m.platform,
		MessagesSent:      m.messagesSent.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		ErrorsByCode:      errors,
		SendLatency:       m.sendLatency.Snapshot(),
		ChannelsStarted:   m.channelsStarted.Load(),
		ChannelsStopped:   m.channelsStopped.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	Platform          models.Platform      `json:"platform"`
	MessagesSent      uint64               `json:"messages_sent"`
	MessagesFailed    uint64               `json:"messages_failed"`
	MessagesReceived  uint64               `json:"messages_received"`
	ErrorsByCode      map[ErrorCode]uint64 `json:"errors_by_code,omitempty"`
	SendLatency       LatencySnapshot      `json:"send_latency"`
	ChannelsStarted   uint64               `json:"channels_started"`
	ChannelsStopped   uint64               `json:"channels_stopped"`
	ReconnectAttempts uint64               `json:"reconnect_attempts"`
	Uptime            time.Duration        `json:"uptime"`
}

// SuccessRate returns sent / (sent + failed), or 1 when nothing was sent.
func (s MetricsSnapshot) SuccessRate() float64 {
	total := s.MessagesSent + s.MessagesFailed
	if total == 0 {
		return 1
	}
	return float64(s.MessagesSent) / float64(total)
}

// MetricsSet holds one Metrics per platform.
type MetricsSet struct {
	byPlatform map[models.Platform]*Metrics
}

// NewMetricsSet creates Metrics for every supported platform.
func NewMetricsSet() *MetricsSet {
	set := &MetricsSet{byPlatform: make(map[models.Platform]*Metrics)}
	for _, p := range models.AllPlatforms() {
		set.byPlatform[p] = NewMetrics(p)
	}
	return set
}

// For returns the metrics for platform, or nil if the platform is unknown.
func (s *MetricsSet) For(platform models.Platform) *Metrics {
	return s.byPlatform[platform]
}

// Snapshot returns a snapshot per platform.
func (s *MetricsSet) Snapshot() map[models.Platform]MetricsSnapshot {
	out := make(map[models.Platform]MetricsSnapshot, len(s.byPlatform))
	for p, m := range s.byPlatform {
		out[p] = m.Snapshot()
	}
	return out
}

// LatencyHistogram tracks latency measurements using a simple bucketing approach.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
	max     int
}

// NewLatencyHistogram creates a new latency histogram.
// It keeps the last 500 samples for percentile calculation.
func NewLatencyHistogram() *LatencyHistogram {
	const defaultMaxSamples = 500
	return &LatencyHistogram{
		samples: make([]time.Duration, defaultMaxSamples),
		max:     defaultMaxSamples,
	}
}

// Record adds a latency sample to the histogram.
func (h *LatencyHistogram) Record(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.max == 0 {
		return
	}

	h.samples[h.head] = duration
	h.head = (h.head + 1) % h.max
	if h.count < h.max {
		h.count++
	}
}

// Snapshot returns a snapshot of latency statistics.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return LatencySnapshot{}
	}

	// Create a sorted copy for percentile calculation
	sorted := make([]time.Duration, h.count)
	if h.count < h.max {
		copy(sorted, h.samples[:h.count])
	} else {
		for i := 0; i < h.count; i++ {
			idx := (h.head + i) % h.max
			sorted[i] = h.samples[idx]
		}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Calculate statistics
	var sum time.Duration
	min := sorted[0]
	max := sorted[len(sorted)-1]

	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   min,
		Max:   max,
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
	}
}

// LatencySnapshot represents latency statistics.
type LatencySnapshot struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
}
