package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for message delivery, channel
// lifecycle and session persistence.
type Metrics struct {
	// MessagesTotal counts send outcomes.
	// Labels: platform, status (sent|failed)
	MessagesTotal *prometheus.CounterVec

	// SendDuration measures send latency in seconds, including retries.
	// Labels: platform
	SendDuration *prometheus.HistogramVec

	// ActiveConnections tracks live connections.
	// Labels: platform
	ActiveConnections *prometheus.GaugeVec

	// ChannelStarts counts start attempts.
	// Labels: platform, result (success|error|limited|restricted)
	ChannelStarts *prometheus.CounterVec

	// ErrorsTotal counts channel errors by code.
	// Labels: platform, code
	ErrorsTotal *prometheus.CounterVec

	// SessionArchiveBytes observes archived WhatsApp session sizes.
	// Labels: kind (original|compressed)
	SessionArchiveBytes *prometheus.HistogramVec

	// SessionsCleaned counts sessions removed by the cleanup job.
	SessionsCleaned prometheus.Counter
}

// NewMetrics registers every collector with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lovelines_messages_total",
				Help: "Messages sent by platform and final status",
			},
			[]string{"platform", "status"},
		),
		SendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lovelines_send_duration_seconds",
				Help:    "Duration of message sends in seconds, retries included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform"},
		),
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lovelines_active_connections",
				Help: "Live platform connections",
			},
			[]string{"platform"},
		),
		ChannelStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lovelines_channel_starts_total",
				Help: "Channel start attempts by platform and result",
			},
			[]string{"platform", "result"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lovelines_channel_errors_total",
				Help: "Channel errors by platform and error code",
			},
			[]string{"platform", "code"},
		),
		SessionArchiveBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lovelines_session_archive_bytes",
				Help:    "Size of archived WhatsApp sessions",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
			},
			[]string{"kind"},
		),
		SessionsCleaned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lovelines_sessions_cleaned_total",
				Help: "Inactive sessions removed by the cleanup job",
			},
		),
	}
}

// RecordSend records one send outcome.
func (m *Metrics) RecordSend(platform string, err error, duration time.Duration) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.MessagesTotal.WithLabelValues(platform, status).Inc()
	m.SendDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordStart records a channel start attempt.
func (m *Metrics) RecordStart(platform, result string) {
	m.ChannelStarts.WithLabelValues(platform, result).Inc()
}

// RecordError counts an error code; empty codes are recorded as "unknown".
func (m *Metrics) RecordError(platform, code string) {
	if code == "" {
		code = "unknown"
	}
	m.ErrorsTotal.WithLabelValues(platform, code).Inc()
}

// SetActiveConnections sets the live connection gauge for platform.
func (m *Metrics) SetActiveConnections(platform string, n int) {
	m.ActiveConnections.WithLabelValues(platform).Set(float64(n))
}

// ObserveSessionArchive records the sizes of one session archive.
func (m *Metrics) ObserveSessionArchive(original, compressed int64) {
	m.SessionArchiveBytes.WithLabelValues("original").Observe(float64(original))
	m.SessionArchiveBytes.WithLabelValues("compressed").Observe(float64(compressed))
}
