package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the tab capture service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsStopped  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	StopDedupeHits   prometheus.Counter
	HostRecreations  prometheus.Counter
	StartSendRetries prometheus.Counter

	// Acquisition metrics
	AcquireRetries prometheus.Counter

	// Capture metrics
	ChunksReceived    prometheus.Counter
	SegmentsFinalized prometheus.Counter
	SegmentSize       prometheus.Histogram
	CeilingHits       prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_sessions_stopped_total",
			Help: "Total number of capture sessions stopped",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcapture_sessions_failed_total",
			Help: "Total number of capture sessions that failed, by error class",
		}, []string{"class"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tabcapture_active_sessions",
			Help: "Number of capture sessions currently recording",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabcapture_session_duration_seconds",
			Help:    "Duration of completed capture sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		StopDedupeHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_stop_dedupe_hits_total",
			Help: "Stop requests answered from the last stopped record",
		}),
		HostRecreations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_host_recreations_total",
			Help: "Total number of recorder hosts created",
		}),
		StartSendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_start_send_retries_total",
			Help: "Retries of the capture start request to the recorder host",
		}),

		AcquireRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_acquire_retries_total",
			Help: "Retries of stream acquisition after a transient failure",
		}),

		// Capture metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_chunks_received_total",
			Help: "Encoded chunks received from the encoder",
		}),
		SegmentsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_segments_finalized_total",
			Help: "Segments finalized by the recorder host",
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabcapture_segment_size_bytes",
			Help:    "Size of finalized segments in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to ~32MB
		}),
		CeilingHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_size_ceiling_hits_total",
			Help: "Sessions auto-finalized at the size ceiling",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabcapture_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tabcapture_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcapture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabcapture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcapture_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted records a session entering Recording
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Set(1)
}

// RecordSessionStopped records a completed stop and its duration
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsStopped.Inc()
	m.ActiveSessions.Set(0)
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a failed start or an aborted session
func (m *Metrics) RecordSessionFailed(class string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(class).Inc()
	m.ActiveSessions.Set(0)
}

// RecordStopDedupe records a stop answered from cache
func (m *Metrics) RecordStopDedupe() {
	if m == nil {
		return
	}
	m.StopDedupeHits.Inc()
}

// RecordHostCreated records a new recorder host
func (m *Metrics) RecordHostCreated() {
	if m == nil {
		return
	}
	m.HostRecreations.Inc()
}

// RecordStartSendRetry records a retried capture start request
func (m *Metrics) RecordStartSendRetry() {
	if m == nil {
		return
	}
	m.StartSendRetries.Inc()
}

// RecordAcquireRetry records a retried stream acquisition
func (m *Metrics) RecordAcquireRetry() {
	if m == nil {
		return
	}
	m.AcquireRetries.Inc()
}

// RecordChunk records an encoded chunk
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// RecordSegment records a finalized segment
func (m *Metrics) RecordSegment(sizeBytes int64) {
	if m == nil {
		return
	}
	m.SegmentsFinalized.Inc()
	m.SegmentSize.Observe(float64(sizeBytes))
}

// RecordCeilingHit records a size ceiling auto-finalize
func (m *Metrics) RecordCeilingHit() {
	if m == nil {
		return
	}
	m.CeilingHits.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
