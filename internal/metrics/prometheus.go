package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture device and the collector.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Conditioning metrics
	FramesRead  prometheus.Counter
	FramesGated prometheus.Counter
	FramePeak   prometheus.Histogram
	GateOpen    prometheus.Gauge

	// Wake and orchestration metrics
	WakeDetections   prometheus.Counter
	TriggersIgnored  prometheus.Counter
	OrchestratorMode *prometheus.GaugeVec

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SessionBytes     prometheus.Histogram

	// Streaming transport metrics
	BytesSent           prometheus.Counter
	ChunksPublished     prometheus.Counter
	PublishFailures     *prometheus.CounterVec
	PublishRetries      prometheus.Counter
	AcquisitionStalls   prometheus.Counter
	AcquisitionAttempts prometheus.Counter

	// Collector metrics
	AssembliesActive   prometheus.Gauge
	AssembliesFinished *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	BytesReceived      prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Conditioning metrics
		FramesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_frames_read_total",
			Help: "Total number of conditioned audio frames read",
		}),
		FramesGated: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_frames_gated_total",
			Help: "Total number of frames muted by the noise gate",
		}),
		FramePeak: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wakestream_frame_peak_amplitude",
			Help:    "Peak absolute amplitude of filtered frames",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64 to 32768
		}),
		GateOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "wakestream_gate_open",
			Help: "1 while the noise gate is open, 0 while closed",
		}),

		// Wake and orchestration metrics
		WakeDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_wake_detections_total",
			Help: "Total number of wake events reported by the detector",
		}),
		TriggersIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_triggers_ignored_total",
			Help: "Total number of triggers ignored because a session was already streaming",
		}),
		OrchestratorMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wakestream_orchestrator_state",
			Help: "Current orchestrator state (1 for the active state)",
		}, []string{"state"}),

		// Session metrics
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_sessions_started_total",
			Help: "Total number of streaming sessions started",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_sessions_finished_total",
			Help: "Total number of streaming sessions finished, by outcome",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wakestream_session_duration_seconds",
			Help:    "Wall-clock duration of streaming sessions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		SessionBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wakestream_session_bytes",
			Help:    "Payload bytes delivered per session",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Streaming transport metrics
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_bytes_sent_total",
			Help: "Total number of PCM bytes published",
		}),
		ChunksPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_chunks_published_total",
			Help: "Total number of data chunks published",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_publish_failures_total",
			Help: "Total number of failed publishes, by message kind",
		}, []string{"kind"}),
		PublishRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_publish_retries_total",
			Help: "Total number of data chunk publish retries",
		}),
		AcquisitionStalls: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_acquisition_stalls_total",
			Help: "Total number of sessions aborted because no audio could be acquired",
		}),
		AcquisitionAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_acquisition_empty_reads_total",
			Help: "Total number of chunk acquisition reads that returned no audio",
		}),

		// Collector metrics
		AssembliesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wakestream_collector_assemblies_active",
			Help: "Current number of sessions being reassembled",
		}),
		AssembliesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_collector_assemblies_finished_total",
			Help: "Total number of reassembled sessions, by completeness",
		}, []string{"result"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_collector_messages_dropped_total",
			Help: "Total number of inbound messages dropped, by reason",
		}, []string{"reason"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "wakestream_collector_bytes_received_total",
			Help: "Total number of PCM bytes received by the collector",
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wakestream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakestream_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrame records one conditioned frame and the resulting gate decision
func (m *Metrics) RecordFrame(passed bool, peak float64) {
	if m == nil {
		return
	}
	m.FramesRead.Inc()
	m.FramePeak.Observe(peak)
	if passed {
		m.GateOpen.Set(1)
	} else {
		m.FramesGated.Inc()
		m.GateOpen.Set(0)
	}
}

// RecordWakeDetection increments the wake detections counter
func (m *Metrics) RecordWakeDetection() {
	if m == nil {
		return
	}
	m.WakeDetections.Inc()
}

// RecordTriggerIgnored increments the ignored triggers counter
func (m *Metrics) RecordTriggerIgnored() {
	if m == nil {
		return
	}
	m.TriggersIgnored.Inc()
}

// SetOrchestratorState marks state as the active orchestrator state
func (m *Metrics) SetOrchestratorState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.OrchestratorMode.WithLabelValues(s).Set(v)
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionFinished records the outcome, duration and delivered bytes of a session
func (m *Metrics) RecordSessionFinished(outcome string, durationSeconds float64, bytesSent int) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionBytes.Observe(float64(bytesSent))
}

// RecordChunkPublished records a data chunk that was published successfully
func (m *Metrics) RecordChunkPublished(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksPublished.Inc()
	m.BytesSent.Add(float64(sizeBytes))
}

// RecordPublishFailure increments the publish failures counter for kind ("meta" or "data")
func (m *Metrics) RecordPublishFailure(kind string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(kind).Inc()
}

// RecordPublishRetry increments the publish retries counter
func (m *Metrics) RecordPublishRetry() {
	if m == nil {
		return
	}
	m.PublishRetries.Inc()
}

// RecordEmptyRead increments the empty acquisition reads counter
func (m *Metrics) RecordEmptyRead() {
	if m == nil {
		return
	}
	m.AcquisitionAttempts.Inc()
}

// RecordAcquisitionStall increments the acquisition stalls counter
func (m *Metrics) RecordAcquisitionStall() {
	if m == nil {
		return
	}
	m.AcquisitionStalls.Inc()
}

// SetActiveAssemblies sets the number of sessions being reassembled
func (m *Metrics) SetActiveAssemblies(count int) {
	if m == nil {
		return
	}
	m.AssembliesActive.Set(float64(count))
}

// RecordAssemblyFinished records a reassembled session
func (m *Metrics) RecordAssemblyFinished(complete bool) {
	if m == nil {
		return
	}
	result := "incomplete"
	if complete {
		result = "complete"
	}
	m.AssembliesFinished.WithLabelValues(result).Inc()
}

// RecordBytesReceived adds to the collector received bytes counter
func (m *Metrics) RecordBytesReceived(sizeBytes int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(sizeBytes))
}

// RecordMessageDropped increments the dropped messages counter for reason
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
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
