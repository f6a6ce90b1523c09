package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "callout_sdk"

var defaultBuckets = prometheus.DefBuckets

// Exported metric handles. Package init sets them to no-ops by calling
// InitMetrics with Enabled false; call InitMetrics again at startup after
// SetEnabled(true), before serving any traffic, to get real collectors.
var (
	ExtProcRequestsTotal      CounterVec
	ExtProcPhaseDuration      HistogramVec
	ExtProcActiveStreams      Gauge
	ExtProcBodyBytesProcessed CounterVec
	ExtAuthzChecksTotal       CounterVec
	ExtAuthzCheckDuration     Histogram
	NetProcActiveSessions     Gauge
	NetProcFramesTotal        CounterVec
)

// InitMetrics constructs every package metric, honoring the current value of
// Enabled. Each call while Enabled is true registers a fresh set of
// collectors with the default Prometheus registry, so a second call with
// Enabled true panics on duplicate registration.
func InitMetrics() {
	ExtProcRequestsTotal = NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "extproc_requests_total", Help: "Total ext-proc phase invocations"},
		[]string{"phase", "result"},
	)
	ExtProcPhaseDuration = NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "extproc_phase_duration_seconds", Help: "Ext-proc hook execution latency", Buckets: defaultBuckets},
		[]string{"phase"},
	)
	ExtProcActiveStreams = NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "extproc_active_streams", Help: "Currently open ext-proc bidi streams"},
	)
	ExtProcBodyBytesProcessed = NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "extproc_body_bytes_processed_total", Help: "Body bytes observed by direction"},
		[]string{"direction"},
	)
	ExtAuthzChecksTotal = NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "extauthz_checks_total", Help: "Total ext-authz Check invocations"},
		[]string{"result"},
	)
	ExtAuthzCheckDuration = NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Name: "extauthz_check_duration_seconds", Help: "Ext-authz Check latency", Buckets: defaultBuckets},
	)
	NetProcActiveSessions = NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "netproc_active_sessions", Help: "Currently open L4 network sessions"},
	)
	NetProcFramesTotal = NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "netproc_frames_total", Help: "Total L4 frames processed"},
		[]string{"direction"},
	)
}

func init() {
	InitMetrics()
}
