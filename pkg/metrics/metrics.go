package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State metrics
	ProfilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "radgate_profiles_total",
			Help: "Total number of firewall profiles",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "radgate_sessions_total",
			Help: "Total number of live RADIUS sessions",
		},
	)

	// Reconciler metrics
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_signals_total",
			Help: "Total number of reconciler signals by action and result",
		},
		[]string{"action", "result"},
	)

	SignalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radgate_signal_duration_seconds",
			Help:    "Signal processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// FortiGate gateway metrics
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_gateway_calls_total",
			Help: "Total number of FortiGate API calls by operation and result",
		},
		[]string{"op", "result"},
	)

	DeviceFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radgate_device_failovers_total",
			Help: "Total number of whole-sequence retries on a standby device",
		},
	)

	// RADIUS observer metrics
	RadiusPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_radius_packets_total",
			Help: "Total number of RADIUS packets observed by code",
		},
		[]string{"code"},
	)

	RadiusPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "radgate_radius_packets_dropped_total",
			Help: "Total number of undecodable RADIUS datagrams dropped",
		},
	)

	// UTM ingest metrics
	UTMRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_utm_records_total",
			Help: "Total number of UTM records by result (loaded, dropped, skipped)",
		},
		[]string{"result"},
	)

	StreamLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radgate_stream_load_duration_seconds",
			Help:    "Stream Load request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reporter metrics
	ReportEmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_report_emails_total",
			Help: "Total number of report emails by kind and result",
		},
		[]string{"kind", "result"},
	)

	ReportRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radgate_report_run_duration_seconds",
			Help:    "Daily report run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radgate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProfilesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SignalsTotal)
	prometheus.MustRegister(SignalDuration)
	prometheus.MustRegister(GatewayCallsTotal)
	prometheus.MustRegister(DeviceFailovers)
	prometheus.MustRegister(RadiusPacketsTotal)
	prometheus.MustRegister(RadiusPacketsDropped)
	prometheus.MustRegister(UTMRecordsTotal)
	prometheus.MustRegister(StreamLoadDuration)
	prometheus.MustRegister(ReportEmailsTotal)
	prometheus.MustRegister(ReportRunDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates a timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in the given histogram vector
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
