package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrring",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrring",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrring",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Ring ----
	RingPoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrring",
			Name:      "ring_points",
			Help:      "Virtual points currently on the ring.",
		},
		[]string{"ring"},
	)

	RingPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrring",
			Name:      "ring_peers",
			Help:      "Peers owning points on the ring, the local node included.",
		},
		[]string{"ring"},
	)

	OwnershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrring",
			Name:      "ownership_changes_total",
			Help:      "Ranges moved away from (move) or taken over by (steal) the local node.",
		},
		[]string{"ring", "kind"},
	)

	OwnershipKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrring",
			Name:      "ownership_keys_total",
			Help:      "Width of the key space moved or stolen by the local node.",
		},
		[]string{"ring", "kind"},
	)

	Lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrring",
			Name:      "lookups_total",
			Help:      "Ring lookups by result (local, remote, empty).",
		},
		[]string{"ring", "result"},
	)

	MembershipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrring",
			Name:      "membership_events_total",
			Help:      "Membership notifications by type and whether the ring accepted them.",
		},
		[]string{"ring", "type", "accepted"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrring",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrring",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
		RingPoints, RingPeers, OwnershipChanges, OwnershipKeys, Lookups, MembershipEvents)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(s.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
