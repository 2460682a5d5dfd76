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

	// ---- Admin HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Name:      "admin_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrgrid",
			Name:      "admin_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgrid",
			Name:      "admin_in_flight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Message channel ----
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Datagrams sent and received, by kind and direction.",
		},
		[]string{"kind", "direction"},
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "channel",
			Name:      "dropped_total",
			Help:      "Inbound datagrams dropped before dispatch, by reason.",
		},
		[]string{"reason"},
	)

	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "channel",
		Name:      "retries_total",
		Help:      "Guaranteed-send retransmissions.",
	})

	AcksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "channel",
		Name:      "acks_total",
		Help:      "Guaranteed sends acknowledged by a response.",
	})

	DeliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "channel",
		Name:      "delivery_failures_total",
		Help:      "Guaranteed sends that exhausted every attempt.",
	})

	Outstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zephyrgrid",
		Subsystem: "channel",
		Name:      "outstanding_sends",
		Help:      "Guaranteed sends waiting for a response.",
	})

	SaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "channel",
		Name:      "saturated_total",
		Help:      "Sends rejected because every buffer slot was in use.",
	})

	// ---- Partition tree ----
	Regions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgrid",
			Subsystem: "tree",
			Name:      "regions",
			Help:      "Regions in the partition tree, by kind.",
		},
		[]string{"kind"},
	)

	SplitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "tree",
			Name:      "splits_total",
			Help:      "Region splits, by trigger.",
		},
		[]string{"trigger"},
	)

	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "tree",
			Name:      "merges_total",
			Help:      "Region merges, by trigger.",
		},
		[]string{"trigger"},
	)

	SplitsDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "tree",
			Name:      "splits_deferred_total",
			Help:      "Watermark splits that could not run, by reason code.",
		},
		[]string{"reason"},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "tree",
			Name:      "placements_total",
			Help:      "Unit placements, by result.",
		},
		[]string{"result"},
	)

	// ---- Fleet ----
	LeasesAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zephyrgrid",
		Subsystem: "fleet",
		Name:      "leases_available",
		Help:      "Host ports ready to be leased.",
	})

	HostsPowered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zephyrgrid",
		Subsystem: "fleet",
		Name:      "hosts_powered",
		Help:      "Hosts observed powered on.",
	})

	WakeSignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "fleet",
		Name:      "wake_signals_total",
		Help:      "Wake-on-LAN packets sent.",
	})

	HostsUnreachableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zephyrgrid",
		Subsystem: "fleet",
		Name:      "hosts_unreachable_total",
		Help:      "Hosts that never answered their wake signals.",
	})

	ProcessesStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgrid",
			Subsystem: "fleet",
			Name:      "processes_started_total",
			Help:      "Node processes started, by host kind.",
		},
		[]string{"host"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgrid",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrgrid",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		MessagesTotal, DroppedTotal, RetriesTotal, AcksTotal, DeliveryFailuresTotal, Outstanding, SaturatedTotal,
		Regions, SplitsTotal, MergesTotal, SplitsDeferredTotal, PlacementsTotal,
		LeasesAvailable, HostsPowered, WakeSignalsTotal, HostsUnreachableTotal, ProcessesStartedTotal,
		buildInfo, uptime,
	)
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
//	mux.Handle("/regions/", telemetry.Instrument("describe", http.HandlerFunc(s.describe)))
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
