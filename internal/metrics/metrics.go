package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	recordingStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "starts_total",
			Help:      "Number of committed recording sessions.",
		}, []string{"entity"},
	)
	recordingStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "stops_total",
			Help:      "Number of recording stops by reason.",
		}, []string{"reason"},
	)
	startRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "start_rejections_total",
			Help:      "Number of start attempts that did not produce a session.",
		}, []string{"reason"},
	)
	activeRecordings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "active",
			Help:      "Sessions currently held, including reservations.",
		},
	)
	pendingDisconnects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "pending_disconnects",
			Help:      "Disconnect confirmations waiting to fire.",
		},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Wall time of a full roster poll.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	pollFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "failures_total",
			Help:      "Entity checks that ended without a definite answer, by failure kind.",
		}, []string{"kind"},
	)
	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Completed check cycles.",
		},
	)
	outages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "outages_total",
			Help:      "Cycles in which every entity check failed.",
		},
	)
	openFDs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "open_fds",
			Help:      "Open file descriptors observed at the last sweep.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		recordingStarts, recordingStops, startRejections, activeRecordings, pendingDisconnects,
		pollDuration, pollFailures, cycles, outages, openFDs,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(entity string) {
	if regOK.Load() {
		recordingStarts.WithLabelValues(entity).Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		recordingStops.WithLabelValues(reason).Inc()
	}
}

func IncRejection(reason string) {
	if regOK.Load() {
		startRejections.WithLabelValues(reason).Inc()
	}
}

func SetActive(n int) {
	if regOK.Load() {
		activeRecordings.Set(float64(n))
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingDisconnects.Set(float64(n))
	}
}

func ObservePoll(seconds float64) {
	if regOK.Load() {
		pollDuration.Observe(seconds)
	}
}

func IncPollFailure(kind string) {
	if regOK.Load() {
		pollFailures.WithLabelValues(kind).Inc()
	}
}

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func IncOutage() {
	if regOK.Load() {
		outages.Inc()
	}
}

func SetOpenFDs(n int32) {
	if regOK.Load() && n >= 0 {
		openFDs.Set(float64(n))
	}
}
