package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmxshell"

// Readiness phases exported through the readiness_state gauge.
var readinessPhases = []string{"starting", "waiting", "ready", "failed"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sidecarSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "spawns_total",
			Help:      "Number of sidecar spawn attempts by result.",
		}, []string{"result"},
	)
	sidecarRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "restarts_total",
			Help:      "Number of manual backend restarts.",
		},
	)
	sidecarExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "exits_total",
			Help:      "Number of sidecar exits, split by whether the generation was still current.",
		}, []string{"current"},
	)
	generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "generation",
			Help:      "Current sidecar generation.",
		},
	)

	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "attempts_total",
			Help:      "Number of health probe attempts by result.",
		}, []string{"result"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "probe_duration_seconds",
			Help:      "Duration of a single health probe.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)
	readinessOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "outcomes_total",
			Help:      "Terminal readiness outcomes per generation.",
		}, []string{"outcome"},
	)
	timeToReady = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "time_to_ready_seconds",
			Help:      "Time from spawn to the first successful probe.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		},
	)
	readinessState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "state",
			Help:      "Readiness state of the current generation (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "lines_total",
			Help:      "Sidecar output lines read per stream.",
		}, []string{"stream"},
	)
	droppedLogLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "dropped_lines_total",
			Help:      "Sidecar output lines dropped from the event stream because the channel was full.",
		}, []string{"stream"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		sidecarSpawns, sidecarRestarts, sidecarExits, generation,
		probeAttempts, probeDuration, readinessOutcomes, timeToReady, readinessState,
		logLines, droppedLogLines,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(ok bool) {
	if regOK.Load() {
		sidecarSpawns.WithLabelValues(result(ok)).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		sidecarRestarts.Inc()
	}
}

func IncExit(current bool) {
	if regOK.Load() {
		v := "false"
		if current {
			v = "true"
		}
		sidecarExits.WithLabelValues(v).Inc()
	}
}

func SetGeneration(gen uint64) {
	if regOK.Load() {
		generation.Set(float64(gen))
	}
}

func ObserveProbe(ok bool, d time.Duration) {
	if regOK.Load() {
		probeAttempts.WithLabelValues(result(ok)).Inc()
		probeDuration.Observe(d.Seconds())
	}
}

// IncReadinessOutcome records a terminal outcome, "ready" or "timeout".
func IncReadinessOutcome(outcome string) {
	if regOK.Load() {
		readinessOutcomes.WithLabelValues(outcome).Inc()
	}
}

func ObserveTimeToReady(d time.Duration) {
	if regOK.Load() {
		timeToReady.Observe(d.Seconds())
	}
}

// SetReadinessState marks state as the only active readiness phase.
func SetReadinessState(state string) {
	if regOK.Load() {
		for _, p := range readinessPhases {
			v := 0.0
			if p == state {
				v = 1
			}
			readinessState.WithLabelValues(p).Set(v)
		}
	}
}

func IncLogLine(stream string) {
	if regOK.Load() {
		logLines.WithLabelValues(stream).Inc()
	}
}

func IncDroppedLogLine(stream string) {
	if regOK.Load() {
		droppedLogLines.WithLabelValues(stream).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
