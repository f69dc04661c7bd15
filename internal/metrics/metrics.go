package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workloadStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "starts_total",
			Help:      "Number of successful workload spawns.",
		}, []string{"name"},
	)
	workloadRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "restarts_total",
			Help:      "Number of policy-driven restarts.",
		}, []string{"name"},
	)
	workloadStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "stops_total",
			Help:      "Number of observed exits (graceful or kill).",
		}, []string{"name"},
	)
	spawnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "spawn_latency_seconds",
			Help:      "Latency from start command to observed spawn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "state_transitions_total",
			Help:      "Number of state machine transitions.",
		}, []string{"name", "from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "current_phase",
			Help:      "Current phase of workloads (1 = active phase, 0 = inactive).",
		}, []string{"name", "phase"},
	)
	scheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Number of schedule firings, by outcome.",
		}, []string{"schedule_id", "outcome"},
	)
	sampledCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "cpu_fraction",
			Help:      "Sampled CPU fraction (1.0 = one core) per workload.",
		}, []string{"name"},
	)
	sampledRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "rss_bytes",
			Help:      "Sampled resident memory per workload.",
		}, []string{"name"},
	)
	sampledThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "workload",
			Name:      "threads",
			Help:      "Sampled thread count per workload.",
		}, []string{"name"},
	)
	persistenceLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "store",
			Name:      "persistence_lag_seconds",
			Help:      "How long store appends have been failing; 0 when healthy.",
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
		workloadStarts, workloadRestarts, workloadStops, spawnLatency,
		stateTransitions, currentPhase, scheduleFires,
		sampledCPU, sampledRSS, sampledThreads, persistenceLag,
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

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages; no-ops before Register.

func IncStart(name string) {
	if regOK.Load() {
		workloadStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		workloadRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		workloadStops.WithLabelValues(name).Inc()
	}
}
func ObserveSpawnLatency(name string, seconds float64) {
	if regOK.Load() {
		spawnLatency.WithLabelValues(name).Observe(seconds)
	}
}
func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}
func SetCurrentPhase(name, phase string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentPhase.WithLabelValues(name, phase).Set(v)
	}
}
func IncScheduleFire(scheduleID, outcome string) {
	if regOK.Load() {
		scheduleFires.WithLabelValues(scheduleID, outcome).Inc()
	}
}
func SetSample(name string, cpu float64, rss uint64, threads int32) {
	if regOK.Load() {
		sampledCPU.WithLabelValues(name).Set(cpu)
		sampledRSS.WithLabelValues(name).Set(float64(rss))
		sampledThreads.WithLabelValues(name).Set(float64(threads))
	}
}
func SetPersistenceLag(seconds float64) {
	if regOK.Load() {
		persistenceLag.Set(seconds)
	}
}
