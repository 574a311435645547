package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stackbox"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	actionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_total",
			Help:      "Completed lifecycle actions by result.",
		}, []string{"service", "action", "result"},
	)
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time from launch until the action converged or gave up.",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 15, 20, 30, 60},
		}, []string{"service", "action"},
	)
	livenessPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_polls_total",
			Help:      "Liveness checks issued while driving actions.",
		}, []string{"service", "action"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Stops that fell back to the hard-kill step.",
		}, []string{"service"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Last observed liveness per service (1 = running).",
		}, []string{"service"},
	)
	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Controller lifecycle state (1 = current).",
		}, []string{"state"},
	)
	serviceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage summed over the processes matching a service pattern.",
		}, []string{"service"},
	)
	serviceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory summed over the processes matching a service pattern.",
		}, []string{"service"},
	)
	serviceProcs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "processes",
			Help:      "Number of processes matching a service pattern.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{actionTotal, actionDuration, livenessPolls, escalations, serviceUp, lifecycleState, serviceCPU, serviceMemory, serviceProcs}
	for _, c := range cs {
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// RecordAction counts one completed action and its duration.
func RecordAction(service, action string, success bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	actionTotal.WithLabelValues(service, action, result).Inc()
	actionDuration.WithLabelValues(service, action).Observe(seconds)
}

func AddPolls(service, action string, n int) {
	if regOK.Load() && n > 0 {
		livenessPolls.WithLabelValues(service, action).Add(float64(n))
	}
}

func IncEscalation(service string) {
	if regOK.Load() {
		escalations.WithLabelValues(service).Inc()
	}
}

func SetServiceUp(service string, up bool) {
	if regOK.Load() {
		serviceUp.WithLabelValues(service).Set(boolValue(up))
	}
}

// SetLifecycleState marks current as the active state among all.
func SetLifecycleState(current string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		lifecycleState.WithLabelValues(s).Set(boolValue(s == current))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
