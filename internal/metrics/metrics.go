package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health gauge values.
const (
	HealthUnknown   = 0
	HealthHealthy   = 1
	HealthUnhealthy = -1
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"name"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed process exits, requested or not.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed.",
		}, []string{"name"},
	)
	killEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "kill_escalations_total",
			Help:      "Number of stops that escalated to a forced kill.",
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamctl",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health probes by result.",
		}, []string{"name", "result"},
	)
	serviceRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "running",
			Help:      "1 while the service is tracked as running, 0 otherwise.",
		}, []string{"name"},
	)
	serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      "health",
			Help:      "Last known health (1 healthy, 0 unknown, -1 unhealthy).",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceExits, spawnFailures, killEscalations, healthChecks, serviceRunning, serviceHealth}
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

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}
func IncExit(name string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(name).Inc()
	}
}
func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}
func IncKillEscalation(name string) {
	if regOK.Load() {
		killEscalations.WithLabelValues(name).Inc()
	}
}

func ObserveHealthCheck(name string, healthy bool) {
	if regOK.Load() {
		result := "unhealthy"
		if healthy {
			result = "healthy"
		}
		healthChecks.WithLabelValues(name, result).Inc()
	}
}

func SetRunning(name string, running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		serviceRunning.WithLabelValues(name).Set(v)
	}
}

// SetHealth records one of HealthUnknown, HealthHealthy or HealthUnhealthy.
func SetHealth(name string, value int) {
	if regOK.Load() {
		serviceHealth.WithLabelValues(name).Set(float64(value))
	}
}
