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
	regOK    atomic.Bool
	gatherer atomic.Value // gathererBox

	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapr",
			Name:      "attempts_total",
			Help:      "Upgrade and rollback attempts by terminal outcome.",
		}, []string{"service", "op", "outcome"},
	)
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swapr",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each orchestrator phase.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"service", "phase"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapr",
			Name:      "forced_kills_total",
			Help:      "Stops that escalated to a forced kill after the graceful timeout.",
		}, []string{"service"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapr",
			Name:      "health_probes_total",
			Help:      "Individual health probe requests by result.",
		}, []string{"service", "result"},
	)
	backups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swapr",
			Name:      "backups",
			Help:      "Backup records currently retained.",
		}, []string{"service"},
	)
	lastAttempt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swapr",
			Name:      "last_attempt_timestamp_seconds",
			Help:      "Unix time of the last finished attempt.",
		}, []string{"service", "op"},
	)
)

type gathererBox struct{ g prometheus.Gatherer }

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
// When r is also a Gatherer it is used by WriteTextfile.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{attempts, phaseDuration, forcedKills, healthProbes, backups, lastAttempt}
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
	if g, ok := r.(prometheus.Gatherer); ok {
		gatherer.Store(gathererBox{g})
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile writes the registered metrics in the text exposition format
// for node_exporter's textfile collector. It is a no-op before Register.
func WriteTextfile(path string) error {
	if !regOK.Load() || path == "" {
		return nil
	}
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if b, ok := gatherer.Load().(gathererBox); ok {
		g = b.g
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAttempt(service, op, outcome string) {
	if regOK.Load() {
		attempts.WithLabelValues(service, op, outcome).Inc()
	}
}

func ObservePhase(service, phase string, seconds float64) {
	if regOK.Load() {
		phaseDuration.WithLabelValues(service, phase).Observe(seconds)
	}
}

func IncForcedKill(service string) {
	if regOK.Load() {
		forcedKills.WithLabelValues(service).Inc()
	}
}

func IncHealthProbe(service string, ok bool) {
	if regOK.Load() {
		result := "fail"
		if ok {
			result = "ok"
		}
		healthProbes.WithLabelValues(service, result).Inc()
	}
}

func SetBackups(service string, n int) {
	if regOK.Load() {
		backups.WithLabelValues(service).Set(float64(n))
	}
}

func SetLastAttempt(service, op string, unix float64) {
	if regOK.Load() {
		lastAttempt.WithLabelValues(service, op).Set(unix)
	}
}
