package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procmon"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_total",
			Help:      "Launch attempts by outcome (started, failed, rejected).",
		}, []string{"name", "result"},
	)
	scheduleFirings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_firings_total",
			Help:      "Scheduled firings by outcome (run, skipped, failed).",
		}, []string{"name", "outcome"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events recorded.",
		}, []string{"type"},
	)
	configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Inventory reloads by result (ok, error).",
		}, []string{"result"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_instances",
			Help:      "Live OS instances observed per inventory name.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, scheduleFirings, events, configReloads, runningInstances}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncLaunch(name, result string) {
	if regOK.Load() {
		launches.WithLabelValues(name, result).Inc()
	}
}

func IncScheduleFiring(name, outcome string) {
	if regOK.Load() {
		scheduleFirings.WithLabelValues(name, outcome).Inc()
	}
}

func IncEvent(typ string) {
	if regOK.Load() {
		events.WithLabelValues(typ).Inc()
	}
}

func IncConfigReload(err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	configReloads.WithLabelValues(result).Inc()
}

func SetRunningInstances(name string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(name).Set(float64(n))
	}
}

// DeleteRunningInstances drops the gauge series for a name no longer supervised.
func DeleteRunningInstances(name string) {
	if regOK.Load() {
		runningInstances.DeleteLabelValues(name)
	}
}
