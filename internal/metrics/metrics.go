package metrics

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	upgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "upgrades_total",
			Help:      "Component upgrade attempts by outcome.",
		}, []string{"component", "result"},
	)
	upgradeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackup",
			Name:      "upgrade_duration_seconds",
			Help:      "Wall time of one component upgrade attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"component"},
	)
	componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Name:      "component_status",
			Help:      "Current status of each component (1 = current status).",
		}, []string{"component", "status"},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by result.",
		}, []string{"result"},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "backups_total",
			Help:      "Backup snapshots and prunes by result.",
		}, []string{"result"},
	)
	sessionLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Name:      "session_last_run_timestamp_seconds",
			Help:      "Unix time the last upgrade session ended.",
		},
	)
)

// Statuses lists the label values reported by component_status.
var Statuses = []string{"not_installed", "pending", "in_progress", "completed", "failed", "rolled_back"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{upgrades, upgradeDuration, componentStatus, rollbacks, backups, sessionLastRun}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile writes every metric of g to path in the text exposition
// format, for the node_exporter textfile collector. The write is atomic.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveUpgrade(component, result string, d time.Duration) {
	if regOK.Load() {
		upgrades.WithLabelValues(component, result).Inc()
		upgradeDuration.WithLabelValues(component).Observe(d.Seconds())
	}
}

func SetComponentStatus(component, status string) {
	if regOK.Load() {
		for _, s := range Statuses {
			var value float64
			if s == status {
				value = 1
			}
			componentStatus.WithLabelValues(component, s).Set(value)
		}
	}
}

func IncRollback(result string) {
	if regOK.Load() {
		rollbacks.WithLabelValues(result).Inc()
	}
}

func IncBackup(result string) {
	if regOK.Load() {
		backups.WithLabelValues(result).Inc()
	}
}

func SetSessionLastRun(t time.Time) {
	if regOK.Load() {
		sessionLastRun.Set(float64(t.Unix()))
	}
}
