// Package metrics holds the diagnostics counters exported by the watcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Rescans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fswatcher_rescans_total",
		Help: "Number of directory rescans triggered by notifications.",
	})
	ScanRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fswatcher_scan_races_total",
		Help: "Entries or directories that vanished between notification and scan.",
	})
	Changes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fswatcher_changes_total",
		Help: "Change records delivered, by kind.",
	}, []string{"kind"})
	ActiveWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fswatcher_active_watches",
		Help: "Number of started watches across all watchers.",
	})
	SourceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fswatcher_source_errors_total",
		Help: "Errors reported by the platform notification source.",
	})
)
