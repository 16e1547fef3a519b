// Package metrics exposes the management plane's Prometheus
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExportsTotal counts finished export passes by result.
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindmgr_exports_total",
		Help: "Total number of export passes",
	}, []string{"result"})

	// ExportDuration tracks how long a full export pass takes.
	ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bindmgr_export_duration_seconds",
		Help:    "Histogram of export pass duration",
		Buckets: prometheus.DefBuckets,
	})

	// PushTotal counts per-server push attempts by result.
	PushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindmgr_push_total",
		Help: "Total number of per-server pushes",
	}, []string{"server", "result"})

	// ReplaySteps counts audit entries replayed during recovery.
	ReplaySteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindmgr_replay_steps_total",
		Help: "Total number of audit entries replayed",
	}, []string{"result"})

	// APICalls counts audited API surface calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindmgr_api_calls_total",
		Help: "Total number of API surface calls",
	}, []string{"action", "result"})
)
