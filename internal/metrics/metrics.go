// Package metrics exposes the Prometheus instrumentation shared across
// the conversion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted counts jobs claimed by the dispatcher.
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Number of conversion jobs started.",
	})

	// JobsFinished counts terminal job outcomes by status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Number of conversion jobs finished, by outcome.",
	}, []string{"outcome"})

	// JobsRunning tracks live FFmpeg child processes.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "convertra",
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Number of currently running conversions.",
	})

	// JobDuration observes wall-clock conversion time.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "convertra",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of finished conversions.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	// SpaceUsedBytes tracks the accounted usage per bucket.
	SpaceUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "convertra",
		Subsystem: "space",
		Name:      "used_bytes",
		Help:      "Accounted disk usage per bucket.",
	}, []string{"bucket"})

	// CleanupBytes counts bytes reclaimed by cleanup runs, by tier.
	CleanupBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "cleanup",
		Name:      "reclaimed_bytes_total",
		Help:      "Bytes reclaimed by cleanup, by tier.",
	}, []string{"tier"})

	// CleanupFiles counts files removed by cleanup runs, by tier.
	CleanupFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "cleanup",
		Name:      "removed_files_total",
		Help:      "Files removed by cleanup, by tier.",
	}, []string{"tier"})

	// QuotaRefusals counts admissions refused by the space governor.
	QuotaRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "space",
		Name:      "quota_refusals_total",
		Help:      "Job admissions refused for lack of space.",
	})

	// DownloadsTracked counts output downloads recorded for retention.
	DownloadsTracked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convertra",
		Subsystem: "downloads",
		Name:      "tracked_total",
		Help:      "Output downloads recorded for retention cleanup.",
	})

	// WebsocketClients tracks connected notification subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "convertra",
		Subsystem: "notifications",
		Name:      "websocket_clients",
		Help:      "Connected websocket subscribers.",
	})
)
