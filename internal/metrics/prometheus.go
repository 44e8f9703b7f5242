package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oculus_sessions_total",
		Help: "Total number of streaming sessions finished, by terminal status",
	}, []string{"status"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oculus_active_sessions",
		Help: "Number of accepted sessions that have not been released yet",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oculus_session_duration_seconds",
		Help:    "Time from accept to release of a streaming session",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oculus_frames_processed_total",
		Help: "Total number of frames decoded and run through the detector",
	})

	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oculus_detections_total",
		Help: "Total number of reported labels, by label name",
	}, []string{"label"})

	DetectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oculus_detect_duration_seconds",
		Help:    "Per-frame detector latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	WriteAckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oculus_write_ack_duration_seconds",
		Help:    "Time between submitting a frame message and its write acknowledgment",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	DispatcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oculus_dispatcher_events_total",
		Help: "Completion events routed by the dispatcher, by operation",
	}, []string{"op"})
)
