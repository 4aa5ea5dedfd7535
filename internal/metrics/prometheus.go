package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_requests_total",
		Help: "Total number of predict requests, by media type and status",
	}, []string{"type", "status"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_frames_total",
		Help: "Frames handled by the pipeline, by kind (read, scored, second_scored)",
	}, []string{"kind"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sightline_pipeline_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	PipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_pipeline_failures_total",
		Help: "Failed pipeline runs, by failure kind",
	}, []string{"kind"})

	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sightline_active_pipelines",
		Help: "Number of pipeline runs currently in progress",
	})
)
