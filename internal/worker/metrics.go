package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	imagesExpired *prometheus.CounterVec
	lastSweep     prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobooth_worker_tasks_total",
			Help: "Retention tasks handled by type and outcome.",
		}, []string{"type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photobooth_worker_task_duration_seconds",
			Help:    "Retention task duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		imagesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobooth_images_expired_total",
			Help: "Processed images removed after their retention window.",
		}, []string{"trigger"}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photobooth_worker_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed sweep.",
		}),
	}
	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.imagesExpired,
		m.lastSweep,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
