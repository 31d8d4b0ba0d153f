package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	conversionBytes *prometheus.HistogramVec
	webhookFailures *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heicflow_worker_jobs_total",
			Help: "Total conversion jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heicflow_worker_job_duration_seconds",
			Help:    "Fetch, convert and deliver duration for each job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heicflow_worker_active_jobs",
			Help: "Current number of jobs holding a conversion slot.",
		}),
		conversionBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heicflow_worker_conversion_bytes",
			Help:    "Input and output sizes of converted job images.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
		}, []string{"direction"}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heicflow_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all client attempts.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.conversionBytes,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
