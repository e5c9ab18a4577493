package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the Prometheus registry and the pipeline metrics.
type Recorder struct {
	registry *prometheus.Registry

	stageDurationSeconds *prometheus.HistogramVec
	pipelineStatusTotal  *prometheus.CounterVec
	vendorCallTotal      *prometheus.CounterVec
	retryTotal           *prometheus.CounterVec
	creditEventTotal     *prometheus.CounterVec
}

// NewRecorder creates a registry with Go/process collectors plus the
// service metrics registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		stageDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time from stage submission to its terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),
		pipelineStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_status_total",
			Help: "Pipeline transitions by resulting status.",
		}, []string{"status"}),
		vendorCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendor_call_total",
			Help: "Vendor API invocations by operation and outcome.",
		}, []string{"vendor", "op", "outcome"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_retry_total",
			Help: "Automatic retries scheduled, by vendor and error category.",
		}, []string{"vendor", "category"}),
		creditEventTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_event_total",
			Help: "Credit ledger entries appended, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(r.stageDurationSeconds)
	registry.MustRegister(r.pipelineStatusTotal)
	registry.MustRegister(r.vendorCallTotal)
	registry.MustRegister(r.retryTotal)
	registry.MustRegister(r.creditEventTotal)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordStageEnd observes a completed stage execution.
func (r *Recorder) RecordStageEnd(stage, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageDurationSeconds.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordStatus counts a pipeline transition.
func (r *Recorder) RecordStatus(status string) {
	if r == nil {
		return
	}
	r.pipelineStatusTotal.WithLabelValues(status).Inc()
}

// RecordVendorCall counts one vendor API invocation.
func (r *Recorder) RecordVendorCall(vendor, op string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.vendorCallTotal.WithLabelValues(vendor, op, outcome).Inc()
}

// RecordRetry counts one scheduled automatic retry.
func (r *Recorder) RecordRetry(vendor, category string) {
	if r == nil {
		return
	}
	r.retryTotal.WithLabelValues(vendor, category).Inc()
}

// RecordCreditEvent counts one ledger append.
func (r *Recorder) RecordCreditEvent(reason string) {
	if r == nil {
		return
	}
	r.creditEventTotal.WithLabelValues(reason).Inc()
}
