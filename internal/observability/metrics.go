package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	stageDurationSeconds  *prometheus.HistogramVec
	submissionOutcomes    *prometheus.CounterVec
	pipelinesInFlight     prometheus.Gauge
	pagesReorderedTotal   prometheus.Counter
	pageExtractionFailure prometheus.Counter
	uploadLatencySeconds  prometheus.Histogram
	uploadRejectedTotal   *prometheus.CounterVec
	uploadRequestsTotal   *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_requests_total",
			Help: "Total number of grader API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_latency_seconds",
			Help:    "Latency distribution for grader API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_errors_total",
			Help: "Total number of error responses returned by grader endpoints.",
		}, []string{"method", "route", "status"})

		stageDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_pipeline_stage_duration_seconds",
			Help:    "Duration of each grading pipeline stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"})

		submissionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_submission_outcomes_total",
			Help: "Terminal outcomes of grading pipelines by status and error class.",
		}, []string{"status", "class"})

		pipelinesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_pipelines_in_flight",
			Help: "Number of grading pipelines currently running.",
		})

		pagesReorderedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_pages_reordered_total",
			Help: "Number of submissions whose pages were reordered by detected page numbers.",
		})

		pageExtractionFailure = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_page_extraction_failures_total",
			Help: "Number of pages replaced by an extraction error marker.",
		})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_upload_latency_seconds",
			Help:    "Latency of page image uploads including normalisation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_upload_rejected_total",
			Help: "Number of rejected page uploads by reason.",
		}, []string{"reason"})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_upload_requests_total",
			Help: "Number of stored page uploads by source mime type.",
		}, []string{"mime"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			stageDurationSeconds, submissionOutcomes, pipelinesInFlight,
			pagesReorderedTotal, pageExtractionFailure,
			uploadLatencySeconds, uploadRejectedTotal, uploadRequestsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// StageDuration exposes the per-stage pipeline histogram.
func StageDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return stageDurationSeconds
}

// SubmissionOutcomes exposes the terminal outcome counter.
func SubmissionOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionOutcomes
}

// PipelinesInFlight exposes the running pipeline gauge.
func PipelinesInFlight() prometheus.Gauge {
	RegisterMetrics()
	return pipelinesInFlight
}

// PagesReordered exposes the reordered submission counter.
func PagesReordered() prometheus.Counter {
	RegisterMetrics()
	return pagesReorderedTotal
}

// PageExtractionFailures exposes the failed page counter.
func PageExtractionFailures() prometheus.Counter {
	RegisterMetrics()
	return pageExtractionFailure
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadRequests exposes the stored upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}
