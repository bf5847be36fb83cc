package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"type", "category"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled while queued",
		},
		[]string{"type"},
	)
	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of delayed retries scheduled",
		},
		[]string{"category"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued jobs per queue",
		},
		[]string{"queue"},
	)

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of active workers per variant",
		},
		[]string{"variant"},
	)
	WorkerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Per-attempt job processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"variant", "outcome"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream AI service request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"upstream", "operation", "outcome"},
	)
	UpstreamProbeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_probe_status",
			Help: "Probe status per dependency (0=down, 1=degraded, 2=up)",
		},
		[]string{"target"},
	)
	DegradationLevelGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "degradation_level",
			Help: "Aggregate degradation level (0=normal, 1=minor, 2=major, 3=critical)",
		},
	)
	StoreFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobstore_fallback_active",
			Help: "1 when the job store is serving from the in-memory fallback",
		},
	)

	PromptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_prompt_tokens",
			Help:    "Token counts of prompts sent to the agent upstream",
			Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192},
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call from both the server and worker entry points.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(JobsEnqueuedTotal)
		prometheus.MustRegister(JobsProcessing)
		prometheus.MustRegister(JobsCompletedTotal)
		prometheus.MustRegister(JobsFailedTotal)
		prometheus.MustRegister(JobsCancelledTotal)
		prometheus.MustRegister(JobRetriesTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(WorkersActive)
		prometheus.MustRegister(WorkerJobDuration)
		prometheus.MustRegister(UpstreamRequestDuration)
		prometheus.MustRegister(UpstreamProbeStatus)
		prometheus.MustRegister(DegradationLevelGauge)
		prometheus.MustRegister(StoreFallbackActive)
		prometheus.MustRegister(PromptTokens)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType, category string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType, category).Inc()
}

func CancelJob(jobType string) {
	JobsCancelledTotal.WithLabelValues(jobType).Inc()
}

// RetryJob records a delayed requeue; the processing gauge drops because the
// attempt ended.
func RetryJob(jobType, category string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobRetriesTotal.WithLabelValues(category).Inc()
}

func SetQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetActiveWorkers(variant string, n int) {
	WorkersActive.WithLabelValues(variant).Set(float64(n))
}

func ObserveWorkerJob(variant string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	WorkerJobDuration.WithLabelValues(variant, outcome).Observe(d.Seconds())
}

func ObserveUpstream(upstream, operation string, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	UpstreamRequestDuration.WithLabelValues(upstream, operation, outcome).Observe(d.Seconds())
}

func SetProbeStatus(target string, v float64) {
	UpstreamProbeStatus.WithLabelValues(target).Set(v)
}

func SetDegradationLevel(level int) {
	DegradationLevelGauge.Set(float64(level))
}

func SetStoreFallback(active bool) {
	if active {
		StoreFallbackActive.Set(1)
	} else {
		StoreFallbackActive.Set(0)
	}
}

// ObservePromptTokens records the token count of an agent prompt.
func ObservePromptTokens(n int) {
	if n > 0 {
		PromptTokens.Observe(float64(n))
	}
}
