package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "template_worker"

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	registry       *prom.Registry
	stageDuration  *prom.HistogramVec
	jobDuration    prom.Histogram
	jobOutcomes    *prom.CounterVec
	buildsInFlight prom.Gauge
	receiveErrors  prom.Counter
	recoveredJobs  prom.Counter
	deadLettered   prom.Counter
}

// buildBuckets span seconds to the longest phase timeouts
var buildBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewPrometheusRecorder constructs and registers Prometheus metrics. A nil
// registry gets a fresh one with Go and process collectors.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	pr := &PrometheusRecorder{
		registry: reg,
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   buildBuckets,
		}, []string{"stage"}),
		jobDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Total duration of a job attempt",
			Buckets:   buildBuckets,
		}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Finished job attempts by terminal status and failure kind",
		}, []string{"outcome", "kind"}),
		buildsInFlight: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_flight",
			Help:      "Job attempts currently holding a concurrency permit",
		}),
		receiveErrors: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Failed queue receive calls",
		}),
		recoveredJobs: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_jobs_total",
			Help:      "Pending jobs re-driven by the startup recovery scan",
		}),
		deadLettered: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Failed jobs forwarded to the dead-letter queue",
		}),
	}

	reg.MustRegister(
		pr.stageDuration,
		pr.jobDuration,
		pr.jobOutcomes,
		pr.buildsInFlight,
		pr.receiveErrors,
		pr.recoveredJobs,
		pr.deadLettered,
	)
	return pr
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveJobDuration(d time.Duration) {
	p.jobDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(outcome, kind string) {
	p.jobOutcomes.WithLabelValues(outcome, kind).Inc()
}

func (p *PrometheusRecorder) SetBuildsInFlight(n int) {
	p.buildsInFlight.Set(float64(n))
}

func (p *PrometheusRecorder) IncReceiveErrors() {
	p.receiveErrors.Inc()
}

func (p *PrometheusRecorder) IncRecoveredJobs(n int) {
	p.recoveredJobs.Add(float64(n))
}

func (p *PrometheusRecorder) IncDeadLettered() {
	p.deadLettered.Inc()
}
