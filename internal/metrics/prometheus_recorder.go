package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	jobDuration      prom.Histogram
	jobOutcome       *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	leasesRecovered  prom.Counter
	queueDepth       prom.Gauge
	activeWorkers    prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "boardbuilder",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual job stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.jobDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "boardbuilder",
			Name:      "job_duration_seconds",
			Help:      "Total job attempt duration",
			Buckets:   prom.DefBuckets,
		})
		pr.jobOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "boardbuilder",
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by terminal status",
		}, []string{"outcome"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "boardbuilder",
			Name:      "job_retries_total",
			Help:      "Total job retries by failing stage",
		}, []string{"stage"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "boardbuilder",
			Name:      "job_retry_exhausted_total",
			Help:      "Count of jobs where retries were exhausted",
		}, []string{"stage"})
		pr.leasesRecovered = prom.NewCounter(prom.CounterOpts{
			Namespace: "boardbuilder",
			Name:      "lease_recoveries_total",
			Help:      "Stuck processing jobs requeued by the lease sweep",
		})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "boardbuilder",
			Name:      "queue_depth",
			Help:      "Number of queued jobs",
		})
		pr.activeWorkers = prom.NewGauge(prom.GaugeOpts{
			Namespace: "boardbuilder",
			Name:      "active_workers",
			Help:      "Number of running worker loops",
		})
		reg.MustRegister(pr.stageDuration, pr.jobDuration, pr.jobOutcome, pr.retries,
			pr.retriesExhausted, pr.leasesRecovered, pr.queueDepth, pr.activeWorkers)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveJobDuration(d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(outcome string) {
	if p == nil || p.jobOutcome == nil {
		return
	}
	p.jobOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncJobRetry(stage string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(stage string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncLeaseRecovered() {
	if p == nil || p.leasesRecovered == nil {
		return
	}
	p.leasesRecovered.Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveWorkers(n int) {
	if p == nil || p.activeWorkers == nil {
		return
	}
	p.activeWorkers.Set(float64(n))
}
