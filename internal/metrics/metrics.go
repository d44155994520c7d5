// Package metrics holds the Prometheus instruments shared by every role.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ffalerts"

// Registry owns a private Prometheus registry and the pipeline instruments.
type Registry struct {
	reg *prometheus.Registry

	ScanJobs         *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Candidates       prometheus.Counter
	StabilityChecks  *prometheus.CounterVec
	SignalsStored    *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Reminders        *prometheus.CounterVec
	JobsEnqueued     *prometheus.CounterVec
	TickersByTier    *prometheus.GaugeVec
}

// New builds a registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ScanJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_jobs_total",
			Help:      "Scan jobs processed by source queue and outcome.",
		}, []string{"source", "outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time to scan one ticker for every recipient.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Market-data requests by operation and result.",
		}, []string{"op", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Market-data request latency by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Engine candidates produced across all recipients.",
		}),
		StabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stability_checks_total",
			Help:      "Stability decisions by reason class.",
		}, []string{"reason"}),
		SignalsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signal inserts by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert deliveries by outcome.",
		}, []string{"outcome"}),
		Reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder events by outcome.",
		}, []string{"outcome"}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs pushed by queue.",
		}, []string{"queue"}),
		TickersByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tickers",
			Help:      "Registered tickers per tier after the last refresh.",
		}, []string{"tier"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ScanJobs, r.ScanDuration, r.ProviderRequests, r.ProviderLatency, r.Candidates,
		r.StabilityChecks, r.SignalsStored, r.Notifications, r.Reminders, r.JobsEnqueued,
		r.TickersByTier,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ScanFinished(source, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ScanJobs.WithLabelValues(source, outcome).Inc()
	r.ScanDuration.Observe(elapsed.Seconds())
}

func (r *Registry) ProviderCall(op string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ProviderRequests.WithLabelValues(op, result).Inc()
	r.ProviderLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (r *Registry) CandidatesFound(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Candidates.Add(float64(n))
}

func (r *Registry) StabilityDecision(reasonClass string) {
	if r == nil {
		return
	}
	r.StabilityChecks.WithLabelValues(reasonClass).Inc()
}

func (r *Registry) SignalInsert(inserted bool) {
	if r == nil {
		return
	}
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	r.SignalsStored.WithLabelValues(result).Inc()
}

func (r *Registry) Notification(outcome string) {
	if r == nil {
		return
	}
	r.Notifications.WithLabelValues(outcome).Inc()
}

func (r *Registry) Reminder(outcome string) {
	if r == nil {
		return
	}
	r.Reminders.WithLabelValues(outcome).Inc()
}

func (r *Registry) Enqueued(queue string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.JobsEnqueued.WithLabelValues(queue).Add(float64(n))
}

func (r *Registry) TierSizes(sizes map[string]int) {
	if r == nil {
		return
	}
	for tier, n := range sizes {
		r.TickersByTier.WithLabelValues(tier).Set(float64(n))
	}
}
