package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes payment and scheduler instrumentation. All methods are
// nil-safe so optional wiring stays cheap in tests.
type Metrics struct {
	webhooksReceived  *prometheus.CounterVec
	webhooksRejected  *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
	defaultMu      sync.Mutex
)

// Default returns the process-wide metrics registered against the default
// prometheus registerer.
func Default() *Metrics {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// ResetForTest clears the default metrics so tests can swap registries.
func ResetForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultMetrics = nil
	defaultOnce = sync.Once{}
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		webhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_received_total",
			Help: "Provider webhooks received, by variant and outcome.",
		}, []string{"variant", "outcome"}),
		webhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_rejected_total",
			Help: "Provider webhooks rejected before any state mutation.",
		}, []string{"variant", "reason"}),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_status_transitions_total",
			Help: "Payment status transitions, by variant and new status.",
		}, []string{"variant", "status"}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_scheduler_job_runs_total",
			Help: "Scheduler job invocations.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_scheduler_job_errors_total",
			Help: "Scheduler job failures.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) IncWebhookReceived(variant, outcome string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(variant, outcome).Inc()
}

func (m *Metrics) IncWebhookRejected(variant, reason string) {
	if m == nil {
		return
	}
	m.webhooksRejected.WithLabelValues(variant, reason).Inc()
}

func (m *Metrics) IncStatusTransition(variant, status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(variant, status).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
