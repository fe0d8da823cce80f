// Package metrics exposes Prometheus counters for token issuance, webhook
// ingestion and the callback scheduler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "careline"

// CallbackUnrecorded labels a processed callback whose terminal status could not be written
const CallbackUnrecorded = "unrecorded"

// Metrics holds the service's collectors
type Metrics struct {
	tokensIssued       prometheus.Counter
	authFailures       *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	schedulerCycles    *prometheus.CounterVec
	callbacksProcessed *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	dedupResets        prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_tokens_issued_total",
			Help:      "Access tokens issued through the client_credentials grant.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected token requests and bearer validations by reason.",
		}, []string{"reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Scheduling webhook events by outcome.",
		}, []string{"outcome"}),
		schedulerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Callback scan cycles by result (run, skipped, error).",
		}, []string{"result"}),
		callbacksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_processed_total",
			Help:      "Processed scheduled callbacks by recorded status (completed, failed) or unrecorded.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_cycle_duration_seconds",
			Help:      "Duration of callback scan cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		dedupResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_resets_total",
			Help:      "Daily resets of the processed-event set.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.tokensIssued,
			m.authFailures,
			m.webhookEvents,
			m.schedulerCycles,
			m.callbacksProcessed,
			m.cycleDuration,
			m.dedupResets,
		)
	}
	return m
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) WebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SchedulerCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerCycles.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) CallbackProcessed(status string) {
	if m == nil {
		return
	}
	m.callbacksProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) DedupReset() {
	if m == nil {
		return
	}
	m.dedupResets.Inc()
}
