package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the engine.
type Metrics struct {
	EventsEvaluated    *prometheus.CounterVec
	RunsStarted        prometheus.Counter
	RunsFinished       *prometheus.CounterVec
	RunsDeduplicated   prometheus.Counter
	StepsDeferred      prometheus.Counter
	MessagesDispatched *prometheus.CounterVec
	TransportLatency   *prometheus.HistogramVec
	LedgerAppends      *prometheus.CounterVec
	StatusUpdates      *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			EventsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_evaluated_total",
				Help:      "Total domain events evaluated by trigger type.",
			}, []string{"type"}),
			RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automation_runs_started_total",
				Help:      "Total automation runs created.",
			}),
			RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automation_runs_finished_total",
				Help:      "Total automation runs finished by terminal state.",
			}, []string{"state"}),
			RunsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automation_runs_deduplicated_total",
				Help:      "Total run creations skipped because a live run existed.",
			}),
			StepsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequence_steps_deferred_total",
				Help:      "Total steps pushed to the next business-hours window.",
			}),
			MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dispatched_total",
				Help:      "Total outbound messages by channel and result status.",
			}, []string{"channel", "status"}),
			TransportLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_send_duration_seconds",
				Help:      "Latency distribution for transport send calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"channel", "status"}),
			LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_appends_total",
				Help:      "Total conversation ledger appends by sender.",
			}, []string{"sender"}),
			StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_status_updates_total",
				Help:      "Total delivery status updates by outcome.",
			}, []string{"outcome"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.EventsEvaluated,
			metricsInstance.RunsStarted,
			metricsInstance.RunsFinished,
			metricsInstance.RunsDeduplicated,
			metricsInstance.StepsDeferred,
			metricsInstance.MessagesDispatched,
			metricsInstance.TransportLatency,
			metricsInstance.LedgerAppends,
			metricsInstance.StatusUpdates,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
