package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels events that passed dedup and ordering.
	OutcomeAccepted = "accepted"
	// OutcomeDuplicate labels notifications collapsed by the dedup window.
	OutcomeDuplicate = "duplicate"
	// OutcomeLate labels events admitted behind a closed correlation window.
	OutcomeLate = "late"
	// OutcomeRejected labels payloads that failed normalization.
	OutcomeRejected = "rejected"
)

var (
	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronicle",
			Name:      "events_ingested_total",
			Help:      "Change notifications processed, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	correlationEvalSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chronicle",
			Name:      "correlation_eval_seconds",
			Help:      "Correlation evaluation latency per admitted event.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	correlationsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronicle",
			Name:      "correlations_written_total",
			Help:      "Correlation records created or recomputed.",
		},
	)

	appendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronicle",
			Name:      "append_retries_total",
			Help:      "Retried timeline-store appends after transient failures.",
		},
	)

	deadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronicle",
			Name:      "dead_letter_total",
			Help:      "Events routed to the dead-letter path after exhausting retries.",
		},
	)

	reevaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronicle",
			Name:      "reevaluations_total",
			Help:      "Incident correlation re-evaluations, partitioned by trigger.",
		},
		[]string{"trigger"},
	)
)

// Register attaches chronicle collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsIngestedTotal,
		correlationEvalSeconds,
		correlationsWrittenTotal,
		appendRetriesTotal,
		deadLetterTotal,
		reevaluationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records a processed notification.
func ObserveIngest(source, outcome string) {
	eventsIngestedTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveCorrelationEval records evaluation latency and the records it touched.
func ObserveCorrelationEval(duration time.Duration, written int) {
	if duration < 0 {
		duration = 0
	}
	correlationEvalSeconds.Observe(duration.Seconds())
	if written > 0 {
		correlationsWrittenTotal.Add(float64(written))
	}
}

// ObserveAppendRetry counts one retried store append.
func ObserveAppendRetry() {
	appendRetriesTotal.Inc()
}

// ObserveDeadLetter counts one event surfaced to the dead-letter path.
func ObserveDeadLetter() {
	deadLetterTotal.Inc()
}

// ObserveReevaluation counts an incident re-evaluation by trigger
// ("late_arrival" or "window_changed").
func ObserveReevaluation(trigger string) {
	reevaluationsTotal.WithLabelValues(trigger).Inc()
}
