package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeRetry labels egress attempts that failed and will be retried.
	OutcomeRetry = "retry"
)

// Egress targets.
const (
	TargetAI        = "ai"
	TargetLedger    = "ledger"
	TargetKnowledge = "knowledge"
)

var (
	triageRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage_agent",
			Name:      "triage_requests_total",
			Help:      "Triage requests handled, partitioned by outcome (success or error kind).",
		},
		[]string{"outcome"},
	)

	triageDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "triage_agent",
			Name:      "triage_seconds",
			Help:      "Synchronous triage latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	workflowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage_agent",
			Name:      "workflow_transitions_total",
			Help:      "Deferred RCA workflow state entries, partitioned by state.",
		},
		[]string{"state"},
	)

	workflowOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage_agent",
			Name:      "workflow_outcomes_total",
			Help:      "Deferred RCA workflows that reached a terminal state.",
		},
		[]string{"outcome"},
	)

	egressAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage_agent",
			Name:      "egress_attempts_total",
			Help:      "Calls to external collaborators, partitioned by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	schedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "triage_agent",
			Name:      "scheduler_pending_tasks",
			Help:      "Deferred tasks waiting in the scheduler queue.",
		},
	)
)

// Register attaches triage-agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		triageRequestsTotal,
		triageDurationSeconds,
		workflowTransitionsTotal,
		workflowOutcomesTotal,
		egressAttemptsTotal,
		schedulerQueueDepth,
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

// ObserveTriage records a triage duration and outcome label.
func ObserveTriage(duration time.Duration, outcome string) {
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	triageRequestsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	triageDurationSeconds.Observe(duration.Seconds())
}

// ObserveTransition counts a workflow entering state.
func ObserveTransition(state string) {
	workflowTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveWorkflowOutcome counts a terminal workflow outcome.
func ObserveWorkflowOutcome(outcome string) {
	workflowOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveEgress counts one attempt against an external collaborator.
func ObserveEgress(target, outcome string) {
	egressAttemptsTotal.WithLabelValues(target, outcome).Inc()
}

// SetQueueDepth reports the number of pending scheduler tasks.
func SetQueueDepth(n int) {
	schedulerQueueDepth.Set(float64(n))
}
