package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service lifecycle metrics
var (
	ServiceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_service_transitions_total",
			Help: "Inference service start and stop attempts by outcome",
		},
		[]string{"op", "result"},
	)

	ServiceStartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inboxguard_service_start_duration_seconds",
			Help:    "Time from launch until the inference service port was bound",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)
)

// Pipeline body metrics
var (
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_pipeline_runs_total",
			Help: "Pipeline body executions by execution mode and exit status",
		},
		[]string{"mode", "status"},
	)

	PipelineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxguard_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline body executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	ItemsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxguard_items_extracted_total",
			Help: "Messages extracted from the mailbox",
		},
	)
)

// Action metrics
var (
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_actions_total",
			Help: "Remediation actions applied by action and result",
		},
		[]string{"action", "result"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxguard_action_duration_seconds",
			Help:    "Duration of single remediation action invocations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"action"},
	)

	ActionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inboxguard_actions_in_flight",
			Help: "Remediation actions currently executing",
		},
	)
)

// Classifier metrics
var (
	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_classifier_requests_total",
			Help: "Requests sent to the inference service",
		},
		[]string{"endpoint", "status"},
	)

	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxguard_classifier_request_duration_seconds",
			Help:    "Duration of inference service requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inboxguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inboxguard_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxguard_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)
)

// Mailbox metrics
var (
	IMAPCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_imap_commands_total",
			Help: "IMAP commands issued against the monitored mailbox",
		},
		[]string{"command", "status"},
	)
)

// Run artifact metrics
var (
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_archive_operations_total",
			Help: "Object storage operations for run artifacts",
		},
		[]string{"operation", "status"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_ledger_operations_total",
			Help: "Run ledger database operations",
		},
		[]string{"operation", "status"},
	)

	ReportsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxguard_reports_sent_total",
			Help: "Run report mails by result",
		},
		[]string{"result"},
	)
)

// Result returns the label value for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
