// Package monitoring holds the Prometheus metrics for the query gateway.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kgraph/backend/internal/queue"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// HTTP metrics
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Queue metrics
	QueueSubmissions *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueRunning     prometheus.Gauge
	QueryWaitSeconds prometheus.Histogram
	QueryExecSeconds prometheus.Histogram
	QueriesFinished  *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Credit metrics
	CreditConsumptions *prometheus.CounterVec
	CreditsConsumed    *prometheus.CounterVec

	// SSE / operation bus metrics
	SSEConnections *prometheus.CounterVec
	SSEEvents      *prometheus.CounterVec

	// Strategy metrics
	StrategySelected *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics. A nil registerer
// uses the process-wide default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total HTTP requests handled by the gateway",
			},
			[]string{"endpoint", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		QueueSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_submissions_total",
				Help: "Query queue submissions",
			},
			[]string{"outcome"}, // accepted, memory, cpu, queue_full, load_shed, user_limit
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Queries currently waiting in the queue",
			},
		),

		QueueRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_queue_running",
				Help: "Queries currently executing",
			},
		),

		QueryWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_query_wait_seconds",
				Help:    "Time queries spend waiting in the queue",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		QueryExecSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_query_execution_seconds",
				Help:    "Query execution time",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		QueriesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queries_finished_total",
				Help: "Queued queries by terminal status",
			},
			[]string{"status", "error_type"}, // error_type: timeout, execution_error, ""
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_transitions_total",
				Help: "Circuit breaker open/close transitions",
			},
			[]string{"key", "transition"}, // transition: opened, closed
		),

		CircuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_rejections_total",
				Help: "Requests rejected by an open circuit",
			},
			[]string{"key"},
		),

		CreditConsumptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credit_consumptions_total",
				Help: "Credit consumption attempts",
			},
			[]string{"operation_type", "outcome"}, // outcome: success, insufficient, error
		),

		CreditsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credits_consumed_total",
				Help: "Total credits consumed, by operation type",
			},
			[]string{"operation_type"},
		),

		SSEConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sse_connections_total",
				Help: "SSE connection lifecycle events",
			},
			[]string{"event"}, // opened, closed, rejected
		),

		SSEEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sse_events_total",
				Help: "Operation bus publish outcomes",
			},
			[]string{"outcome"}, // emitted, failed, breaker_open
		),

		StrategySelected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_strategy_selected_total",
				Help: "Execution strategies chosen per request",
			},
			[]string{"strategy"},
		),
	}
}

// QueueSink adapts Metrics to the queue's metrics interface.
type QueueSink struct{ M *Metrics }

func (s QueueSink) SubmissionAccepted() {
	s.M.QueueSubmissions.WithLabelValues("accepted").Inc()
}

func (s QueueSink) SubmissionRejected(reason string) {
	s.M.QueueSubmissions.WithLabelValues(reason).Inc()
}

func (s QueueSink) QueryWait(d time.Duration) {
	s.M.QueryWaitSeconds.Observe(d.Seconds())
}

func (s QueueSink) QueryExecution(d time.Duration) {
	s.M.QueryExecSeconds.Observe(d.Seconds())
}

func (s QueueSink) QueryFinished(status queue.Status, errorType string) {
	s.M.QueriesFinished.WithLabelValues(string(status), errorType).Inc()
}

// BusSink adapts Metrics to the operation bus publish-outcome interface.
type BusSink struct{ M *Metrics }

func (s BusSink) EventPublished(outcome string) {
	s.M.SSEEvents.WithLabelValues(outcome).Inc()
}

// BreakerSink adapts Metrics to the circuit breaker's metrics interface.
type BreakerSink struct{ M *Metrics }

func (s BreakerSink) CircuitOpened(key string) {
	s.M.CircuitTransitions.WithLabelValues(key, "opened").Inc()
}

func (s BreakerSink) CircuitClosed(key string) {
	s.M.CircuitTransitions.WithLabelValues(key, "closed").Inc()
}

func (s BreakerSink) CircuitRejected(key string) {
	s.M.CircuitRejections.WithLabelValues(key).Inc()
}
