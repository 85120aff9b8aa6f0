package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgraph/backend/internal/queue"
)

func TestQueueSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := QueueSink{M: m}

	sink.SubmissionAccepted()
	sink.SubmissionRejected("queue_full")
	sink.QueryWait(2 * time.Second)
	sink.QueryExecution(500 * time.Millisecond)
	sink.QueryFinished(queue.StatusCompleted, "")
	sink.QueryFinished(queue.StatusFailed, "timeout")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.QueueSubmissions.WithLabelValues("accepted")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.QueueSubmissions.WithLabelValues("queue_full")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.QueriesFinished.WithLabelValues("completed", "")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.QueriesFinished.WithLabelValues("failed", "timeout")))
}

func TestBreakerSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := BreakerSink{M: m}

	sink.CircuitOpened("kg1:cypher_query")
	sink.CircuitRejected("kg1:cypher_query")
	sink.CircuitRejected("kg1:cypher_query")
	sink.CircuitClosed("kg1:cypher_query")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.CircuitRejections.WithLabelValues("kg1:cypher_query")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("kg1:cypher_query", "opened")))
}

func TestSeparateRegistries(t *testing.T) {
	// Per-test registries must not collide.
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())
	require.NotNil(t, m1)
	require.NotNil(t, m2)
	m1.StrategySelected.WithLabelValues("JSON_IMMEDIATE").Inc()
	assert.Equal(t, float64(0),
		testutil.ToFloat64(m2.StrategySelected.WithLabelValues("JSON_IMMEDIATE")))
}
