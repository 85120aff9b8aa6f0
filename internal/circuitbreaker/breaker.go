// Package circuitbreaker implements per-dependency circuit breaking for the
// query gateway. Breakers are keyed by "<graphID>:<operation>" so a single
// misbehaving graph engine cannot take down queries against other graphs.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned (wrapped in CircuitOpenError) when the breaker
// is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError carries the Retry-After hint for 503 responses.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Config holds breaker tuning.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// State is a read-only snapshot of one breaker.
type State struct {
	Key           string     `json:"key"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	IsOpen        bool       `json:"is_open"`
	HalfOpenCalls int        `json:"half_open_calls"`
}

type breaker struct {
	failureCount  int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	isOpen        bool
	halfOpenCalls int
}

// MetricsSink receives breaker transitions. Implementations must not fail;
// the breaker ignores anything the sink does.
type MetricsSink interface {
	CircuitOpened(key string)
	CircuitClosed(key string)
	CircuitRejected(key string)
}

// Manager tracks breakers per (graph, operation) key.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
	metrics  MetricsSink
	now      func() time.Time
}

// NewManager creates a breaker manager. sink may be nil.
func NewManager(cfg Config, sink MetricsSink) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		metrics:  sink,
		now:      time.Now,
	}
}

func key(graphID, operation string) string {
	return graphID + ":" + operation
}

func (m *Manager) get(k string) *breaker {
	b, ok := m.breakers[k]
	if !ok {
		b = &breaker{}
		m.breakers[k] = b
	}
	return b
}

// Check reports whether a call against (graphID, operation) may proceed.
// While the circuit is open and the recovery timeout has not elapsed it
// returns a CircuitOpenError with a Retry-After of at least 30 seconds.
// Once the timeout has elapsed the breaker moves to half-open and the call
// is allowed as a probe.
func (m *Manager) Check(graphID, operation string) error {
	k := key(graphID, operation)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(k)
	if !b.isOpen {
		return nil
	}

	elapsed := m.now().Sub(b.lastFailureAt)
	if elapsed < m.cfg.RecoveryTimeout {
		retry := m.cfg.RecoveryTimeout - elapsed
		if retry < 30*time.Second {
			retry = 30 * time.Second
		}
		if m.metrics != nil {
			m.metrics.CircuitRejected(k)
		}
		return &CircuitOpenError{Key: k, RetryAfter: retry}
	}

	// Recovery window passed: allow a probe through in half-open mode.
	b.isOpen = false
	b.failureCount = 0
	b.halfOpenCalls = 1
	slog.Info("circuit half-open, allowing probe", "key", k)
	return nil
}

// RecordSuccess clears failure state and closes the circuit.
func (m *Manager) RecordSuccess(graphID, operation string) {
	k := key(graphID, operation)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(k)
	wasOpen := b.isOpen
	b.failureCount = 0
	b.halfOpenCalls = 0
	b.isOpen = false
	b.lastSuccessAt = m.now()

	if wasOpen {
		slog.Info("circuit closed after successful probe", "key", k)
		if m.metrics != nil {
			m.metrics.CircuitClosed(k)
		}
	}
}

// RecordFailure increments the failure count and opens the circuit when the
// threshold is reached.
func (m *Manager) RecordFailure(graphID, operation string) {
	k := key(graphID, operation)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(k)
	b.failureCount++
	b.lastFailureAt = m.now()

	if b.failureCount >= m.cfg.FailureThreshold && !b.isOpen {
		b.isOpen = true
		slog.Warn("circuit opened",
			"key", k, "failures", b.failureCount, "recovery", m.cfg.RecoveryTimeout)
		if m.metrics != nil {
			m.metrics.CircuitOpened(k)
		}
	}
}

// Status returns snapshots of every known breaker, for observability.
func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for k, b := range m.breakers {
		s := State{
			Key:           k,
			FailureCount:  b.failureCount,
			IsOpen:        b.isOpen,
			HalfOpenCalls: b.halfOpenCalls,
		}
		if !b.lastFailureAt.IsZero() {
			t := b.lastFailureAt
			s.LastFailureAt = &t
		}
		if !b.lastSuccessAt.IsZero() {
			t := b.lastSuccessAt
			s.LastSuccessAt = &t
		}
		out[k] = s
	}
	return out
}

// SetClock overrides the time source. Test helper.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
