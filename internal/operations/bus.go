// Package operations implements the unified operation event bus behind the
// /v1/operations/{id}/stream endpoint. Events append to a persisted log in
// the KV store and fan out live over pub/sub, so late subscribers replay
// recent history before receiving new events.
package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kgraph/backend/internal/kv"
)

// Standard event types mirrored from the queue and streaming layers.
const (
	EventStarted   = "OPERATION_STARTED"
	EventProgress  = "OPERATION_PROGRESS"
	EventCompleted = "OPERATION_COMPLETED"
	EventFailed    = "OPERATION_FAILED"
	EventQueued    = "OPERATION_QUEUED"
)

// Event is one entry in an operation's stream.
type Event struct {
	OperationID string         `json:"operation_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Counters tracks bus activity. Values are read by the metrics collector.
type Counters struct {
	ConnectionsOpened   int64
	ConnectionsClosed   int64
	ConnectionsRejected int64
	EventsEmitted       int64
	EventsFailed        int64
	CircuitBreakerOpens int64
	QueueOverflows      int64
}

// Config bounds the bus.
type Config struct {
	// Retention window for persisted event logs.
	Retention time.Duration
	// MaxEventsPerOperation caps the persisted log length.
	MaxEventsPerOperation int64
	// PublisherFailureThreshold opens the publish breaker after this many
	// consecutive failures.
	PublisherFailureThreshold int
	// MaxConnectionsPerUser caps concurrent SSE subscriptions per user.
	MaxConnectionsPerUser int
	// ConnectionRateLimit caps new subscriptions per user per minute.
	ConnectionRateLimit int
	// KeepaliveInterval is how often subscribers receive a ping event.
	KeepaliveInterval time.Duration
	// SubscriberBuffer is the per-subscriber channel depth. Events beyond
	// it are dropped for that subscriber only.
	SubscriberBuffer int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Retention:                 time.Hour,
		MaxEventsPerOperation:     500,
		PublisherFailureThreshold: 3,
		MaxConnectionsPerUser:     5,
		ConnectionRateLimit:       10,
		KeepaliveInterval:         20 * time.Second,
		SubscriberBuffer:          64,
	}
}

// ErrConnectionLimit is returned when a user holds too many streams open.
type ErrConnectionLimit struct {
	UserID string
	Limit  int
}

func (e *ErrConnectionLimit) Error() string {
	return fmt.Sprintf("user %s exceeds connection limit of %d", e.UserID, e.Limit)
}

// ErrRateLimit is returned when a user opens connections too quickly.
type ErrRateLimit struct {
	UserID string
	Limit  int
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("user %s exceeds %d new connections per minute", e.UserID, e.Limit)
}

// MetricsSink receives publish outcomes. Implementations must not block.
type MetricsSink interface {
	EventPublished(outcome string)
}

// Bus persists and fans out operation events.
type Bus struct {
	store   kv.Store
	cfg     Config
	now     func() time.Time
	metrics MetricsSink

	mu           sync.Mutex
	consecutive  int
	breakerOpen  bool
	userConns    map[string]int
	connAttempts map[string][]time.Time
	counters     Counters
}

// NewBus creates an operation bus over the given store.
func NewBus(store kv.Store, cfg Config) *Bus {
	if cfg.PublisherFailureThreshold <= 0 {
		cfg.PublisherFailureThreshold = 3
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.ConnectionRateLimit <= 0 {
		cfg.ConnectionRateLimit = 10
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.MaxEventsPerOperation <= 0 {
		cfg.MaxEventsPerOperation = 500
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Bus{
		store:        store,
		cfg:          cfg,
		now:          time.Now,
		userConns:    make(map[string]int),
		connAttempts: make(map[string][]time.Time),
	}
}

func logKey(operationID string) string     { return "operation_events:" + operationID }
func channelKey(operationID string) string { return "operation_channel:" + operationID }

// Emit appends an event to the operation's log and publishes it live.
// Failures never propagate: the originating operation must continue even
// when the event store is down. After PublisherFailureThreshold consecutive
// failures the breaker opens and Emit becomes a no-op until a later
// publish succeeds (the breaker is probed on every call).
func (b *Bus) Emit(ctx context.Context, operationID, eventType string, payload map[string]any) {
	ev := Event{
		OperationID: operationID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   b.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.recordFailure(operationID, err)
		return
	}

	if err := b.store.Append(ctx, logKey(operationID), data, b.cfg.Retention, b.cfg.MaxEventsPerOperation); err != nil {
		b.recordFailure(operationID, err)
		return
	}
	if err := b.store.Publish(ctx, channelKey(operationID), data); err != nil {
		b.recordFailure(operationID, err)
		return
	}

	b.mu.Lock()
	b.consecutive = 0
	b.breakerOpen = false
	b.counters.EventsEmitted++
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.EventPublished("emitted")
	}
}

// SetMetrics attaches a publish-outcome sink. Call before the bus is shared.
func (b *Bus) SetMetrics(m MetricsSink) { b.metrics = m }

func (b *Bus) recordFailure(operationID string, err error) {
	b.mu.Lock()
	b.counters.EventsFailed++
	b.consecutive++
	opened := false
	if !b.breakerOpen && b.consecutive >= b.cfg.PublisherFailureThreshold {
		b.breakerOpen = true
		b.counters.CircuitBreakerOpens++
		opened = true
	}
	open := b.breakerOpen
	b.mu.Unlock()

	if b.metrics != nil {
		if opened {
			b.metrics.EventPublished("breaker_open")
		} else {
			b.metrics.EventPublished("failed")
		}
	}
	if opened {
		slog.Warn("operation bus publisher breaker opened",
			"operation_id", operationID)
		return
	}
	if !open {
		slog.Debug("operation event publish failed",
			"operation_id", operationID, "error", err)
	}
}

// BreakerOpen reports whether the publish breaker is currently open.
func (b *Bus) BreakerOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.breakerOpen
}

// Subscription is a live event stream for one operation. Events carries
// replayed history followed by live events; the caller must call Close.
type Subscription struct {
	Events <-chan Event

	closeOnce sync.Once
	closeFn   func()
}

// Close releases the subscription and its connection slot.
func (s *Subscription) Close() { s.closeOnce.Do(s.closeFn) }

// Subscribe opens an event stream for operationID on behalf of userID.
// Persisted history is replayed first, then live events. Per-user
// connection and rate caps apply.
func (b *Bus) Subscribe(ctx context.Context, operationID, userID string) (*Subscription, error) {
	if err := b.admitConnection(userID); err != nil {
		return nil, err
	}

	ch := make(chan Event, b.cfg.SubscriberBuffer)

	unsubscribe, err := b.store.Subscribe(ctx, channelKey(operationID), func(msg []byte) {
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		select {
		case ch <- ev:
		default:
			b.mu.Lock()
			b.counters.QueueOverflows++
			b.mu.Unlock()
		}
	})
	if err != nil {
		b.releaseConnection(userID)
		return nil, fmt.Errorf("subscribe to operation %s: %w", operationID, err)
	}

	// Replay after subscribing so no event falls between replay and live.
	// The subscriber may see an event twice across the boundary; consumers
	// are expected to tolerate replays.
	history, err := b.store.Range(ctx, logKey(operationID), 0, -1)
	if err != nil && err != kv.ErrNotFound {
		slog.Debug("operation history replay failed", "operation_id", operationID, "error", err)
	}
	for _, raw := range history {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}

	sub := &Subscription{Events: ch}
	sub.closeFn = func() {
		unsubscribe()
		b.releaseConnection(userID)
		b.mu.Lock()
		b.counters.ConnectionsClosed++
		b.mu.Unlock()
	}
	return sub, nil
}

func (b *Bus) admitConnection(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-time.Minute)
	attempts := b.connAttempts[userID][:0]
	for _, t := range b.connAttempts[userID] {
		if t.After(cutoff) {
			attempts = append(attempts, t)
		}
	}
	if len(attempts) >= b.cfg.ConnectionRateLimit {
		b.connAttempts[userID] = attempts
		b.counters.ConnectionsRejected++
		return &ErrRateLimit{UserID: userID, Limit: b.cfg.ConnectionRateLimit}
	}
	if b.userConns[userID] >= b.cfg.MaxConnectionsPerUser {
		b.counters.ConnectionsRejected++
		return &ErrConnectionLimit{UserID: userID, Limit: b.cfg.MaxConnectionsPerUser}
	}

	b.connAttempts[userID] = append(attempts, now)
	b.userConns[userID]++
	b.counters.ConnectionsOpened++
	return nil
}

func (b *Bus) releaseConnection(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.userConns[userID]; n <= 1 {
		delete(b.userConns, userID)
	} else {
		b.userConns[userID] = n - 1
	}
}

// History returns the persisted events for an operation, oldest first.
func (b *Bus) History(ctx context.Context, operationID string) ([]Event, error) {
	raws, err := b.store.Range(ctx, logKey(operationID), 0, -1)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Snapshot returns a copy of the bus counters.
func (b *Bus) Snapshot() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// SetClock overrides the time source. Test helper.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
