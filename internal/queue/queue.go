// Package queue implements the bounded priority query queue. Submissions
// pass admission control, wait in a max-heap ordered by priority (FIFO
// within a priority), and execute on a bounded worker pool. Finished
// queries move into an LRU so status stays queryable after completion.
package queue

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/kgraph/backend/internal/admission"
)

// Status is the lifecycle state of a queued query.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is what the injected executor produces for a finished query.
type Result struct {
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	RowCount    int      `json:"row_count"`
	ExecutionMS int64    `json:"execution_ms"`
}

// Executor runs a query against a graph. Implementations must honor the
// context deadline.
type Executor func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error)

// QueuedQuery is the queue's record of a submission.
type QueuedQuery struct {
	ID              string          `json:"id"`
	Cypher          string          `json:"cypher"`
	Params          map[string]any  `json:"params,omitempty"`
	GraphID         string          `json:"graph_id"`
	UserID          string          `json:"user_id"`
	CreditsRequired decimal.Decimal `json:"credits_required"`
	Priority        int             `json:"priority"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StatusInfo is the normalized view returned by GetStatus regardless of
// which storage currently holds the query.
type StatusInfo struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	EstimatedWait float64    `json:"estimated_wait_seconds,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Stats is the live queue snapshot used for strategy selection and the
// stats endpoint.
type Stats struct {
	QueueSize     int `json:"queue_size"`
	Running       int `json:"running"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxQueueSize  int `json:"max_queue_size"`
	TotalPending  int `json:"total_pending"`
}

// RejectionError reports why a submission was refused.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("submission rejected: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// MetricsSink receives queue lifecycle events. All methods must be cheap
// and non-blocking.
type MetricsSink interface {
	SubmissionAccepted()
	SubmissionRejected(reason string)
	QueryWait(d time.Duration)
	QueryExecution(d time.Duration)
	QueryFinished(status Status, errorType string)
}

type nopMetrics struct{}

func (nopMetrics) SubmissionAccepted()          {}
func (nopMetrics) SubmissionRejected(string)    {}
func (nopMetrics) QueryWait(time.Duration)      {}
func (nopMetrics) QueryExecution(time.Duration) {}
func (nopMetrics) QueryFinished(Status, string) {}

// EventSink receives query lifecycle transitions so they can be mirrored
// to the operation event bus. Implementations must not block; they are
// called from the worker goroutines outside the queue lock.
type EventSink interface {
	QueryStarted(queryID string)
	QueryFinished(queryID string, status Status, errorMessage string)
}

// Admitter is the admission-control surface the queue consults on submit.
type Admitter interface {
	Check(queueDepth, maxQueueSize, activeQueries, priority int) admission.Decision
}

// Config bounds the queue.
type Config struct {
	MaxQueueSize     int
	MaxConcurrent    int
	MaxPerUser       int
	ExecutionTimeout time.Duration

	CompletedCacheSize int
	RemoveDelay        time.Duration
	PopTimeout         time.Duration
	IdleSleep          time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:       1000,
		MaxConcurrent:      50,
		MaxPerUser:         10,
		ExecutionTimeout:   300 * time.Second,
		CompletedCacheSize: 10000,
		RemoveDelay:        5 * time.Minute,
		PopTimeout:         time.Second,
		IdleSleep:          100 * time.Millisecond,
	}
}

type heapItem struct {
	priority  int
	createdAt time.Time
	seq       uint64
	id        string
}

type queryHeap []*heapItem

func (h queryHeap) Len() int { return len(h) }

func (h queryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h queryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queryHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *queryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the priority query queue. The background worker starts lazily
// on the first Submit.
type Queue struct {
	cfg      Config
	admitter Admitter
	executor Executor
	metrics  MetricsSink
	events   EventSink
	now      func() time.Time

	mu        sync.Mutex
	heap      queryHeap
	index     map[string]*QueuedQuery
	perUser   map[string]int
	running   int
	seq       uint64
	completed *lru.Cache

	startOnce sync.Once
	wake      chan struct{}
	quit      chan struct{}
	done      sync.WaitGroup
}

// New creates a queue. A nil metrics sink is replaced with a no-op one.
func New(cfg Config, admitter Admitter, executor Executor, metrics MetricsSink) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 100 * time.Millisecond
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	cache, _ := lru.New(cfg.CompletedCacheSize)
	return &Queue{
		cfg:       cfg,
		admitter:  admitter,
		executor:  executor,
		metrics:   metrics,
		now:       time.Now,
		index:     make(map[string]*QueuedQuery),
		perUser:   make(map[string]int),
		completed: cache,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// SetEventSink attaches a lifecycle sink. Must be called before the first
// Submit; the worker reads it without synchronization.
func (q *Queue) SetEventSink(events EventSink) {
	q.events = events
}

func newQueryID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("q_%012d", time.Now().UnixNano()%1e12)
	}
	return "q_" + hex.EncodeToString(b)
}

// Submit enqueues a query and returns its id. The error, when non-nil, is
// a *RejectionError carrying the admission or capacity reason.
func (q *Queue) Submit(cypherQuery string, params map[string]any, graphID, userID string, creditsRequired decimal.Decimal, priority int) (string, error) {
	q.startOnce.Do(func() {
		q.done.Add(1)
		go q.workerLoop()
	})

	q.mu.Lock()
	depth := len(q.heap)
	active := q.running
	q.mu.Unlock()

	if q.admitter != nil {
		if d := q.admitter.Check(depth, q.cfg.MaxQueueSize, active, priority); !d.Accepted {
			q.metrics.SubmissionRejected(string(d.Reason))
			return "", &RejectionError{Reason: string(d.Reason), Detail: d.Detail}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.cfg.MaxQueueSize {
		q.metrics.SubmissionRejected(string(admission.ReasonQueueFull))
		return "", &RejectionError{Reason: string(admission.ReasonQueueFull), Detail: "queue at capacity"}
	}
	if q.perUser[userID] >= q.cfg.MaxPerUser {
		q.metrics.SubmissionRejected("user_limit")
		return "", &RejectionError{
			Reason: "user_limit",
			Detail: fmt.Sprintf("user has %d queries in flight (limit %d)", q.perUser[userID], q.cfg.MaxPerUser),
		}
	}

	now := q.now()
	qq := &QueuedQuery{
		ID:              newQueryID(),
		Cypher:          cypherQuery,
		Params:          params,
		GraphID:         graphID,
		UserID:          userID,
		CreditsRequired: creditsRequired,
		Priority:        priority,
		Status:          StatusPending,
		CreatedAt:       now,
	}
	q.index[qq.ID] = qq
	q.perUser[userID]++
	q.seq++
	heap.Push(&q.heap, &heapItem{priority: priority, createdAt: now, seq: q.seq, id: qq.ID})

	q.metrics.SubmissionAccepted()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return qq.ID, nil
}

func (q *Queue) workerLoop() {
	defer q.done.Done()
	for {
		q.mu.Lock()
		atCapacity := q.running >= q.cfg.MaxConcurrent
		q.mu.Unlock()
		if atCapacity {
			select {
			case <-q.quit:
				return
			case <-time.After(q.cfg.IdleSleep):
			}
			continue
		}

		qq := q.popPending()
		if qq == nil {
			select {
			case <-q.quit:
				return
			case <-q.wake:
			case <-time.After(q.cfg.PopTimeout):
			}
			continue
		}

		started := q.now()
		q.mu.Lock()
		qq.Status = StatusRunning
		qq.StartedAt = &started
		q.running++
		q.mu.Unlock()
		q.metrics.QueryWait(started.Sub(qq.CreatedAt))
		if q.events != nil {
			q.events.QueryStarted(qq.ID)
		}

		q.done.Add(1)
		go q.execute(qq)
	}
}

// popPending removes heap entries until it finds one whose query is still
// pending. Cancelled entries are skipped; their records already moved on.
func (q *Queue) popPending() *QueuedQuery {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*heapItem)
		qq, ok := q.index[item.id]
		if !ok || qq.Status != StatusPending {
			continue
		}
		return qq
	}
	return nil
}

func (q *Queue) execute(qq *QueuedQuery) {
	defer q.done.Done()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ExecutionTimeout)
	defer cancel()

	start := q.now()
	result, err := q.executor(ctx, qq.Cypher, qq.Params, qq.GraphID)
	elapsed := q.now().Sub(start)

	completed := q.now()
	var errorType string

	q.mu.Lock()
	qq.CompletedAt = &completed
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		qq.Status = StatusFailed
		qq.Error = fmt.Sprintf("Query timeout after %s", q.cfg.ExecutionTimeout)
		errorType = "timeout"
	case err != nil:
		qq.Status = StatusFailed
		qq.Error = err.Error()
		errorType = "execution_error"
	default:
		qq.Status = StatusCompleted
		qq.Result = result
	}
	status, errMsg := qq.Status, qq.Error
	q.running--
	q.retireLocked(qq)
	q.mu.Unlock()

	q.metrics.QueryExecution(elapsed)
	q.metrics.QueryFinished(status, errorType)
	if q.events != nil {
		q.events.QueryFinished(qq.ID, status, errMsg)
	}
	if errorType != "" {
		slog.Warn("queued query failed",
			"query_id", qq.ID, "graph_id", qq.GraphID, "error_type", errorType, "error", errMsg)
	}
}

// retireLocked moves a finished query to the completed cache and schedules
// its removal from the primary index. Callers hold q.mu.
func (q *Queue) retireLocked(qq *QueuedQuery) {
	if n := q.perUser[qq.UserID]; n <= 1 {
		delete(q.perUser, qq.UserID)
	} else {
		q.perUser[qq.UserID] = n - 1
	}
	q.completed.Add(qq.ID, qq)
	id := qq.ID
	time.AfterFunc(q.cfg.RemoveDelay, func() {
		q.mu.Lock()
		delete(q.index, id)
		q.mu.Unlock()
	})
}

// Cancel aborts a pending query. Only the submitting user may cancel, and
// running queries are past the point of cancellation.
func (q *Queue) Cancel(queryID, userID string) error {
	q.mu.Lock()
	qq, ok := q.index[queryID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("query %s not found", queryID)
	}
	if qq.UserID != userID {
		q.mu.Unlock()
		return fmt.Errorf("query %s does not belong to user", queryID)
	}
	if qq.Status != StatusPending {
		status := qq.Status
		q.mu.Unlock()
		return fmt.Errorf("query %s is %s and cannot be cancelled", queryID, status)
	}

	now := q.now()
	qq.Status = StatusCancelled
	qq.CompletedAt = &now
	q.retireLocked(qq)
	q.mu.Unlock()

	q.metrics.QueryFinished(StatusCancelled, "")
	if q.events != nil {
		q.events.QueryFinished(queryID, StatusCancelled, "")
	}
	return nil
}

// GetStatus returns a normalized status record, checking the primary index
// first and the completed cache second.
func (q *Queue) GetStatus(queryID string) (*StatusInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qq, ok := q.index[queryID]
	if !ok {
		v, hit := q.completed.Get(queryID)
		if !hit {
			return nil, false
		}
		qq = v.(*QueuedQuery)
	}

	// The worker mutates queries under q.mu, so the snapshot must be
	// taken while still holding it.
	info := &StatusInfo{
		ID:          qq.ID,
		Status:      qq.Status,
		CreatedAt:   qq.CreatedAt,
		StartedAt:   qq.StartedAt,
		CompletedAt: qq.CompletedAt,
		Result:      qq.Result,
		Error:       qq.Error,
	}
	if qq.Status == StatusPending {
		// Approximate: the heap is not ordered by id, so report depth.
		depth := len(q.heap)
		info.QueuePosition = depth
		if q.cfg.MaxConcurrent > 0 {
			info.EstimatedWait = float64(depth) / float64(q.cfg.MaxConcurrent) * 2
		}
	}
	return info, true
}

// WaitForResult polls for completion every 100ms up to waitSeconds and
// returns the last observed status. SSE monitoring is the preferred path;
// this exists for clients that cannot hold a stream open.
func (q *Queue) WaitForResult(queryID string, waitSeconds int) (*StatusInfo, bool) {
	deadline := q.now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		info, ok := q.GetStatus(queryID)
		if !ok {
			return nil, false
		}
		switch info.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return info, true
		}
		if !q.now().Before(deadline) {
			return info, true
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stats reports the live queue shape.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueueSize:     len(q.heap),
		Running:       q.running,
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
		TotalPending:  len(q.heap),
	}
}

// Stop shuts the worker down and waits for in-flight executions.
func (q *Queue) Stop() {
	q.startOnce.Do(func() {})
	select {
	case <-q.quit:
	default:
		close(q.quit)
	}
	q.done.Wait()
}

// SetClock overrides the time source. Test helper.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}
