package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgraph/backend/internal/admission"
)

type acceptAll struct{}

func (acceptAll) Check(int, int, int, int) admission.Decision {
	return admission.Decision{Accepted: true}
}

type rejectAll struct{ reason admission.Reason }

func (r rejectAll) Check(int, int, int, int) admission.Decision {
	return admission.Decision{Reason: r.reason, Detail: "forced"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.PopTimeout = 20 * time.Millisecond
	cfg.IdleSleep = 5 * time.Millisecond
	cfg.RemoveDelay = time.Hour
	return cfg
}

func okExecutor(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
	return &Result{Columns: []string{"n"}, Rows: [][]any{{1}}, RowCount: 1}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitAndComplete(t *testing.T) {
	q := New(testConfig(), acceptAll{}, okExecutor, nil)
	defer q.Stop()

	id, err := q.Submit("MATCH (n) RETURN n LIMIT 1", nil, "kg-abc", "user-1", decimal.Zero, 5)
	require.NoError(t, err)
	assert.Regexp(t, `^q_[0-9a-f]{12}$`, id)

	info, ok := q.WaitForResult(id, 3)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, info.Status)
	require.NotNil(t, info.Result)
	assert.Equal(t, 1, info.Result.RowCount)
	assert.NotNil(t, info.StartedAt)
	assert.NotNil(t, info.CompletedAt)
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	blockerStarted := make(chan struct{})

	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		if cypherQuery == "blocker" {
			close(blockerStarted)
			<-release
			return &Result{}, nil
		}
		mu.Lock()
		order = append(order, cypherQuery)
		mu.Unlock()
		return &Result{}, nil
	}

	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()

	_, err := q.Submit("blocker", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerStarted

	// All three wait in the heap while the blocker holds the single slot.
	for _, sub := range []struct {
		name     string
		priority int
	}{{"low", 1}, {"high", 9}, {"mid", 5}} {
		_, err := q.Submit(sub.name, nil, "kg-a", "u1", decimal.Zero, sub.priority)
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return q.Stats().QueueSize == 3 })
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	blockerStarted := make(chan struct{})

	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		if cypherQuery == "blocker" {
			close(blockerStarted)
			<-release
			return &Result{}, nil
		}
		mu.Lock()
		order = append(order, cypherQuery)
		mu.Unlock()
		return &Result{}, nil
	}

	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()

	_, err := q.Submit("blocker", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerStarted

	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Submit(name, nil, "kg-a", "u1", decimal.Zero, 5)
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return q.Stats().QueueSize == 3 })
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPerUserLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerUser = 2
	release := make(chan struct{})
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		<-release
		return &Result{}, nil
	}
	q := New(cfg, acceptAll{}, exec, nil)
	defer q.Stop()
	defer close(release)

	_, err := q.Submit("q1", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	_, err = q.Submit("q2", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	_, err = q.Submit("q3", nil, "kg-a", "u1", decimal.Zero, 5)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "user_limit", rej.Reason)

	// A different user is unaffected.
	_, err = q.Submit("q4", nil, "kg-a", "u2", decimal.Zero, 5)
	assert.NoError(t, err)
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	cfg.MaxPerUser = 10
	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		if cypherQuery == "blocker" {
			close(blockerStarted)
		}
		<-release
		return &Result{}, nil
	}
	q := New(cfg, acceptAll{}, exec, nil)
	defer q.Stop()
	defer close(release)

	_, err := q.Submit("blocker", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerStarted

	_, err = q.Submit("waiting", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	_, err = q.Submit("overflow", nil, "kg-a", "u1", decimal.Zero, 5)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "queue_full", rej.Reason)
}

func TestAdmissionRejection(t *testing.T) {
	q := New(testConfig(), rejectAll{reason: admission.ReasonMemory}, okExecutor, nil)
	defer q.Stop()

	_, err := q.Submit("q", nil, "kg-a", "u1", decimal.Zero, 5)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "memory", rej.Reason)
}

func TestCancelPending(t *testing.T) {
	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	executed := make(chan string, 8)
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		if cypherQuery == "blocker" {
			close(blockerStarted)
			<-release
		}
		executed <- cypherQuery
		return &Result{}, nil
	}
	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()

	_, err := q.Submit("blocker", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerStarted

	id, err := q.Submit("victim", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	// Wrong owner cannot cancel.
	assert.Error(t, q.Cancel(id, "someone-else"))
	require.NoError(t, q.Cancel(id, "u1"))

	info, ok := q.GetStatus(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, info.Status)

	close(release)
	assert.Equal(t, "blocker", <-executed)

	// The cancelled query never runs.
	select {
	case got := <-executed:
		t.Fatalf("unexpected execution of %q", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCancelRunningFails(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		close(started)
		<-release
		return &Result{}, nil
	}
	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()
	defer close(release)

	id, err := q.Submit("q", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-started

	assert.Error(t, q.Cancel(id, "u1"))
}

func TestExecutionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q := New(cfg, acceptAll{}, exec, nil)
	defer q.Stop()

	id, err := q.Submit("slow", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	info, ok := q.WaitForResult(id, 3)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.Error, "Query timeout after")
}

func TestExecutionError(t *testing.T) {
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		return nil, errors.New("engine exploded")
	}
	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()

	id, err := q.Submit("bad", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	info, ok := q.WaitForResult(id, 3)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "engine exploded", info.Error)
}

func TestPerUserCountReleasedAfterCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerUser = 1
	q := New(cfg, acceptAll{}, okExecutor, nil)
	defer q.Stop()

	id, err := q.Submit("q1", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	_, ok := q.WaitForResult(id, 3)
	require.True(t, ok)

	waitFor(t, func() bool {
		_, err := q.Submit("q2", nil, "kg-a", "u1", decimal.Zero, 5)
		return err == nil
	})
}

type recordingSink struct {
	mu       sync.Mutex
	started  []string
	finished []string
	statuses []Status
	errs     []string
}

func (s *recordingSink) QueryStarted(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, queryID)
}

func (s *recordingSink) QueryFinished(queryID string, status Status, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, queryID)
	s.statuses = append(s.statuses, status)
	s.errs = append(s.errs, errorMessage)
}

func (s *recordingSink) finishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finished)
}

func TestEventSinkCompletedLifecycle(t *testing.T) {
	sink := &recordingSink{}
	q := New(testConfig(), acceptAll{}, okExecutor, nil)
	q.SetEventSink(sink)
	defer q.Stop()

	id, err := q.Submit("MATCH (n) RETURN n", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)

	info, ok := q.WaitForResult(id, 3)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, info.Status)

	waitFor(t, func() bool { return sink.finishedCount() == 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{id}, sink.started)
	assert.Equal(t, []string{id}, sink.finished)
	assert.Equal(t, []Status{StatusCompleted}, sink.statuses)
	assert.Equal(t, []string{""}, sink.errs)
}

func TestEventSinkFailureAndCancel(t *testing.T) {
	sink := &recordingSink{}
	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		if cypherQuery == "blocker" {
			close(blockerStarted)
			<-release
		}
		return nil, errors.New("engine exploded")
	}
	q := New(testConfig(), acceptAll{}, exec, nil)
	q.SetEventSink(sink)
	defer q.Stop()

	blockerID, err := q.Submit("blocker", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerStarted

	victimID, err := q.Submit("victim", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(victimID, "u1"))
	close(release)

	waitFor(t, func() bool { return sink.finishedCount() == 2 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{victimID, blockerID}, sink.finished)
	assert.Equal(t, []Status{StatusCancelled, StatusFailed}, sink.statuses)
	assert.Equal(t, []string{"", "engine exploded"}, sink.errs)
}

func TestGetStatusDuringExecution(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*Result, error) {
		close(started)
		<-release
		return &Result{RowCount: 1}, nil
	}
	q := New(testConfig(), acceptAll{}, exec, nil)
	defer q.Stop()

	id, err := q.Submit("q", nil, "kg-a", "u1", decimal.Zero, 5)
	require.NoError(t, err)
	<-started

	// Hammer status reads while the worker transitions the query to its
	// terminal state; run with -race to check the snapshot is consistent.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if info, ok := q.GetStatus(id); ok && info.Status == StatusCompleted {
				return
			}
		}
	}()
	close(release)
	<-done

	info, ok := q.WaitForResult(id, 3)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, info.Status)
}

func TestStats(t *testing.T) {
	q := New(testConfig(), acceptAll{}, okExecutor, nil)
	defer q.Stop()

	s := q.Stats()
	assert.Equal(t, 0, s.QueueSize)
	assert.Equal(t, 1, s.MaxConcurrent)
}

func TestGetStatusUnknown(t *testing.T) {
	q := New(testConfig(), acceptAll{}, okExecutor, nil)
	defer q.Stop()

	_, ok := q.GetStatus("q_doesnotexist")
	assert.False(t, ok)
}
