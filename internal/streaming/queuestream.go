package streaming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/queue"
)

// QueueStatusSource is the queue surface the streamer polls. Satisfied by
// *queue.Queue.
type QueueStatusSource interface {
	GetStatus(queryID string) (*queue.StatusInfo, bool)
}

// QueueStreamer drives the queue-then-stream path: the query waits in the
// queue while the client holds an SSE connection, then the buffered result
// streams out over the same connection. The queued event mirrors to the
// operation bus; the queue's own event sink publishes the start and
// terminal events.
type QueueStreamer struct {
	queue        QueueStatusSource
	bus          *operations.Bus
	pollInterval time.Duration
	keepalive    time.Duration
	now          func() time.Time
}

// NewQueueStreamer creates a streamer polling queue status every second.
func NewQueueStreamer(q QueueStatusSource, bus *operations.Bus) *QueueStreamer {
	return &QueueStreamer{
		queue:        q,
		bus:          bus,
		pollInterval: time.Second,
		keepalive:    20 * time.Second,
		now:          time.Now,
	}
}

func (s *QueueStreamer) mirror(ctx context.Context, operationID, eventType string, payload map[string]any) {
	if s.bus != nil && operationID != "" {
		s.bus.Emit(ctx, operationID, eventType, payload)
	}
}

// Stream follows queryID from pending to completion over the emitter.
// The context cancels the wait when the client disconnects.
func (s *QueueStreamer) Stream(ctx context.Context, e *SSEEmitter, queryID, operationID string) error {
	info, ok := s.queue.GetStatus(queryID)
	if !ok {
		return e.WriteError(fmt.Sprintf("query %s not found", queryID), "not_found")
	}

	if err := e.WriteEvent(SSEQueued, map[string]any{
		"queryId":       queryID,
		"position":      info.QueuePosition,
		"estimatedWait": info.EstimatedWait,
	}); err != nil {
		return err
	}
	s.mirror(ctx, operationID, operations.EventQueued, map[string]any{
		"query_id": queryID,
		"position": info.QueuePosition,
	})

	lastPosition := info.QueuePosition
	startedEmitted := false
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(s.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			if err := e.Ping(); err != nil {
				return err
			}
		case <-poll.C:
		}

		info, ok = s.queue.GetStatus(queryID)
		if !ok {
			return e.WriteError(fmt.Sprintf("query %s disappeared", queryID), "not_found")
		}

		switch info.Status {
		case queue.StatusPending:
			if info.QueuePosition != lastPosition {
				lastPosition = info.QueuePosition
				if err := e.WriteEvent(SSEQueueUpd, map[string]any{
					"position":      info.QueuePosition,
					"estimatedWait": info.EstimatedWait,
				}); err != nil {
					return err
				}
			}

		case queue.StatusRunning:
			if !startedEmitted {
				startedEmitted = true
				if err := e.WriteEvent(SSEStarted, map[string]any{
					"queryId":   queryID,
					"timestamp": s.now().UTC().Format(time.RFC3339),
				}); err != nil {
					return err
				}
			}

		case queue.StatusCompleted:
			if !startedEmitted {
				// Fast queries can skip the observable running window.
				if err := e.WriteEvent(SSEStarted, map[string]any{
					"queryId":   queryID,
					"timestamp": s.now().UTC().Format(time.RFC3339),
				}); err != nil {
					return err
				}
			}
			start := info.CreatedAt
			if info.StartedAt != nil {
				start = *info.StartedAt
			}
			var rows Rows = NewSliceRows(nil, nil)
			if info.Result != nil {
				rows = NewSliceRows(info.Result.Columns, info.Result.Rows)
			}
			return e.StreamBody(rows, start)

		case queue.StatusFailed:
			errType := "execution_error"
			if strings.HasPrefix(info.Error, "Query timeout") {
				errType = "timeout"
			}
			return e.WriteError(info.Error, errType)

		case queue.StatusCancelled:
			return e.WriteError("query cancelled", "cancelled")
		}
	}
}
