package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SSE event names emitted during query streaming.
const (
	SSEStarted  = "started"
	SSESchema   = "schema"
	SSEChunk    = "chunk"
	SSEProgress = "progress"
	SSEComplete = "complete"
	SSETimeout  = "timeout"
	SSEError    = "error"
	SSEQueued   = "queued"
	SSEQueueUpd = "queue_update"
	SSEPing     = "ping"
)

// progressEveryChunks controls how often a progress event interleaves the
// chunk stream.
const progressEveryChunks = 10

// SSEEmitter writes server-sent events. Each event is flushed immediately
// so clients observe progress in real time.
type SSEEmitter struct {
	w         io.Writer
	flusher   http.Flusher
	chunkSize int
	graphID   string
	now       func() time.Time
}

// NewSSEEmitter creates an emitter over w. The caller is responsible for
// setting the text/event-stream content type before the first write.
func NewSSEEmitter(w io.Writer, chunkSize int, graphID string) *SSEEmitter {
	e := &SSEEmitter{w: w, chunkSize: chunkSize, graphID: graphID, now: time.Now}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// WriteEvent emits one named SSE event with a JSON payload.
func (e *SSEEmitter) WriteEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Ping writes a keepalive comment line.
func (e *SSEEmitter) Ping() error {
	if _, err := fmt.Fprint(e.w, ": ping\n\n"); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Stream emits started, schema, chunked rows with periodic progress, and a
// final complete event.
func (e *SSEEmitter) Stream(rows Rows, executionStart time.Time) error {
	return e.stream(rows, executionStart, true)
}

// StreamBody is Stream without the leading started event, for callers that
// already announced the start (the queue-then-stream path).
func (e *SSEEmitter) StreamBody(rows Rows, executionStart time.Time) error {
	return e.stream(rows, executionStart, false)
}

func (e *SSEEmitter) stream(rows Rows, executionStart time.Time, includeStarted bool) error {
	defer rows.Close()

	if includeStarted {
		if err := e.WriteEvent(SSEStarted, map[string]any{
			"graphId":   e.graphID,
			"timestamp": e.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	if err := e.WriteEvent(SSESchema, map[string]any{
		"columns": rows.Columns(),
	}); err != nil {
		return err
	}

	chunk := make([][]any, 0, e.chunkSize)
	chunkNumber := 0
	total := 0

	flushChunk := func() error {
		if len(chunk) == 0 {
			return nil
		}
		total += len(chunk)
		if err := e.WriteEvent(SSEChunk, map[string]any{
			"chunkNumber": chunkNumber,
			"rows":        chunk,
			"rowsInChunk": len(chunk),
			"totalRows":   total,
		}); err != nil {
			return err
		}
		chunkNumber++
		chunk = chunk[:0]
		if chunkNumber%progressEveryChunks == 0 {
			return e.WriteEvent(SSEProgress, map[string]any{
				"chunksSent": chunkNumber,
				"totalRows":  total,
			})
		}
		return nil
	}

	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return e.WriteError(err.Error(), "execution_error")
		}
		chunk = append(chunk, row)
		if len(chunk) >= e.chunkSize {
			if err := flushChunk(); err != nil {
				return err
			}
		}
	}
	if err := flushChunk(); err != nil {
		return err
	}

	return e.WriteEvent(SSEComplete, map[string]any{
		"totalRows":       total,
		"executionTimeMs": e.now().Sub(executionStart).Milliseconds(),
		"graphId":         e.graphID,
		"timestamp":       e.now().UTC().Format(time.RFC3339),
	})
}

// WriteError terminates the stream with an error event.
func (e *SSEEmitter) WriteError(message, errorType string) error {
	name := SSEError
	if errorType == "timeout" {
		name = SSETimeout
	}
	return e.WriteEvent(name, map[string]any{
		"error":     message,
		"errorType": errorType,
		"graphId":   e.graphID,
		"timestamp": e.now().UTC().Format(time.RFC3339),
	})
}
