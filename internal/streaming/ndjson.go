package streaming

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// NDJSONEmitter writes one JSON object per line: chunk lines followed by a
// completion sentinel, or an error line when the stream fails mid-flight.
type NDJSONEmitter struct {
	w         io.Writer
	flusher   http.Flusher
	chunkSize int
	graphID   string
	now       func() time.Time
}

// NewNDJSONEmitter creates an emitter. If w implements http.Flusher each
// line is flushed as it is written.
func NewNDJSONEmitter(w io.Writer, chunkSize int, graphID string) *NDJSONEmitter {
	e := &NDJSONEmitter{w: w, chunkSize: chunkSize, graphID: graphID, now: time.Now}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

type ndjsonChunk struct {
	ChunkIndex    int      `json:"chunkIndex"`
	Rows          [][]any  `json:"rows"`
	RowCount      int      `json:"rowCount"`
	TotalRowsSent int      `json:"totalRowsSent"`
	Columns       []string `json:"columns,omitempty"`
}

type ndjsonComplete struct {
	Complete        bool   `json:"complete"`
	TotalRows       int    `json:"totalRows"`
	ExecutionTimeMS int64  `json:"executionTimeMs"`
	GraphID         string `json:"graphId"`
	Timestamp       string `json:"timestamp"`
}

type ndjsonError struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
	GraphID   string `json:"graphId"`
	Timestamp string `json:"timestamp"`
}

func (e *NDJSONEmitter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Stream drains rows into chunked NDJSON lines and closes with the
// completion sentinel. Columns are carried on chunk 0 only.
func (e *NDJSONEmitter) Stream(rows Rows, executionStart time.Time) error {
	defer rows.Close()

	chunk := make([][]any, 0, e.chunkSize)
	chunkIndex := 0
	total := 0

	flushChunk := func() error {
		if len(chunk) == 0 && chunkIndex > 0 {
			return nil
		}
		total += len(chunk)
		line := ndjsonChunk{
			ChunkIndex:    chunkIndex,
			Rows:          chunk,
			RowCount:      len(chunk),
			TotalRowsSent: total,
		}
		if chunkIndex == 0 {
			line.Columns = rows.Columns()
		}
		if err := e.writeLine(line); err != nil {
			return err
		}
		chunkIndex++
		chunk = chunk[:0]
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

	return e.writeLine(ndjsonComplete{
		Complete:        true,
		TotalRows:       total,
		ExecutionTimeMS: e.now().Sub(executionStart).Milliseconds(),
		GraphID:         e.graphID,
		Timestamp:       e.now().UTC().Format(time.RFC3339),
	})
}

// WriteError terminates the stream with an error line.
func (e *NDJSONEmitter) WriteError(message, errorType string) error {
	return e.writeLine(ndjsonError{
		Error:     message,
		ErrorType: errorType,
		GraphID:   e.graphID,
		Timestamp: e.now().UTC().Format(time.RFC3339),
	})
}
