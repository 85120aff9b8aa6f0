package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kgraph/backend/internal/circuitbreaker"
	"github.com/kgraph/backend/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{"error": message, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeCircuitOpen maps an open circuit to 503 with Retry-After.
func writeCircuitOpen(w http.ResponseWriter, err *circuitbreaker.CircuitOpenError) {
	retry := int(err.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusServiceUnavailable, "circuit_open",
		fmt.Sprintf("service temporarily unavailable for %s", err.Key),
		map[string]any{"retry_after_seconds": retry})
}

// writeQueueRejection maps queue submission failures onto the error
// taxonomy: per-user limits are 429, capacity and pressure rejections are
// 503 with Retry-After.
func writeQueueRejection(w http.ResponseWriter, err error) bool {
	var rej *queue.RejectionError
	if !errors.As(err, &rej) {
		return false
	}
	switch rej.Reason {
	case "user_limit":
		writeError(w, http.StatusTooManyRequests, "user_limit",
			"too many concurrent queries for this user",
			map[string]any{"detail": rej.Detail})
	default:
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, rej.Reason,
			"query rejected by admission control",
			map[string]any{"detail": rej.Detail, "retry_after_seconds": 30})
	}
	return true
}

// interactiveTimeoutBody is the instructive 408 payload for testing tools.
func interactiveTimeoutBody(timeoutSeconds int) map[string]any {
	return map[string]any{
		"error": fmt.Sprintf("query exceeded the %d second interactive limit", timeoutSeconds),
		"code":  "interactive_timeout",
		"options": []string{
			"add a LIMIT clause to reduce the result size",
			"set Accept: application/x-ndjson or text/event-stream to stream results",
			"set ?mode=async to queue the query and poll its status",
		},
		"examples": map[string]string{
			"limit":  "MATCH (n) RETURN n LIMIT 100",
			"stream": "curl -H 'Accept: application/x-ndjson' ...",
			"async":  "POST /v1/graphs/{gid}/query?mode=async",
		},
	}
}

// truncationSuggestion accompanies truncated interactive results.
func truncationSuggestion() map[string]any {
	return map[string]any{
		"message": "result truncated for interactive client",
		"options": []string{
			"add LIMIT to the query",
			"use Accept: application/x-ndjson to stream the full result",
			"use ?mode=async to run in the background",
		},
	}
}
