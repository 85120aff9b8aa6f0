package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/streaming"
)

// terminal operation event types close the stream after delivery.
var terminalEvents = map[string]bool{
	operations.EventCompleted: true,
	operations.EventFailed:    true,
}

func (g *Gateway) handleOperationStream(w http.ResponseWriter, r *http.Request) {
	if g.opts.DisableSSE {
		writeError(w, http.StatusServiceUnavailable, "sse_disabled",
			"event streaming is disabled; poll the query status endpoint", nil)
		return
	}
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no user in request", nil)
		return
	}
	operationID := mux.Vars(r)["operation_id"]

	sub, err := g.bus.Subscribe(r.Context(), operationID, user.ID)
	if err != nil {
		if g.metrics != nil {
			g.metrics.SSEConnections.WithLabelValues("rejected").Inc()
		}
		var connLimit *operations.ErrConnectionLimit
		var rateLimit *operations.ErrRateLimit
		switch {
		case errors.As(err, &connLimit), errors.As(err, &rateLimit):
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, "connection_limit", err.Error(),
				map[string]any{"retry_after_seconds": 10})
		default:
			writeError(w, http.StatusInternalServerError, "subscribe_error", err.Error(), nil)
		}
		return
	}
	defer sub.Close()
	if g.metrics != nil {
		g.metrics.SSEConnections.WithLabelValues("opened").Inc()
		defer g.metrics.SSEConnections.WithLabelValues("closed").Inc()
	}

	setSSEHeaders(w)
	emitter := streaming.NewSSEEmitter(w, 0, "")

	ping := time.NewTicker(g.opts.SSEKeepalive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := emitter.Ping(); err != nil {
				return
			}
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			payload := map[string]any{
				"operation_id": ev.OperationID,
				"timestamp":    ev.Timestamp,
			}
			for k, v := range ev.Payload {
				payload[k] = v
			}
			if err := emitter.WriteEvent(ev.Type, payload); err != nil {
				return
			}
			if terminalEvents[ev.Type] {
				return
			}
		}
	}
}
